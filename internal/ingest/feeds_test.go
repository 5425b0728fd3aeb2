package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatguard/internal/model"
)

func receive(t *testing.T, out <-chan model.SecurityEvent) model.SecurityEvent {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return model.SecurityEvent{}
}

func assertQuiet(t *testing.T, out <-chan model.SecurityEvent) {
	t.Helper()
	select {
	case ev := <-out:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTCPStreamRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.SecurityEvent, 8)

	addr, err := ListenTCPStream(ctx, "127.0.0.1:0", nil, out, nil)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprint(conn, "kind=sql_injection_attempt ip=10.0.0.7 endpoint=/search\n"+
		"not an event\n"+
		`{"type":"xss_attempt","client_ip":"10.0.0.8"}`+"\n")
	require.NoError(t, err)

	first := receive(t, out)
	assert.Equal(t, model.KindSQLInjectionAttempt, first.Kind)
	assert.Equal(t, "10.0.0.7", first.ClientIP)
	assert.Equal(t, "/search", first.Metadata["endpoint"])
	assert.Equal(t, "tcp_stream", first.Source)

	second := receive(t, out)
	assert.Equal(t, model.KindXSSAttempt, second.Kind)
	assert.Equal(t, "10.0.0.8", second.ClientIP)

	cancel()
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr.String(), 50*time.Millisecond)
		if err == nil {
			c.Close()
		}
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSyslogListenersStripPriority(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.SecurityEvent, 8)

	udpAddr, err := ListenSyslogUDP(ctx, "127.0.0.1:0", nil, out, nil)
	require.NoError(t, err)
	udp, err := net.Dial("udp", udpAddr.String())
	require.NoError(t, err)
	defer udp.Close()
	_, err = udp.Write([]byte("<34>kind=bot_activity ip=10.0.0.20\n<13>kind=bot_activity ip=10.0.0.21"))
	require.NoError(t, err)

	got := []string{receive(t, out).ClientIP, receive(t, out).ClientIP}
	assert.ElementsMatch(t, []string{"10.0.0.20", "10.0.0.21"}, got)

	tcpAddr, err := ListenSyslogTCP(ctx, "127.0.0.1:0", nil, out, nil)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", tcpAddr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprint(conn, "<86>kind=xss_attempt ip=10.0.0.22\n")
	require.NoError(t, err)

	ev := receive(t, out)
	assert.Equal(t, model.KindXSSAttempt, ev.Kind)
	assert.Equal(t, "10.0.0.22", ev.ClientIP)
	assert.Equal(t, "syslog", ev.Source)
}

func TestTailerFollowsAppendsAndRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	require.NoError(t, os.WriteFile(path, []byte("kind=bot_activity ip=10.0.0.30\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.SecurityEvent, 8)
	tl := newTailer(path, true, newLineFeed("file_tail", nil, out, nil))
	tl.poll = 10 * time.Millisecond
	done := make(chan struct{})
	go func() {
		tl.run(ctx)
		close(done)
	}()

	// existing content is skipped when starting at the end.
	assertQuiet(t, out)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("kind=xss_attempt ip=10.0.0.31\nkind=xss_att")
	require.NoError(t, err)
	ev := receive(t, out)
	assert.Equal(t, "10.0.0.31", ev.ClientIP)
	assert.Equal(t, "file_tail", ev.Source)
	assertQuiet(t, out)

	_, err = f.WriteString("empt ip=10.0.0.32\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	ev = receive(t, out)
	assert.Equal(t, model.KindXSSAttempt, ev.Kind)
	assert.Equal(t, "10.0.0.32", ev.ClientIP)

	rotated := path + ".1"
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, os.WriteFile(path, []byte("kind=sql_injection_attempt ip=10.0.0.33\n"), 0o600))
	ev = receive(t, out)
	assert.Equal(t, model.KindSQLInjectionAttempt, ev.Kind)
	assert.Equal(t, "10.0.0.33", ev.ClientIP)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tailer did not stop")
	}
}

type fakeKafka struct {
	mu       sync.Mutex
	messages []kafka.Message
	errs     []error
	closed   bool
}

func (f *fakeKafka) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.messages) > 0 {
		m := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeKafka) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestConsumeKafkaSplitsMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.SecurityEvent, 8)
	reader := &fakeKafka{
		errs: []error{errors.New("broker unavailable")},
		messages: []kafka.Message{
			{Topic: "security", Value: []byte("kind=bot_activity ip=10.0.0.40\nkind=bot_activity ip=10.0.0.41")},
			{Topic: "security", Value: []byte("garbage")},
			{Topic: "security", Value: []byte(`{"type":"data_exfiltration","client_ip":"10.0.0.42"}`)},
		},
	}
	done := make(chan struct{})
	go func() {
		consumeKafka(ctx, reader, newLineFeed("kafka", nil, out, nil), time.Millisecond)
		close(done)
	}()

	var ips []string
	for i := 0; i < 3; i++ {
		ev := receive(t, out)
		assert.Equal(t, "kafka", ev.Source)
		ips = append(ips, ev.ClientIP)
	}
	assert.Equal(t, []string{"10.0.0.40", "10.0.0.41", "10.0.0.42"}, ips)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	reader.mu.Lock()
	assert.True(t, reader.closed)
	reader.mu.Unlock()
}
