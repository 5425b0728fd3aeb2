package ingest

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"threatguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_.\-]*)=("(?:[^"\\]|\\.)*"|\S+)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
)

var ErrNoFields = errors.New("line has no key=value fields")

// Field aliases accepted from feeds.
var (
	timestampKeys = []string{"timestamp", "time", "ts"}
	kindKeys      = []string{"kind", "type", "event", "event_type"}
	severityKeys  = []string{"severity", "sev"}
	clientIPKeys  = []string{"client_ip", "ip", "src", "src_ip", "source_ip", "remote_addr"}
	userKeys      = []string{"user_id", "user", "username", "uid"}
	sessionKeys   = []string{"session_id", "session", "sid"}
	geoKeys       = []string{"geolocation", "geo", "country"}
)

var reserved = func() map[string]struct{} {
	m := map[string]struct{}{"metadata": {}}
	for _, group := range [][]string{timestampKeys, kindKeys, severityKeys, clientIPKeys, userKeys, sessionKeys, geoKeys} {
		for _, k := range group {
			m[k] = struct{}{}
		}
	}
	return m
}()

// Parser reads one event per line: a JSON object, or key=value pairs
// optionally preceded by a timestamp.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// ParseLine returns nil fields for blank lines.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		fields, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		fields.Raw = line
		return fields, nil
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (*normalize.EventFields, error) {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		key := strings.ToLower(match[1])
		val := match[2]
		if strings.HasPrefix(val, `"`) {
			if uq, err := strconv.Unquote(val); err == nil {
				val = uq
			}
		}
		kv[key] = val
	}
	if len(kv) == 0 {
		return nil, ErrNoFields
	}
	fields := fromStrings(kv)
	if fields.Timestamp == "" {
		fields.Timestamp = extractTimestamp(line)
	}
	return fields, nil
}

func fromStrings(kv map[string]string) *normalize.EventFields {
	fields := &normalize.EventFields{
		Timestamp:   firstNonEmpty(kv, timestampKeys...),
		Kind:        firstNonEmpty(kv, kindKeys...),
		Severity:    firstNonEmpty(kv, severityKeys...),
		ClientIP:    firstNonEmpty(kv, clientIPKeys...),
		UserID:      firstNonEmpty(kv, userKeys...),
		SessionID:   firstNonEmpty(kv, sessionKeys...),
		Geolocation: firstNonEmpty(kv, geoKeys...),
	}
	for k, v := range kv {
		if _, ok := reserved[k]; ok {
			continue
		}
		if fields.Metadata == nil {
			fields.Metadata = map[string]any{}
		}
		fields.Metadata[k] = v
	}
	return fields
}

func extractTimestamp(line string) string {
	if m := reTimestamp.FindStringSubmatch(line); len(m) >= 2 {
		return strings.TrimSpace(m[1])
	}
	if m := reSyslogTS.FindStringSubmatch(line); len(m) >= 2 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
