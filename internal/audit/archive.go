package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"threatguard/internal/model"
)

// FileArchiver appends evicted entries to a file as zstd-compressed JSON
// lines. Each Archive call writes one independent frame.
type FileArchiver struct {
	mu   sync.Mutex
	path string
}

func NewFileArchiver(path string) (*FileArchiver, error) {
	if path == "" {
		return nil, errors.New("archive path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileArchiver{path: path}, nil
}

func (a *FileArchiver) Archive(entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(zw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			return fmt.Errorf("encode archived entry %s: %w", e.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadArchive decodes every entry written by a FileArchiver.
func ReadArchive(path string) ([]model.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var out []model.AuditEntry
	dec := json.NewDecoder(bufio.NewReader(zr))
	for {
		var e model.AuditEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, e)
	}
}
