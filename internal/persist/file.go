package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ashita-ai/machi/internal/model"
)

// FileStore writes zstd-compressed JSON to a single file. Saves go to a
// temp file in the same directory and are renamed into place, so a crash
// leaves either the old or the new snapshot.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore prepares path's directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("persist: file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create state dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Save(ctx context.Context, snap model.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err = writeCompressed(tmp, data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist: write %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist: sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("persist: close %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("persist: rename snapshot: %w", err)
	}
	return nil
}

func writeCompressed(w io.Writer, data []byte) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func (s *FileStore) Load(_ context.Context) (model.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("persist: open snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("persist: zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("persist: read snapshot: %w", err)
	}
	snap, err := decode(data)
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *FileStore) Close() error { return nil }
