package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bitforward/forward-engine/internal/model"
)

const (
	positionsFile = "positions.json"
	historyFile   = "history.json"
)

// FilePersister stores the mirror as positions.json and history.json in a
// directory.
type FilePersister struct {
	dir string
}

// NewFilePersister creates a persister rooted at dir.
func NewFilePersister(dir string) *FilePersister {
	return &FilePersister{dir: dir}
}

// Load reads both documents, creating the directory and empty documents if
// they do not exist.
func (p *FilePersister) Load(_ context.Context) (Snapshot, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create %s: %w", p.dir, err)
	}
	var snap Snapshot
	if err := p.loadDoc(positionsFile, &snap.Positions); err != nil {
		return Snapshot{}, err
	}
	if err := p.loadDoc(historyFile, &snap.History); err != nil {
		return Snapshot{}, err
	}
	if snap.Positions == nil {
		snap.Positions = []model.MirrorRecord{}
	}
	if snap.History == nil {
		snap.History = []model.HistoryRecord{}
	}
	return snap, nil
}

func (p *FilePersister) loadDoc(name string, into any) error {
	path := filepath.Join(p.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return writeFileAtomic(path, []byte("[]"))
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Save writes both documents.
func (p *FilePersister) Save(_ context.Context, s Snapshot) error {
	if err := p.saveDoc(positionsFile, nonNil(s.Positions)); err != nil {
		return err
	}
	return p.saveDoc(historyFile, nonNil(s.History))
}

func (p *FilePersister) saveDoc(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return writeFileAtomic(filepath.Join(p.dir, name), data)
}

// writeFileAtomic replaces path via a temp file and rename so readers never
// see a partial document.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
