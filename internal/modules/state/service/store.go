package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"croupier_bot/internal/models"
)

// Store persists and recovers session snapshots.
type Store interface {
	Save(snap models.StateSnapshot) error
	Load() (models.StateSnapshot, error)
}

// ErrNoSnapshot means a cold start: nothing to recover.
var ErrNoSnapshot = errors.New("no snapshot found")

// FileStore writes snapshots atomically: temp file, fsync, rename. A crash
// mid-save leaves the previous snapshot intact. Older generations are kept
// as numbered backups.
type FileStore struct {
	path    string
	backups int
}

func NewFileStore(path string, backups int) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "snapshot dir")
	}
	return &FileStore{path: path, backups: backups}, nil
}

func (s *FileStore) Save(snap models.StateSnapshot) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open tmp snapshot")
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write snapshot")
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync snapshot")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "close snapshot")
	}

	s.rotate()
	if err = os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "rename snapshot")
	}
	return nil
}

// rotate shifts state.json -> state.json.1 -> state.json.2 ... dropping the
// oldest generation.
func (s *FileStore) rotate() {
	if s.backups <= 0 {
		return
	}
	_ = os.Remove(fmt.Sprintf("%s.%d", s.path, s.backups))
	for i := s.backups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", s.path, i), fmt.Sprintf("%s.%d", s.path, i+1))
	}
	_ = os.Rename(s.path, s.path+".1")
}

func (s *FileStore) Load() (models.StateSnapshot, error) {
	var snap models.StateSnapshot
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, ErrNoSnapshot
		}
		return snap, errors.Wrap(err, "read snapshot")
	}
	if err := sonic.Unmarshal(data, &snap); err != nil {
		// corrupted primary, fall back to the newest backup
		for i := 1; i <= s.backups; i++ {
			bdata, berr := os.ReadFile(fmt.Sprintf("%s.%d", s.path, i))
			if berr != nil {
				continue
			}
			if sonic.Unmarshal(bdata, &snap) == nil {
				return snap, nil
			}
		}
		return snap, errors.Wrap(err, "unmarshal snapshot")
	}
	return snap, nil
}
