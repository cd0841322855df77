package token

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File is the on-disk token file layout.
type File struct {
	Tokens map[string]Record `yaml:"tokens"`
}

// FileService serves records from a YAML token file. Link rewrites the file;
// Watch reloads it when edited externally.
type FileService struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// OpenFile loads path. A missing file starts empty and is created on the
// first Link.
func OpenFile(path string, logger *slog.Logger) (*FileService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileService{path: path, logger: logger, records: map[string]Record{}}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// TokenOf returns the record of agent id, or ErrNotFound.
func (s *FileService) TokenOf(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Link binds id to machine and rewrites the file.
func (s *FileService) Link(_ context.Context, id, machine string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Machine = machine
	s.records[id] = rec
	return s.writeLocked()
}

func (s *FileService) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse token file %s: %w", s.path, err)
	}
	if file.Tokens == nil {
		file.Tokens = map[string]Record{}
	}

	s.mu.Lock()
	s.records = file.Tokens
	s.mu.Unlock()
	return nil
}

// writeLocked replaces the file through a rename so readers never observe
// a partial write.
func (s *FileService) writeLocked() error {
	data, err := yaml.Marshal(File{Tokens: s.records})
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// Watch reloads the file on external edits until ctx ends.
func (s *FileService) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch token dir: %w", err)
	}

	target := filepath.Clean(s.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				if err := s.reload(); err != nil {
					s.logger.Warn("token file reload failed", "path", s.path, "error", err)
					return
				}
				s.logger.Info("token file reloaded", "path", s.path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("token watcher error", "error", err)
		}
	}
}
