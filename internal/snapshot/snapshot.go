// Package snapshot serves the read-only user-context documents (portfolio,
// health, goals) that are folded into prompts.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
)

const truncatedSuffix = "…"

type Config struct {
	Dir      string
	Files    []string
	MaxBytes int
	Logger   *slog.Logger
}

// Document is one snapshot, compacted and size-capped.
type Document struct {
	Name      string
	Content   string
	Truncated bool
}

// Store reads snapshot files on demand. While Watch runs, reads are cached
// and invalidated by file system events; otherwise every read hits disk.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]Document
	gen      uint64 // bumped on every invalidation
	watching bool
}

func New(cfg Config) *Store {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "snapshot"),
		cache:  make(map[string]Document),
	}
}

// All returns every configured snapshot that exists, in config order.
func (s *Store) All() []Document {
	var docs []Document
	for _, f := range s.cfg.Files {
		if d, ok := s.Load(f); ok {
			docs = append(docs, d)
		}
	}
	return docs
}

// Load returns the named snapshot. A missing file reports false.
func (s *Store) Load(file string) (Document, bool) {
	s.mu.Lock()
	if s.watching {
		if d, ok := s.cache[file]; ok {
			s.mu.Unlock()
			return d, true
		}
	}
	gen := s.gen
	s.mu.Unlock()

	d, err := s.read(file)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read snapshot failed", "file", file, "err", err)
		}
		return Document{}, false
	}

	s.mu.Lock()
	if s.watching && s.gen == gen {
		s.cache[file] = d
	}
	s.mu.Unlock()
	return d, true
}

func (s *Store) read(file string) (Document, error) {
	data, err := os.ReadFile(filepath.Join(s.cfg.Dir, file))
	if err != nil {
		return Document{}, err
	}
	content := compact(data)
	d := Document{Name: strings.TrimSuffix(file, filepath.Ext(file)), Content: content}
	if len(content) > s.cfg.MaxBytes {
		d.Content = truncate(content, s.cfg.MaxBytes-len(truncatedSuffix)) + truncatedSuffix
		d.Truncated = true
	}
	return d, nil
}

func compact(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err == nil {
		return buf.String()
	}
	return strings.TrimSpace(string(data))
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Watching reports whether the cache is live.
func (s *Store) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watching
}

// Watch invalidates cached snapshots on file changes until ctx is done. If
// the directory cannot be watched, the store keeps reading from disk.
func (s *Store) Watch(ctx context.Context) error {
	if _, err := os.Stat(s.cfg.Dir); err != nil {
		s.logger.Info("snapshot dir not present, not watching", "dir", s.cfg.Dir)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, reading snapshots from disk", "err", err)
		return nil
	}
	defer watcher.Close()
	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.cfg.Dir, err)
	}

	s.setWatching(true)
	defer s.setWatching(false)
	s.logger.Debug("watching snapshots", "dir", s.cfg.Dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.invalidate(filepath.Base(ev.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("snapshot watcher error", "err", err)
			s.invalidateAll()
		}
	}
}

func (s *Store) setWatching(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watching = on
	s.gen++
	s.cache = make(map[string]Document)
}

func (s *Store) invalidate(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	delete(s.cache, file)
}

func (s *Store) invalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.cache = make(map[string]Document)
}
