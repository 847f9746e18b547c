package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cadence/pkg/logx"
)

// fileStore appends dispatches to <prefix>.dispatch.jsonl and keeps the
// retained tail in memory. Once the file holds more than twice the retained
// count it is rewritten with the tail only.
type fileStore struct {
	log    logx.Logger
	retain int

	mu    sync.Mutex
	path  string
	f     *os.File
	tail  []DispatchEntry // oldest first
	lines int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journal := filepath.Join(dir, base) + ".dispatch.jsonl"

	s := &fileStore{log: log, retain: cfg.retain(), path: journal}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dispatch journal replay failed", logx.Err(err))
	}

	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		s.lines++
		var e DispatchEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		s.push(e)
	}
	return sc.Err()
}

func (s *fileStore) push(e DispatchEntry) {
	s.tail = append(s.tail, e)
	if over := len(s.tail) - s.retain; over > 0 {
		s.tail = append(s.tail[:0:0], s.tail[over:]...)
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendDispatch(_ context.Context, e DispatchEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return err
	}
	s.lines++
	s.push(e)
	if s.lines > 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dispatch journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentDispatches(_ context.Context, limit int) ([]DispatchEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(s.tail) {
		limit = len(s.tail)
	}
	out := make([]DispatchEntry, 0, limit)
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.tail[i])
	}
	return out, nil
}

// compactLocked rewrites the journal with the retained tail.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range s.tail {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(s.tail)
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}
