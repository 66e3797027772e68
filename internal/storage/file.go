package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "popupguard/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only journal of set/remove/clear)
//
// The journal is periodically compacted into the snapshot. A write is only
// acknowledged after its journal line has been written and synced.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	data         map[string]json.RawMessage

	writes       int
	compactEvery int
	// torn is set when a failed append could not be rolled back.
	torn bool
}

// Seams for failing journal I/O in tests.
var (
	journalWrite    = (*os.File).Write
	journalTruncate = (*os.File).Truncate
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	data := map[string]json.RawMessage{}
	if err := loadSnapshot(snapPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := replayJournal(journalPath, data, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateTornLine(jf); err != nil {
		_ = jf.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 200
	}
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		data:         data,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = cloneRaw(v)
		}
	}
	return out, nil
}

func (s *fileStore) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	if err := validKeys(keys); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opSet, Items: items}); err != nil {
		return err
	}
	for k, v := range items {
		s.data[k] = cloneRaw(v)
	}
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opRemove, Keys: keys}); err != nil {
		return err
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opClear}); err != nil {
		return err
	}
	s.data = map[string]json.RawMessage{}
	// A clear is a natural compaction point.
	return s.compactLocked()
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if s.torn {
		if err := terminateTornLine(s.journalFile); err != nil {
			return fmt.Errorf("journal repair: %w", err)
		}
		s.torn = false
	}
	fi, err := s.journalFile.Stat()
	if err != nil {
		return fmt.Errorf("journal stat: %w", err)
	}
	if _, err := journalWrite(s.journalFile, b); err != nil {
		s.rollbackLocked(fi.Size())
		return fmt.Errorf("journal write: %w", err)
	}
	if err := s.journalFile.Sync(); err != nil {
		s.rollbackLocked(fi.Size())
		return fmt.Errorf("journal sync: %w", err)
	}
	s.writes++
	return nil
}

// rollbackLocked cuts the journal back to size after a failed append so the
// next acknowledged line does not land on the same line as the partial one.
func (s *fileStore) rollbackLocked(size int64) {
	if err := journalTruncate(s.journalFile, size); err != nil {
		s.torn = true
		s.log.Warn("journal rollback failed; next append starts a new line", logx.Err(err))
	}
}

func (s *fileStore) maybeCompactLocked() {
	if s.writes%s.compactEvery != 0 {
		return
	}
	// Best-effort: the journal still holds everything if this fails.
	if err := s.compactLocked(); err != nil {
		s.log.Warn("store compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

// terminateTornLine makes sure the next append starts on a fresh line.
func terminateTornLine(f *os.File) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func loadSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]json.RawMessage, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is expected; skip it.
			log.Warn("journal line skipped", logx.Int("line", line), logx.Err(err))
			continue
		}
		switch r.Op {
		case opSet:
			for k, v := range r.Items {
				out[k] = v
			}
		case opRemove:
			for _, k := range r.Keys {
				delete(out, k)
			}
		case opClear:
			for k := range out {
				delete(out, k)
			}
		}
	}
	return sc.Err()
}
