package sessionstore

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const fileExt = ".jsonl"

// maxLineSize bounds a single persisted record.
const maxLineSize = 64 << 20

// FileLog stores each session as a JSONL file in a directory. Writes are
// whole lines appended with O_APPEND and synced before Append returns.
type FileLog struct {
	dir string

	mu    sync.Mutex
	heads map[string]string
	locks map[string]*sync.Mutex
}

// NewFileLog returns a log rooted at dir, creating it if needed.
func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create session dir")
	}
	return &FileLog{dir: dir, heads: map[string]string{}, locks: map[string]*sync.Mutex{}}, nil
}

// Dir returns the directory holding session files.
func (f *FileLog) Dir() string { return f.dir }

func (f *FileLog) path(sessionID string) string {
	return filepath.Join(f.dir, sessionID+fileExt)
}

func (f *FileLog) lock(sessionID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[sessionID] = l
	}
	return l
}

func (f *FileLog) Append(ctx context.Context, sessionID string, next func(head string) (Entry, error)) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	l := f.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	head, err := f.head(ctx, sessionID)
	if err != nil {
		return Entry{}, err
	}
	e, err := next(head)
	if err != nil {
		return Entry{}, err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, errors.Wrap(err, "marshal entry")
	}
	line = append(line, '\n')

	flags := os.O_WRONLY | os.O_APPEND | os.O_CREATE
	if head == "" {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(f.path(sessionID), flags, 0o644)
	if err != nil {
		return Entry{}, errors.Wrap(err, "open session file")
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return Entry{}, errors.Wrap(err, "write entry")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return Entry{}, errors.Wrap(err, "sync session file")
	}
	if err := file.Close(); err != nil {
		return Entry{}, errors.Wrap(err, "close session file")
	}

	f.mu.Lock()
	f.heads[sessionID] = e.ID
	f.mu.Unlock()
	return e, nil
}

// head returns the cached head, loading the file on first use. The caller
// holds the session lock.
func (f *FileLog) head(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	h, ok := f.heads[sessionID]
	f.mu.Unlock()
	if ok {
		return h, nil
	}
	entries, err := f.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].ID, nil
}

func (f *FileLog) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	file, err := os.Open(f.path(sessionID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "open session file")
	}
	defer file.Close()

	var entries []Entry
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, &CorruptionError{SessionID: sessionID, Line: line, Reason: "unparsable record: " + err.Error()}
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, &CorruptionError{SessionID: sessionID, Line: line + 1, Reason: "unreadable record: " + err.Error()}
	}
	return entries, nil
}

func (f *FileLog) Sessions(ctx context.Context) ([]SessionInfo, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*"+fileExt))
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	var out []SessionInfo
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), fileExt)
		entries, err := f.Load(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("session", id).Msg("sessionstore: skipping unreadable session")
			continue
		}
		out = append(out, summarize(id, entries))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (f *FileLog) Locate(ctx context.Context, entryID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*"+fileExt))
	if err != nil {
		return "", errors.Wrap(err, "list sessions")
	}
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), fileExt)
		entries, err := f.Load(ctx, id)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.ID == entryID {
				return id, nil
			}
		}
	}
	return "", ErrNotFound
}
