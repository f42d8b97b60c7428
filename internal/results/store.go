// Package results stores search results progressively, one artifact per task.
//
// While a task runs its records are appended to <id>.running.jsonl, one JSON
// object per line. Finalizing renames the file to <id>.jsonl. The sidecar
// <id>.meta.json carries the query, the state and the final count.
package results

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	fileutil "searchdock/internal/file"
)

const (
	runningSuffix = ".running.jsonl"
	finalSuffix   = ".jsonl"
	metaSuffix    = ".meta.json"

	dataFilePerm   os.FileMode = 0o640
	readBufferSize             = 64 * 1024
)

type stream struct {
	mu     sync.Mutex
	f      *os.File
	count  int
	size   int64
	meta   Meta
	closed bool
}

// Store is safe for concurrent use. Appends to one task are serialized and
// each batch is written with a single write call.
type Store struct {
	dir     string
	mu      sync.Mutex
	streams map[string]*stream
	now     func() time.Time
}

func NewStore(dir string) (*Store, error) {
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("results dir: %w", err)
	}
	return &Store{dir: dir, streams: make(map[string]*stream), now: time.Now}, nil
}

func (s *Store) runningPath(taskID string) string {
	return filepath.Join(s.dir, taskID+runningSuffix)
}

func (s *Store) finalPath(taskID string) string {
	return filepath.Join(s.dir, taskID+finalSuffix)
}

func (s *Store) metaPath(taskID string) string {
	return filepath.Join(s.dir, taskID+metaSuffix)
}

// Path returns the location of the artifact, running or finalized.
func (s *Store) Path(taskID string) string {
	if fileutil.Exists(s.finalPath(taskID)) {
		return s.finalPath(taskID)
	}
	return s.runningPath(taskID)
}

// MetaPath returns the location of the artifact's sidecar.
func (s *Store) MetaPath(taskID string) string {
	return s.metaPath(taskID)
}

func validID(taskID string) error {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.Contains(taskID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return nil
}

// BeginStream opens the running artifact for taskID. Calling it again while
// the stream is open does nothing.
func (s *Store) BeginStream(query, taskID string) error {
	if err := validID(taskID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[taskID]; ok {
		return nil
	}
	if fileutil.Exists(s.runningPath(taskID)) {
		_, err := s.reopenLocked(taskID)
		return err
	}

	f, err := os.OpenFile(s.runningPath(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, dataFilePerm)
	if err != nil {
		return fmt.Errorf("open running artifact: %w", err)
	}
	st := &stream{
		f: f,
		meta: Meta{
			TaskID:    taskID,
			Query:     query,
			State:     StateRunning,
			StartedAt: s.now().UTC(),
		},
	}
	if err := fileutil.WriteJSONAtomic(s.metaPath(taskID), st.meta); err != nil {
		_ = f.Close()
		_ = os.Remove(s.runningPath(taskID))
		return fmt.Errorf("write meta: %w", err)
	}
	s.streams[taskID] = st
	return nil
}

// reopenLocked attaches to a running artifact left by a previous process.
func (s *Store) reopenLocked(taskID string) (*stream, error) {
	path := s.runningPath(taskID)
	count, size, err := countLines(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, dataFilePerm)
	if err != nil {
		return nil, fmt.Errorf("reopen running artifact: %w", err)
	}
	if info, statErr := f.Stat(); statErr == nil && info.Size() != size {
		// drop a torn trailing line so the next batch starts on a fresh line
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate torn line: %w", err)
		}
	}
	meta := Meta{TaskID: taskID, State: StateRunning, StartedAt: s.now().UTC()}
	var stored Meta
	if err := fileutil.ReadJSON(s.metaPath(taskID), &stored); err == nil {
		meta = stored
		meta.State = StateRunning
	}
	st := &stream{f: f, count: count, size: size, meta: meta}
	s.streams[taskID] = st
	return st, nil
}

func (s *Store) lookup(taskID string) (*stream, error) {
	if err := validID(taskID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[taskID]; ok {
		return st, nil
	}
	if !fileutil.Exists(s.runningPath(taskID)) {
		return nil, ErrNotFound
	}
	return s.reopenLocked(taskID)
}

// AppendBatch appends records to the running artifact and returns the number
// of records persisted so far.
func (s *Store) AppendBatch(taskID string, records []Record) (int, error) {
	st, err := s.lookup(taskID)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return 0, fmt.Errorf("encode record %d: %w", i, err)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return st.count, ErrNotFound
	}
	if len(records) == 0 {
		return st.count, nil
	}
	n, err := st.f.Write(buf.Bytes())
	if err != nil {
		if n > 0 {
			_ = st.f.Truncate(st.size)
		}
		return st.count, fmt.Errorf("append batch: %w", err)
	}
	st.size += int64(n)
	st.count += len(records)
	return st.count, nil
}

// Finalize seals the running artifact as completed.
func (s *Store) Finalize(taskID string, total int) (*Meta, error) {
	return s.finalize(taskID, total, StateCompleted)
}

// FinalizeAsStopped seals the running artifact as a partial, user-stopped result.
func (s *Store) FinalizeAsStopped(taskID string, total int) (*Meta, error) {
	return s.finalize(taskID, total, StateStopped)
}

func (s *Store) finalize(taskID string, total int, state State) (*Meta, error) {
	if err := validID(taskID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[taskID]
	if !ok {
		if !fileutil.Exists(s.runningPath(taskID)) {
			return nil, ErrNotFound
		}
		var err error
		if st, err = s.reopenLocked(taskID); err != nil {
			return nil, err
		}
	}
	delete(s.streams, taskID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrNotFound
	}
	st.closed = true
	if err := st.f.Sync(); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("sync running artifact failed")
	}
	if err := st.f.Close(); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("close running artifact failed")
	}
	if err := os.Rename(s.runningPath(taskID), s.finalPath(taskID)); err != nil {
		return nil, fmt.Errorf("promote artifact: %w", err)
	}

	finalizedAt := s.now().UTC()
	meta := st.meta
	meta.State = state
	meta.Total = st.count
	meta.FinalizedAt = &finalizedAt
	if total != st.count {
		meta.ReportedTotal = total
		log.Warn().Str("task_id", taskID).Int("reported", total).Int("persisted", st.count).Msg("result count differs from persisted records")
	}
	if err := fileutil.WriteJSONAtomic(s.metaPath(taskID), meta); err != nil {
		return &meta, fmt.Errorf("write meta: %w", err)
	}
	return &meta, nil
}

// Meta returns the artifact description. Counts of running artifacts are live.
func (s *Store) Meta(taskID string) (*Meta, error) {
	if err := validID(taskID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	st, ok := s.streams[taskID]
	s.mu.Unlock()
	if ok {
		st.mu.Lock()
		meta := st.meta
		meta.Total = st.count
		st.mu.Unlock()
		return &meta, nil
	}

	switch {
	case fileutil.Exists(s.finalPath(taskID)):
		var meta Meta
		if err := fileutil.ReadJSON(s.metaPath(taskID), &meta); err != nil || meta.State == StateRunning {
			// rename happened but the sealed meta never landed
			count, _, cerr := countLines(s.finalPath(taskID))
			if cerr != nil {
				return nil, cerr
			}
			meta.TaskID, meta.State, meta.Total = taskID, StateStopped, count
		}
		return &meta, nil
	case fileutil.Exists(s.runningPath(taskID)):
		count, _, err := countLines(s.runningPath(taskID))
		if err != nil {
			return nil, err
		}
		meta := Meta{TaskID: taskID}
		_ = fileutil.ReadJSON(s.metaPath(taskID), &meta)
		meta.State, meta.Total = StateRunning, count
		return &meta, nil
	default:
		return nil, ErrNotFound
	}
}

// Count returns the number of persisted records.
func (s *Store) Count(taskID string) (int, error) {
	meta, err := s.Meta(taskID)
	if err != nil {
		return 0, err
	}
	return meta.Total, nil
}

// Exists reports whether a running or finalized artifact exists.
func (s *Store) Exists(taskID string) bool {
	if validID(taskID) != nil {
		return false
	}
	return fileutil.Exists(s.runningPath(taskID)) || fileutil.Exists(s.finalPath(taskID))
}

// Running reports whether the artifact is still being appended to.
func (s *Store) Running(taskID string) bool {
	return validID(taskID) == nil && fileutil.Exists(s.runningPath(taskID))
}

// ReadPage returns records [offset, offset+limit). Running artifacts are read
// live and only records counted at call time are returned.
func (s *Store) ReadPage(taskID string, limit, offset int) (Page, error) {
	if limit < 0 || offset < 0 {
		return Page{}, ErrInvalidPage
	}
	var lastErr error
	// a finalize may rename the file between Meta and open; retry once
	for range 2 {
		meta, err := s.Meta(taskID)
		if err != nil {
			return Page{}, err
		}
		path := s.finalPath(taskID)
		if meta.State == StateRunning {
			path = s.runningPath(taskID)
		}
		page := Page{Records: []Record{}, Total: meta.Total, Offset: offset, Limit: limit, State: meta.State}
		want := min(limit, meta.Total-offset)
		if want <= 0 {
			return page, nil
		}
		records, err := readRange(path, offset, want)
		if errors.Is(err, os.ErrNotExist) {
			lastErr = err
			continue
		}
		if err != nil {
			return Page{}, err
		}
		page.Records = records
		return page, nil
	}
	return Page{}, fmt.Errorf("read page: %w", lastErr)
}

// Remove deletes every file of the artifact. Missing files are ignored.
func (s *Store) Remove(taskID string) error {
	if err := validID(taskID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[taskID]; ok {
		st.mu.Lock()
		if !st.closed {
			st.closed = true
			_ = st.f.Close()
		}
		st.mu.Unlock()
		delete(s.streams, taskID)
	}
	var errs []error
	for _, path := range []string{s.runningPath(taskID), s.finalPath(taskID), s.metaPath(taskID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases open file handles. Running artifacts stay on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, st := range s.streams {
		st.mu.Lock()
		if !st.closed {
			st.closed = true
			if err := st.f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		st.mu.Unlock()
		delete(s.streams, id)
	}
	return errors.Join(errs...)
}

// readRange decodes n complete lines after skipping offset lines.
func readRange(path string, offset, n int) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from a validated task id
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, readBufferSize)
	for i := 0; i < offset; i++ {
		if err := skipLine(r); err != nil {
			if errors.Is(err, io.EOF) {
				return []Record{}, nil
			}
			return nil, err
		}
	}

	records := make([]Record, 0, n)
	for len(records) < n {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// EOF with a partial line: the writer has not finished it yet
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read artifact: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", offset+len(records), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func skipLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// countLines returns the number of complete lines and the byte length they cover.
func countLines(path string) (int, int64, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from a validated task id
	if err != nil {
		return 0, 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	var (
		count    int
		offset   int64
		complete int64
	)
	buf := make([]byte, readBufferSize)
	for {
		n, err := f.Read(buf)
		chunk := buf[:n]
		for {
			i := bytes.IndexByte(chunk, '\n')
			if i < 0 {
				break
			}
			count++
			complete = offset + int64(i) + 1
			offset += int64(i) + 1
			chunk = chunk[i+1:]
		}
		offset += int64(len(chunk))
		if errors.Is(err, io.EOF) {
			return count, complete, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("count lines: %w", err)
		}
	}
}
