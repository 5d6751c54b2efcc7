package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metagame-cli/internal/model"
	"github.com/sells-group/metagame-cli/internal/resilience"
	"github.com/sells-group/metagame-cli/internal/source"
)

const (
	quarantineFile = "quarantine.jsonl"
	failuresFile   = "fetch_failures.json"
	keyStripes     = 64
)

// FileStore keeps one JSON document per {dir}/{source}/{format}/{YYYY-MM}.json
// bucket. An in-memory index maps each key to its bucket, so lookups do not
// depend on bucket boundaries.
type FileStore struct {
	dir string
	now func() time.Time

	keyLocks [keyStripes]sync.Mutex

	bucketMu    sync.Mutex
	bucketLocks map[string]*sync.RWMutex

	indexMu sync.RWMutex
	index   map[model.Key]indexEntry

	quarantineMu sync.Mutex
	failuresMu   sync.Mutex
}

type indexEntry struct {
	bucket string
	sealed bool
}

type bucketDoc struct {
	Entries []fileEntry `json:"entries"`
}

type fileEntry struct {
	Key         model.Key          `json:"key"`
	Sealed      bool               `json:"sealed"`
	MergedAt    time.Time          `json:"merged_at"`
	Payload     json.RawMessage    `json:"payload"`
	Annotations []model.Annotation `json:"annotations,omitempty"`
}

// NewFileStore opens (creating if needed) a file store rooted at dir and
// rebuilds its index.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "file: create data directory %s", dir)
	}
	o := buildOptions(opts)
	s := &FileStore{
		dir:         dir,
		now:         o.now,
		bucketLocks: make(map[string]*sync.RWMutex),
		index:       make(map[model.Key]indexEntry),
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate implements Store. The directory layout needs no migration.
func (s *FileStore) Migrate(context.Context) error { return nil }

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) rebuildIndex() error {
	mergedAt := make(map[model.Key]time.Time)
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return eris.Wrapf(err, "file: walk %s", path)
		}
		if d.IsDir() || filepath.Ext(path) != ".json" || filepath.Dir(path) == s.dir {
			return nil
		}
		rel, _ := filepath.Rel(s.dir, path)
		doc, err := readBucket(path)
		if err != nil {
			return err
		}
		for _, e := range doc.Entries {
			// A key found in two buckets was interrupted mid-move; the
			// newest copy wins.
			if seen, ok := mergedAt[e.Key]; ok && !e.MergedAt.After(seen) {
				continue
			}
			mergedAt[e.Key] = e.MergedAt
			s.index[e.Key] = indexEntry{bucket: rel, sealed: e.Sealed}
		}
		return nil
	})
}

func bucketPath(key model.Key, date time.Time) string {
	return filepath.Join(safeSegment(key.Source), safeSegment(key.Format), model.Bucket(date)+".json")
}

// safeSegment keeps a key component usable as a single path element.
func safeSegment(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	s = r.Replace(s)
	if s == "" || s == "." {
		return "_"
	}
	return s
}

func (s *FileStore) keyLock(key model.Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &s.keyLocks[h.Sum32()%keyStripes]
}

func (s *FileStore) bucketLock(bucket string) *sync.RWMutex {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	l, ok := s.bucketLocks[bucket]
	if !ok {
		l = &sync.RWMutex{}
		s.bucketLocks[bucket] = l
	}
	return l
}

func (s *FileStore) lookup(key model.Key) (indexEntry, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	e, ok := s.index[key]
	return e, ok
}

func readBucket(path string) (*bucketDoc, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &bucketDoc{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "file: read bucket %s", path)
	}
	var doc bucketDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "file: decode bucket %s", path)
	}
	return &doc, nil
}

// writeBucket stages the document and renames it into place so readers see
// either the old or the new bucket, never a partial one.
func writeBucket(path string, doc *bucketDoc) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "file: create bucket dir %s", path)
	}
	if len(doc.Entries) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "file: remove empty bucket %s", path)
		}
		return nil
	}
	sort.Slice(doc.Entries, func(i, j int) bool {
		return doc.Entries[i].Key.TournamentID < doc.Entries[j].Key.TournamentID
	})
	return writeFileAtomic(path, doc)
}

func writeFileAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "file: encode %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "file: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return eris.Wrapf(err, "file: rename %s", path)
	}
	return nil
}

func findEntry(doc *bucketDoc, key model.Key) int {
	for i := range doc.Entries {
		if doc.Entries[i].Key == key {
			return i
		}
	}
	return -1
}

// Missing implements Store.
func (s *FileStore) Missing(_ context.Context, listings []source.Listing) ([]source.Listing, error) {
	s.failuresMu.Lock()
	failures, err := s.readFailures()
	s.failuresMu.Unlock()
	if err != nil {
		return nil, err
	}
	skip := make(map[model.Key]bool)
	for _, f := range failures {
		if !f.Retryable() {
			skip[f.Key] = true
		}
	}

	s.indexMu.RLock()
	for _, l := range listings {
		if e, ok := s.index[l.Key]; ok && e.sealed {
			skip[l.Key] = true
		}
	}
	s.indexMu.RUnlock()
	return excludeKeys(listings, skip), nil
}

// Merge implements Store.
func (s *FileStore) Merge(ctx context.Context, rec *model.Record) (MergeOutcome, error) {
	payload, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	key := rec.Key()

	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "file: merge")
	}

	target := bucketPath(key, rec.Tournament.Date)
	prev, exists := s.lookup(key)

	var current *fileEntry
	var prevDoc *bucketDoc
	if exists {
		bl := s.bucketLock(prev.bucket)
		bl.RLock()
		prevDoc, err = readBucket(filepath.Join(s.dir, prev.bucket))
		bl.RUnlock()
		if err != nil {
			return "", err
		}
		if i := findEntry(prevDoc, key); i >= 0 {
			current = &prevDoc.Entries[i]
		}
	}

	var currentPayload []byte
	if current != nil {
		currentPayload = current.Payload
	}
	outcome := decide(current != nil, current != nil && current.Sealed, currentPayload, payload)

	switch outcome {
	case MergeRejectedSealed:
		zap.L().Debug("merge on sealed key ignored", zap.String("key", key.String()))
	case MergeInserted, MergeUpdated:
		entry := fileEntry{
			Key:      key,
			Sealed:   rec.Tournament.Complete(),
			MergedAt: s.now().UTC(),
			Payload:  payload,
		}
		if current != nil {
			entry.Annotations = current.Annotations
		}
		if err := s.place(key, entry, prev.bucket, exists, target); err != nil {
			return "", err
		}
		s.indexMu.Lock()
		s.index[key] = indexEntry{bucket: target, sealed: entry.Sealed}
		s.indexMu.Unlock()
	}

	if err := s.clearFetchFailures(key); err != nil {
		return "", err
	}
	return outcome, nil
}

// place writes entry into target, then removes it from the previous bucket
// when the tournament date moved it across a bucket boundary. The target is
// written first so a crash in between leaves a duplicate, never a loss; the
// index rebuild keeps the newest copy.
func (s *FileStore) place(key model.Key, entry fileEntry, prevBucket string, exists bool, target string) error {
	bl := s.bucketLock(target)
	bl.Lock()
	path := filepath.Join(s.dir, target)
	doc, err := readBucket(path)
	if err == nil {
		if i := findEntry(doc, key); i >= 0 {
			doc.Entries[i] = entry
		} else {
			doc.Entries = append(doc.Entries, entry)
		}
		err = writeBucket(path, doc)
	}
	bl.Unlock()
	if err != nil {
		return err
	}

	if !exists || prevBucket == target {
		return nil
	}
	ol := s.bucketLock(prevBucket)
	ol.Lock()
	defer ol.Unlock()
	old, err := readBucket(filepath.Join(s.dir, prevBucket))
	if err == nil {
		if i := findEntry(old, key); i >= 0 {
			old.Entries = append(old.Entries[:i], old.Entries[i+1:]...)
		}
		err = writeBucket(filepath.Join(s.dir, prevBucket), old)
	}
	if err != nil {
		zap.L().Warn("file: stale copy left in previous bucket",
			zap.String("key", key.String()), zap.String("bucket", prevBucket), zap.Error(err))
	}
	return nil
}

func (s *FileStore) readEntry(key model.Key) (*fileEntry, error) {
	ie, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	bl := s.bucketLock(ie.bucket)
	bl.RLock()
	doc, err := readBucket(filepath.Join(s.dir, ie.bucket))
	bl.RUnlock()
	if err != nil {
		return nil, err
	}
	i := findEntry(doc, key)
	if i < 0 {
		return nil, nil
	}
	return &doc.Entries[i], nil
}

func toCacheEntry(e *fileEntry) (*model.CacheEntry, error) {
	rec, err := decodeRecord(e.Payload)
	if err != nil {
		return nil, err
	}
	anns := make(map[string]model.Annotation, len(e.Annotations))
	for _, a := range e.Annotations {
		anns[a.Player] = a
	}
	applyAnnotations(&rec, anns)
	return &model.CacheEntry{Key: e.Key, Record: rec, MergedAt: e.MergedAt.UTC(), Sealed: e.Sealed}, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key model.Key) (*model.CacheEntry, error) {
	e, err := s.readEntry(key)
	if err != nil || e == nil {
		return nil, err
	}
	return toCacheEntry(e)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, filter EntryFilter) ([]model.CacheEntry, error) {
	buckets := make(map[string]bool)
	home := make(map[model.Key]string)
	s.indexMu.RLock()
	for k, ie := range s.index {
		if filter.Source != "" && k.Source != filter.Source {
			continue
		}
		if filter.Format != "" && k.Format != filter.Format {
			continue
		}
		buckets[ie.bucket] = true
		home[k] = ie.bucket
	}
	s.indexMu.RUnlock()

	var out []model.CacheEntry
	for b := range buckets {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "file: list")
		}
		bl := s.bucketLock(b)
		bl.RLock()
		doc, err := readBucket(filepath.Join(s.dir, b))
		bl.RUnlock()
		if err != nil {
			return nil, err
		}
		for i := range doc.Entries {
			if home[doc.Entries[i].Key] != b {
				continue
			}
			ce, err := toCacheEntry(&doc.Entries[i])
			if err != nil {
				return nil, err
			}
			if filter.Match(ce.Key, ce.Record.Tournament.Date, ce.Sealed) {
				out = append(out, *ce)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// Annotations implements Store.
func (s *FileStore) Annotations(_ context.Context, key model.Key) (map[string]model.Annotation, error) {
	e, err := s.readEntry(key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Annotation)
	if e != nil {
		for _, a := range e.Annotations {
			out[a.Player] = a
		}
	}
	return out, nil
}

// SetAnnotations implements Store. It replaces every label for key.
func (s *FileStore) SetAnnotations(_ context.Context, key model.Key, anns []model.Annotation) error {
	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	ie, ok := s.lookup(key)
	if !ok {
		return eris.Errorf("file: annotations for unknown key %s", key)
	}
	bl := s.bucketLock(ie.bucket)
	bl.Lock()
	defer bl.Unlock()

	path := filepath.Join(s.dir, ie.bucket)
	doc, err := readBucket(path)
	if err != nil {
		return err
	}
	i := findEntry(doc, key)
	if i < 0 {
		return eris.Errorf("file: annotations for unknown key %s", key)
	}
	sorted := append([]model.Annotation(nil), anns...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Player < sorted[b].Player })
	doc.Entries[i].Annotations = sorted
	return writeBucket(path, doc)
}

// Quarantine implements Store. Rows are appended to a JSON-lines file.
func (s *FileStore) Quarantine(_ context.Context, q QuarantineEntry) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now().UTC()
	}
	line, err := json.Marshal(q)
	if err != nil {
		return eris.Wrap(err, "file: encode quarantine")
	}

	s.quarantineMu.Lock()
	defer s.quarantineMu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, quarantineFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrap(err, "file: open quarantine")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrap(err, "file: append quarantine")
	}
	return eris.Wrap(f.Close(), "file: close quarantine")
}

// ListQuarantine implements Store.
func (s *FileStore) ListQuarantine(_ context.Context, filter QuarantineFilter) ([]QuarantineEntry, error) {
	s.quarantineMu.Lock()
	defer s.quarantineMu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, quarantineFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "file: open quarantine")
	}
	defer f.Close() //nolint:errcheck

	var out []QuarantineEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var q QuarantineEntry
		if err := json.Unmarshal(sc.Bytes(), &q); err != nil {
			return nil, eris.Wrap(err, "file: decode quarantine")
		}
		if filter.Source != "" && q.Key.Source != filter.Source {
			continue
		}
		if filter.Format != "" && q.Key.Format != filter.Format {
			continue
		}
		if filter.Reason != "" && q.Reason != filter.Reason {
			continue
		}
		out = append(out, q)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "file: scan quarantine")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *FileStore) readFailures() ([]resilience.FetchFailure, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, failuresFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "file: read fetch failures")
	}
	var out []resilience.FetchFailure
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "file: decode fetch failures")
	}
	return out, nil
}

// RecordFetchFailure implements Store.
func (s *FileStore) RecordFetchFailure(_ context.Context, f resilience.FetchFailure) error {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()

	all, err := s.readFailures()
	if err != nil {
		return err
	}
	all = append(all, f)
	return writeFileAtomic(filepath.Join(s.dir, failuresFile), all)
}

func (s *FileStore) clearFetchFailures(key model.Key) error {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()

	all, err := s.readFailures()
	if err != nil || len(all) == 0 {
		return err
	}
	kept := all[:0]
	for _, f := range all {
		if f.Key != key {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(all) {
		return nil
	}
	return writeFileAtomic(filepath.Join(s.dir, failuresFile), kept)
}

// ListFetchFailures implements Store.
func (s *FileStore) ListFetchFailures(_ context.Context, limit int) ([]resilience.FetchFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	s.failuresMu.Lock()
	all, err := s.readFailures()
	s.failuresMu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].FailedAt.Equal(all[j].FailedAt) {
			return all[i].FailedAt.After(all[j].FailedAt)
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
