// Package cache stores expensive pipeline artifacts (audio, transcriptions,
// translations) on disk behind a JSON index with size and TTL bounds.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const indexFileName = "index.json"

// ErrInsufficientSpace is returned when a write would leave too little free disk.
var ErrInsufficientSpace = errors.New("insufficient disk space for cache write")

// Options bounds the cache. Zero MaxSize or TTL disables that bound.
type Options struct {
	MaxSize     int64
	TTL         time.Duration
	MinFreeDisk int64
}

// Info is a point-in-time summary for status displays.
type Info struct {
	Dir         string        `json:"dir"`
	Entries     int           `json:"entries"`
	SizeBytes   int64         `json:"sizeBytes"`
	MaxSize     int64         `json:"maxSize"`
	TTL         time.Duration `json:"ttl"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Evictions   int64         `json:"evictions"`
	HitRate     float64       `json:"hitRate"`
	LastCleaned time.Time     `json:"lastCleaned"`
}

// Cache is safe for concurrent use. A single mutex covers every operation,
// including file checks and last-access updates, and each mutation is
// persisted before the call returns.
type Cache struct {
	mu          sync.Mutex
	dir         string
	indexPath   string
	maxSize     int64
	ttl         time.Duration
	minFreeDisk int64
	index       *Index

	now        func() time.Time
	freeSpace  func(path string) (uint64, error)
	createTemp func(dir, pattern string) (*os.File, error)
}

// New opens (or creates) a cache rooted at dir and runs an initial cleanup.
func New(dir string, opts Options) (*Cache, error) {
	for _, kind := range []Kind{KindAudio, KindTranscription, KindTranslation} {
		if err := os.MkdirAll(filepath.Join(dir, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	c := &Cache{
		dir:         dir,
		indexPath:   filepath.Join(dir, indexFileName),
		maxSize:     opts.MaxSize,
		ttl:         opts.TTL,
		minFreeDisk: opts.MinFreeDisk,
		now:         time.Now,
		freeSpace:   diskFree,
		createTemp:  os.CreateTemp,
	}

	idx, err := loadIndex(c.indexPath, c.now())
	if err != nil {
		log.Printf("[cache] index %s unreadable, starting with an empty index: %v", c.indexPath, err)
		if renameErr := os.Rename(c.indexPath, c.indexPath+".corrupt"); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
			log.Printf("[cache] could not move aside corrupt index: %v", renameErr)
		}
		idx = newIndex(c.now())
	}
	c.index = idx

	c.mu.Lock()
	c.cleanupLocked()
	c.mu.Unlock()

	log.Printf("[cache] opened %s: %d entries, %d bytes", dir, len(idx.Entries), idx.Stats.SizeBytes)
	return c, nil
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Key builds the composite index key for an artifact.
func Key(kind Kind, parts ...string) string {
	return string(kind) + ":" + strings.Join(parts, ":")
}

func (c *Cache) artifactPath(kind Kind, key, ext string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, string(kind), hex.EncodeToString(sum[:16])+ext)
}

// Get returns a copy of the entry for kind/parts, or false on a miss.
func (c *Cache) Get(kind Kind, parts ...string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.findLocked(Key(kind, parts...))
	if e == nil {
		c.recordMissLocked()
		return Entry{}, false
	}
	c.recordHitLocked(e)
	return copyEntry(e), true
}

// GetAudio returns the cached audio path and the metadata stored with it.
func (c *Cache) GetAudio(sourceID string) (string, map[string]interface{}, bool) {
	e, ok := c.Get(KindAudio, sourceID)
	if !ok {
		return "", nil, false
	}
	return e.FilePath, e.Metadata, true
}

// CopyAudio links or copies the cached audio for sourceID into dir while the
// cache lock is held, so later evictions cannot remove the caller's file.
func (c *Cache) CopyAudio(sourceID, dir string) (string, map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.findLocked(Key(KindAudio, sourceID))
	if e == nil {
		c.recordMissLocked()
		return "", nil, false
	}
	dst := filepath.Join(dir, "audio"+filepath.Ext(e.FilePath))
	if err := os.Link(e.FilePath, dst); err != nil {
		if _, err := copyFile(e.FilePath, dst); err != nil {
			os.Remove(dst)
			log.Printf("[cache] failed to copy audio %s out of the cache: %v", sourceID, err)
			c.recordMissLocked()
			return "", nil, false
		}
	}
	c.recordHitLocked(e)
	return dst, copyEntry(e).Metadata, true
}

// PutAudio copies srcPath into the cache. It returns the cached path, or
// srcPath unchanged when the artifact could not be cached.
func (c *Cache) PutAudio(sourceID, srcPath string, metadata map[string]interface{}) string {
	info, err := os.Stat(srcPath)
	if err != nil || info.IsDir() {
		log.Printf("[cache] cannot cache audio %s: %v", srcPath, err)
		return srcPath
	}

	key := Key(KindAudio, sourceID)
	dst := c.artifactPath(KindAudio, key, filepath.Ext(srcPath))
	if filepath.Clean(srcPath) == dst {
		return dst
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSpaceLocked(info.Size()); err != nil {
		log.Printf("[cache] skip audio %s: %v", sourceID, err)
		return srcPath
	}
	size, err := c.writeArtifact(dst, func(w io.Writer) (int64, error) {
		in, err := os.Open(srcPath)
		if err != nil {
			return 0, err
		}
		defer in.Close()
		return io.Copy(w, in)
	})
	if err != nil {
		log.Printf("[cache] failed to copy audio %s: %v", sourceID, err)
		return srcPath
	}

	c.insertLocked(key, KindAudio, dst, size, metadata)
	if _, ok := c.index.Entries[key]; !ok {
		// Evicted straight away: larger than the whole cache.
		return srcPath
	}
	return dst
}

// GetJSON decodes a cached structured artifact into out.
func (c *Cache) GetJSON(kind Kind, out interface{}, parts ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.findLocked(Key(kind, parts...))
	if e == nil {
		c.recordMissLocked()
		return false
	}
	data, err := os.ReadFile(e.FilePath)
	if err == nil {
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		log.Printf("[cache] unreadable artifact %s: %v", e.Key, err)
		c.recordMissLocked()
		return false
	}
	c.recordHitLocked(e)
	return true
}

// PutJSON serializes v into the cache. On failure the index is left untouched.
func (c *Cache) PutJSON(kind Kind, v interface{}, metadata map[string]interface{}, parts ...string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", kind, err)
	}

	key := Key(kind, parts...)
	dst := c.artifactPath(kind, key, ".json")

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSpaceLocked(int64(len(data))); err != nil {
		return err
	}
	if _, err := c.writeArtifact(dst, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	}); err != nil {
		return fmt.Errorf("write %s artifact: %w", kind, err)
	}

	c.insertLocked(key, kind, dst, int64(len(data)), metadata)
	return nil
}

// GetTranscription loads a cached transcription for a source and model.
func (c *Cache) GetTranscription(sourceID, model string, out interface{}) bool {
	return c.GetJSON(KindTranscription, out, sourceID, model)
}

// PutTranscription stores a transcription for a source and model.
func (c *Cache) PutTranscription(sourceID, model string, v interface{}, metadata map[string]interface{}) error {
	return c.PutJSON(KindTranscription, v, metadata, sourceID, model)
}

// GetTranslation loads a cached translation.
func (c *Cache) GetTranslation(sourceID, sourceLang, targetLang string, out interface{}) bool {
	return c.GetJSON(KindTranslation, out, sourceID, sourceLang, targetLang)
}

// PutTranslation stores a translation.
func (c *Cache) PutTranslation(sourceID, sourceLang, targetLang string, v interface{}, metadata map[string]interface{}) error {
	return c.PutJSON(KindTranslation, v, metadata, sourceID, sourceLang, targetLang)
}

// Remove deletes one artifact. It reports whether an entry existed.
func (c *Cache) Remove(kind Kind, parts ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(kind, parts...)
	if _, ok := c.index.Entries[key]; !ok {
		return false
	}
	c.removeEntryLocked(key)
	c.persistLocked()
	return true
}

// Cleanup runs the expiry sweep followed by the size-bound LRU pass and
// returns the number of evicted entries.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked()
}

// Clear removes every artifact and resets all counters.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.index.Entries {
		c.removeEntryLocked(key)
	}
	c.index.Stats = Stats{}
	c.index.LastCleaned = c.now()
	log.Printf("[cache] cleared")
	return c.persistLocked()
}

// SetMaxSize changes the size bound and re-evaluates every entry.
func (c *Cache) SetMaxSize(maxSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
	c.cleanupLocked()
}

// SetTTL changes the expiry window and re-evaluates every entry.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
	c.cleanupLocked()
}

// Stats returns a copy of the traffic counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Stats
}

// Info summarizes the cache state.
func (c *Cache) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.index.Stats
	info := Info{
		Dir:         c.dir,
		Entries:     len(c.index.Entries),
		SizeBytes:   s.SizeBytes,
		MaxSize:     c.maxSize,
		TTL:         c.ttl,
		Hits:        s.Hits,
		Misses:      s.Misses,
		Evictions:   s.Evictions,
		LastCleaned: c.index.LastCleaned,
	}
	if total := s.Hits + s.Misses; total > 0 {
		info.HitRate = float64(s.Hits) / float64(total)
	}
	return info
}

// findLocked returns the live entry for key. Expired entries and entries
// whose backing file vanished are reported as absent but left in place for
// the cleanup sweep.
func (c *Cache) findLocked(key string) *Entry {
	e, ok := c.index.Entries[key]
	if !ok {
		return nil
	}
	if c.expiredLocked(e, c.now()) {
		return nil
	}
	if _, err := os.Stat(e.FilePath); err != nil {
		log.Printf("[cache] artifact file missing for %s: %v", key, err)
		return nil
	}
	return e
}

func (c *Cache) expiredLocked(e *Entry, now time.Time) bool {
	return c.ttl > 0 && e.CreatedAt.Add(c.ttl).Before(now)
}

func (c *Cache) recordHitLocked(e *Entry) {
	e.LastAccessed = c.now()
	c.index.Stats.Hits++
	c.persistLocked()
}

func (c *Cache) recordMissLocked() {
	c.index.Stats.Misses++
	c.persistLocked()
}

func (c *Cache) insertLocked(key string, kind Kind, path string, size int64, metadata map[string]interface{}) {
	if old, ok := c.index.Entries[key]; ok {
		c.index.Stats.SizeBytes -= old.SizeBytes
		if old.FilePath != path {
			os.Remove(old.FilePath)
		}
	}

	now := c.now()
	c.index.Entries[key] = &Entry{
		Key:          key,
		Kind:         kind,
		FilePath:     path,
		CreatedAt:    now,
		LastAccessed: now,
		SizeBytes:    size,
		Metadata:     metadata,
	}
	c.index.Stats.SizeBytes += size
	c.persistLocked()

	if c.maxSize > 0 && c.index.Stats.SizeBytes > c.maxSize {
		c.cleanupLocked()
	}
}

// removeEntryLocked is the single removal primitive shared by every sweep.
// A backing file that is already gone does not stop the removal.
func (c *Cache) removeEntryLocked(key string) {
	e, ok := c.index.Entries[key]
	if !ok {
		return
	}
	if err := os.Remove(e.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[cache] failed to delete %s: %v", e.FilePath, err)
	}
	c.index.Stats.SizeBytes -= e.SizeBytes
	c.index.Stats.Evictions++
	delete(c.index.Entries, key)
}

func (c *Cache) cleanupLocked() int {
	now := c.now()
	removed := 0

	for key, e := range c.index.Entries {
		if c.expiredLocked(e, now) {
			c.removeEntryLocked(key)
			removed++
		}
	}

	if c.maxSize > 0 && c.index.Stats.SizeBytes > c.maxSize {
		for _, e := range c.byLastAccessedLocked() {
			if c.index.Stats.SizeBytes <= c.maxSize {
				break
			}
			c.removeEntryLocked(e.Key)
			removed++
		}
	}

	c.index.LastCleaned = now
	c.persistLocked()
	if removed > 0 {
		log.Printf("[cache] evicted %d entries, %d bytes remain", removed, c.index.Stats.SizeBytes)
	}
	return removed
}

// byLastAccessedLocked orders entries oldest access first. Ties fall back to
// creation time and then key so the order is deterministic.
func (c *Cache) byLastAccessedLocked() []*Entry {
	entries := make([]*Entry, 0, len(c.index.Entries))
	for _, e := range c.index.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})
	return entries
}

func (c *Cache) ensureSpaceLocked(size int64) error {
	if c.minFreeDisk <= 0 || c.freeSpace == nil {
		return nil
	}
	free, err := c.freeSpace(c.dir)
	if err != nil {
		log.Printf("[cache] could not read free disk space for %s: %v", c.dir, err)
		return nil
	}
	if free < uint64(size+c.minFreeDisk) {
		return fmt.Errorf("%w: %d bytes free, need %d", ErrInsufficientSpace, free, size+c.minFreeDisk)
	}
	return nil
}

func (c *Cache) persistLocked() error {
	if err := c.index.save(c.indexPath); err != nil {
		log.Printf("[cache] failed to persist index: %v", err)
		return err
	}
	return nil
}

func copyEntry(e *Entry) Entry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// writeArtifact fills a temp file next to dst and renames it into place, so
// a failed write never touches the artifact already stored at dst.
func (c *Cache) writeArtifact(dst string, fill func(io.Writer) (int64, error)) (int64, error) {
	tmp, err := c.createTemp(filepath.Dir(dst), "artifact-*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, err := fill(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpName, dst)
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
