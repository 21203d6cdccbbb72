package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const indexVersion = 1

// Kind names one of the artifact families sharing the cache.
type Kind string

const (
	KindAudio         Kind = "audio"
	KindTranscription Kind = "transcription"
	KindTranslation   Kind = "translation"
)

// Entry is one cached artifact and its accounting data.
type Entry struct {
	Key          string                 `json:"key"`
	Kind         Kind                   `json:"kind"`
	FilePath     string                 `json:"file_path"`
	CreatedAt    time.Time              `json:"created_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	SizeBytes    int64                  `json:"size_bytes"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Stats counts cache traffic. SizeBytes always equals the sum of entry sizes.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	SizeBytes int64 `json:"size_bytes"`
}

// Index is the on-disk catalogue of the cache root.
type Index struct {
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	LastCleaned time.Time         `json:"last_cleaned"`
	Entries     map[string]*Entry `json:"entries"`
	Stats       Stats             `json:"stats"`
}

func newIndex(now time.Time) *Index {
	return &Index{
		Version:     indexVersion,
		CreatedAt:   now,
		LastCleaned: now,
		Entries:     make(map[string]*Entry),
	}
}

// loadIndex reads the index file. A missing file yields a fresh index; an
// unreadable one is reported so the caller can start over.
func loadIndex(path string, now time.Time) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newIndex(now), nil
		}
		return nil, err
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode cache index: %w", err)
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]*Entry)
	}
	if idx.Version == 0 {
		idx.Version = indexVersion
	}

	var total int64
	for key, e := range idx.Entries {
		if e == nil {
			delete(idx.Entries, key)
			continue
		}
		total += e.SizeBytes
	}
	idx.Stats.SizeBytes = total
	return &idx, nil
}

// save rewrites the whole index through a temp file and rename.
func (idx *Index) save(path string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "index-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
