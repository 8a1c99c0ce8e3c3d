package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// fileTier is the cache's persistent, sharded on-disk tier: two files per
// entry under dir/<shard>/<fingerprint> (raw body) and
// dir/<shard>/<fingerprint>.meta (JSON sidecar).
type fileTier struct {
	dir string
}

func newFileTier(dir string) *fileTier {
	return &fileTier{dir: dir}
}

type fileMeta struct {
	ContentType string `json:"contentType"`
	TimestampMS int64  `json:"timestamp"`
	URL         string `json:"url"`
}

func (f *fileTier) dataPath(fingerprint string) string {
	return filepath.Join(f.dir, Shard(fingerprint), fingerprint)
}

func (f *fileTier) metaPath(fingerprint string) string {
	return f.dataPath(fingerprint) + ".meta"
}

// write persists an entry via temp-file-then-rename so readers never
// observe a partially written file.
func (f *fileTier) write(fingerprint string, e Entry) error {
	dataPath := f.dataPath(fingerprint)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o700); err != nil {
		return fmt.Errorf("create cache shard dir: %w", err)
	}

	if err := atomicWriteBytes(dataPath, e.Data); err != nil {
		return fmt.Errorf("write cache data: %w", err)
	}

	meta := fileMeta{
		ContentType: e.ContentType,
		TimestampMS: e.Timestamp.UnixMilli(),
		URL:         e.URL,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal cache meta: %w", err)
	}
	if err := atomicWriteBytes(f.metaPath(fingerprint), metaJSON); err != nil {
		return fmt.Errorf("write cache meta: %w", err)
	}
	return nil
}

// read loads an entry's data and metadata from disk. A missing or corrupt
// file is reported as (_, false); callers treat this as CacheCorrupted and
// fall back to a miss.
func (f *fileTier) read(fingerprint string) (Entry, bool) {
	data, err := os.ReadFile(f.dataPath(fingerprint))
	if err != nil {
		return Entry{}, false
	}
	metaBytes, err := os.ReadFile(f.metaPath(fingerprint))
	if err != nil {
		return Entry{}, false
	}
	var meta fileMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return Entry{}, false
	}

	return Entry{
		Data:        data,
		ContentType: meta.ContentType,
		Timestamp:   time.UnixMilli(meta.TimestampMS),
		URL:         meta.URL,
		Size:        len(data),
	}, true
}

// deleteAsync removes both files for a fingerprint in the background; a
// missing file is not an error.
func (f *fileTier) deleteAsync(fingerprint string) {
	go func() {
		os.Remove(f.dataPath(fingerprint))
		os.Remove(f.metaPath(fingerprint))
	}()
}

// clearAll removes the entire file tier directory tree.
func (f *fileTier) clearAll(logger *slog.Logger) {
	if err := os.RemoveAll(f.dir); err != nil {
		logger.Warn("cache file tier clear failed", "error", err)
	}
}

// atomicWriteBytes writes data to dst via a temp file in the same directory
// followed by a rename, so a reader never observes a half-written file.
func atomicWriteBytes(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
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
	return os.Rename(tmpName, dst)
}
