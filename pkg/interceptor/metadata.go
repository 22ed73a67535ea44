package interceptor

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// EntryMetadata describes one cached response. It's stored next to the body
// as <key>.meta.json.
type EntryMetadata struct {
	Key            string      `json:"key"`
	Cache          string      `json:"cache"`
	URL            string      `json:"url"`
	Status         int         `json:"status"`
	Header         http.Header `json:"header"`
	StoredAt       time.Time   `json:"stored_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	SizeBytes      int64       `json:"size_bytes"`
}

// entryKey maps a request URL to its file name stem.
func entryKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}

func metadataFilename(dir, key string) string {
	return filepath.Join(dir, key+".meta.json")
}

func bodyFilename(dir, key string) string {
	return filepath.Join(dir, key+".body")
}

// readMetadata returns nil if the entry doesn't exist.
func readMetadata(dir, key string) (*EntryMetadata, error) {
	path := metadataFilename(dir, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read cache metadata: %s", path)
	}

	var meta EntryMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(err, "failed to parse cache metadata: %s", path)
	}
	return &meta, nil
}

func writeMetadata(dir string, meta *EntryMetadata) error {
	path := metadataFilename(dir, meta.Key)
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to marshal cache metadata")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return errors.Wrapf(err, "failed to write cache metadata: %s", path)
	}
	return nil
}

// writeFileAtomic writes to a temp file and renames it into place, so a
// reader never sees a partial body.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func deleteEntry(dir, key string) error {
	for _, path := range []string{bodyFilename(dir, key), metadataFilename(dir, key)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to delete cache file: %s", path)
		}
	}
	return nil
}

// listEntries returns the metadata of every entry in dir. Unreadable
// metadata files are skipped.
func listEntries(dir string) ([]*EntryMetadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read cache directory: %s", dir)
	}

	var results []*EntryMetadata
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta EntryMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		results = append(results, &meta)
	}
	return results, nil
}
