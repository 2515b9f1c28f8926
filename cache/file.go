package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fileStore is the large-object layer. Each entry is one file under the
// cache directory; file names are URL-safe encodings of cache keys.
type fileStore struct {
	dir string
}

const fileSuffix = ".cache"

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) path(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	return filepath.Join(s.dir, name+fileSuffix)
}

// get loads an entry. Expired entries are removed eagerly.
func (s *fileStore) get(key string, now time.Time) (*Entry, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache file: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// A corrupt file degrades to a miss; remove it.
		_ = os.Remove(s.path(key))
		return nil, false, nil
	}

	if e.Expired(now) {
		_ = os.Remove(s.path(key))
		return nil, false, nil
	}
	return &e, true, nil
}

func (s *fileStore) set(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	path := s.path(e.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit cache file: %w", err)
	}
	return nil
}

func (s *fileStore) remove(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

func (s *fileStore) keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list cache dir: %w", err)
	}

	var keys []string
	for _, de := range entries {
		name := de.Name()
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}

// sweep removes expired files and returns how many were dropped.
func (s *fileStore) sweep(now time.Time) int {
	keys, err := s.keys()
	if err != nil {
		return 0
	}
	removed := 0
	for _, key := range keys {
		data, err := os.ReadFile(s.path(key))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || e.Expired(now) {
			if os.Remove(s.path(key)) == nil {
				removed++
			}
		}
	}
	return removed
}
