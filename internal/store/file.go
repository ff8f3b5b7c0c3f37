package store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

// File is a Backend persisted as one JSON object on disk. Other processes may
// edit the file; Watch reports the keys they changed.
type File struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

// OpenFile loads path, creating an empty store when it does not exist.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create store dir")
	}
	f := &File{path: path}
	data, err := f.load()
	if err != nil {
		return nil, err
	}
	f.data = data
	return f, nil
}

func (f *File) load() (map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", f.path)
	}
	data := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrapf(err, "parse %s", f.path)
	}
	return data, nil
}

// saveLocked writes atomically via a temp file and rename.
func (f *File) saveLocked() error {
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return errors.Wrap(err, "write store")
	}
	return errors.Wrap(os.Rename(tmp, f.path), "replace store")
}

func (f *File) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (f *File) Set(key string, value []byte) error {
	if !json.Valid(value) {
		return errors.Newf("value for %s is not valid JSON", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append(json.RawMessage(nil), value...)
	return f.saveLocked()
}

func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.saveLocked()
}

func (f *File) Keys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *File) Close() error { return nil }

// Watch blocks until ctx is done, calling changed for every key whose value
// was altered on disk by someone else. Our own writes update the in-memory
// snapshot first, so they produce no callbacks.
func (f *File) Watch(ctx context.Context, changed func(key string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()

	// Watch the directory: atomic replaces swap the inode under the path.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return errors.Wrap(err, "watch store dir")
	}
	name := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			for _, k := range f.reload() {
				changed(k)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "watch store")
		}
	}
}

// reload re-reads the file and returns the keys that differ from memory.
func (f *File) reload() []string {
	if info, err := os.Stat(f.path); err != nil || info.Size() == 0 {
		// Truncated mid-write by another process; wait for the next event.
		return nil
	}
	fresh, err := f.load()
	if err != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k, v := range fresh {
		if old, ok := f.data[k]; !ok || !bytes.Equal(compact(old), compact(v)) {
			keys = append(keys, k)
		}
	}
	for k := range f.data {
		if _, ok := fresh[k]; !ok {
			keys = append(keys, k)
		}
	}
	f.data = fresh
	sort.Strings(keys)
	return keys
}

func compact(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
