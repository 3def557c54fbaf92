package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// fileData is the JSON document written by FileStore. Several profiles can
// share one file; each keeps its own namespace.
type fileData struct {
	Namespaces map[string]map[string]entry `json:"namespaces"`
}

// FileStore persists entries in a JSON file guarded by a lock file.
// Writes go to a temp file that is renamed over the original.
type FileStore struct {
	path      string
	namespace string
	sealer    *Sealer
	now       func() time.Time
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithSealer encrypts values at rest with s.
func WithSealer(s *Sealer) FileOption {
	return func(f *FileStore) {
		f.sealer = s
	}
}

// NewFileStore returns a FileStore that reads and writes namespace inside path.
func NewFileStore(path, namespace string, opts ...FileOption) *FileStore {
	f := &FileStore{
		path:      path,
		namespace: namespace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	data, err := f.load()
	if err != nil {
		return "", err
	}

	e, ok := data.Namespaces[f.namespace][key]
	if !ok || e.expired(f.now()) {
		return "", ErrNotFound
	}

	if f.sealer == nil {
		return e.Value, nil
	}
	value, err := f.sealer.Open(e.Value)
	if err != nil {
		return "", fmt.Errorf("failed to open %q: %w", key, err)
	}
	return value, nil
}

func (f *FileStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if f.sealer != nil {
		sealed, err := f.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("failed to seal %q: %w", key, err)
		}
		value = sealed
	}

	return f.update(func(ns map[string]entry) {
		ns[key] = newEntry(value, ttl, f.now())
	})
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	return f.update(func(ns map[string]entry) {
		delete(ns, key)
	})
}

// load reads the file without locking. A missing file reads as empty.
func (f *FileStore) load() (*fileData, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileData{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse store file: %w", err)
	}
	return &data, nil
}

// update applies fn to this store's namespace under the file lock and
// rewrites the file atomically. Other namespaces are preserved, and expired
// entries of this namespace are dropped on the way.
func (f *FileStore) update(fn func(ns map[string]entry)) (err error) {
	lock, err := acquireFileLock(f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil && err == nil {
			err = fmt.Errorf("failed to release lock: %w", releaseErr)
		}
	}()

	data, loadErr := f.load()
	if loadErr != nil {
		// A corrupt file is replaced rather than blocking every future write.
		data = &fileData{}
	}
	if data.Namespaces == nil {
		data.Namespaces = make(map[string]map[string]entry)
	}
	ns := data.Namespaces[f.namespace]
	if ns == nil {
		ns = make(map[string]entry)
		data.Namespaces[f.namespace] = ns
	}

	now := f.now()
	for k, e := range ns {
		if e.expired(now) {
			delete(ns, k)
		}
	}
	fn(ns)
	if len(ns) == 0 {
		delete(data.Namespaces, f.namespace)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
