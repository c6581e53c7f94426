package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// fileContents is the on-disk layout: one credential per storage key, so
// sessions against different API origins share a file without clobbering
// each other.
type fileContents struct {
	Credentials map[string]*Credential `json:"credentials"`
}

// FileBackend persists the credential for one storage key in a JSON file.
type FileBackend struct {
	path string
	key  string
}

// NewFileBackend returns a backend storing key's credential in path.
func NewFileBackend(path, key string) *FileBackend {
	return &FileBackend{path: path, key: key}
}

// Path returns the file the backend writes to.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) Load(_ context.Context) (*Credential, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}

	c, ok := contents.Credentials[f.key]
	if !ok || c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// Save writes c under the backend's key, keeping entries for other keys.
// The write holds the file lock and replaces the file by atomic rename.
func (f *FileBackend) Save(ctx context.Context, c *Credential) error {
	return f.update(ctx, func(m map[string]*Credential) {
		cp := *c
		m[f.key] = &cp
	})
}

func (f *FileBackend) Delete(ctx context.Context) error {
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return f.update(ctx, func(m map[string]*Credential) {
		delete(m, f.key)
	})
}

func (f *FileBackend) update(ctx context.Context, mutate func(map[string]*Credential)) (err error) {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credential dir: %w", err)
		}
	}

	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release lock: %w", releaseErr))
		}
	}()

	// Read inside the lock; a corrupt file is replaced rather than blocking logins.
	var contents fileContents
	if existing, err := os.ReadFile(f.path); err == nil {
		if unmarshalErr := json.Unmarshal(existing, &contents); unmarshalErr != nil {
			contents.Credentials = nil
		}
	}
	if contents.Credentials == nil {
		contents.Credentials = make(map[string]*Credential)
	}

	mutate(contents.Credentials)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
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
