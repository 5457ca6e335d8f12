package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	fileVersion   = 1
	usersFileMode = 0644
	usersDirMode  = 0755
)

type fileData struct {
	Version int                    `json:"version"`
	Users   map[string]*UserRecord `json:"users"`
}

// FileBackend keeps the whole record set in one JSON document. Every write
// goes to a temp file that is renamed over the previous document.
type FileBackend struct {
	path string
}

// NewFileBackend creates a JSON backend at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the document location.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Load(ctx context.Context) (map[int64]*UserRecord, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]*UserRecord{}, nil
		}
		return nil, fmt.Errorf("read user store: %w", err)
	}

	var parsed fileData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse user store: %w", err)
	}

	users := make(map[int64]*UserRecord, len(parsed.Users))
	for key, u := range parsed.Users {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse user store: invalid user id %q", key)
		}
		if u == nil {
			continue
		}
		users[id] = u
	}
	return users, nil
}

func (b *FileBackend) Persist(ctx context.Context, users map[int64]*UserRecord, changed []int64) error {
	doc := fileData{
		Version: fileVersion,
		Users:   make(map[string]*UserRecord, len(users)),
	}
	for id, u := range users {
		doc.Users[strconv.FormatInt(id, 10)] = u
	}

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user store: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, usersDirMode); err != nil {
		return fmt.Errorf("create user store dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "users-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp user store: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp user store: %w", err)
	}
	if err := tmpFile.Chmod(usersFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp user store: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp user store: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp user store: %w", err)
	}

	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("replace user store: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
