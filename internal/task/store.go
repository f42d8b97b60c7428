package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	fileutil "searchdock/internal/file"
)

// Store persists the whole task set. Task metadata is small, so every
// mutation rewrites everything.
type Store interface {
	SaveAll(ctx context.Context, tasks []*Task) error
	LoadAll(ctx context.Context) ([]*Task, error)
}

// OpenStore returns the store for backend ("file" or "sqlite") under dataDir.
func OpenStore(backend, dataDir string) (Store, error) { //nolint:ireturn
	switch backend {
	case "", "file":
		return NewFileStore(dataDir), nil
	case "sqlite":
		s, err := OpenSQLiteStore(filepath.Join(dataDir, "tasks.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", backend)
	}
}

// fileStore keeps all tasks in a single JSON document under dataDir.
type fileStore struct {
	path string
}

func NewFileStore(dataDir string) Store { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{path: filepath.Join(dataDir, "tasks.json")}
}

func (s *fileStore) SaveAll(ctx context.Context, tasks []*Task) error { //nolint:revive // context reserved for future use
	if tasks == nil {
		tasks = []*Task{}
	}
	return fileutil.WriteJSONAtomic(s.path, tasks) //nolint:wrapcheck
}

func (s *fileStore) LoadAll(ctx context.Context) ([]*Task, error) { //nolint:revive // context reserved for future use
	var tasks []*Task
	if err := fileutil.ReadJSON(s.path, &tasks); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return tasks, nil
}
