package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeu5/dist-rl-driving/core"
	"github.com/zeu5/dist-rl-driving/util"
)

// FileStore keeps one JSON file per checkpoint in a directory.
type FileStore struct {
	dir string
}

type fileCheckpoint struct {
	Name    string          `json:"name"`
	SavedAt time.Time       `json:"saved_at"`
	Params  core.Parameters `json:"params"`
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileStore) Save(ctx context.Context, name string, params core.Parameters) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return util.SaveJson(f.path(name), fileCheckpoint{
		Name:    name,
		SavedAt: time.Now().UTC(),
		Params:  params,
	})
}

func (f *FileStore) Load(ctx context.Context, name string) (core.Parameters, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cp fileCheckpoint
	if err := util.LoadJson(f.path(name), &cp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return cp.Params, nil
}

func (f *FileStore) Close() error { return nil }
