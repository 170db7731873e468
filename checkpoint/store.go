package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/zeu5/dist-rl-driving/core"
)

var ErrNotFound = errors.New("checkpoint not found")

// Store persists canonical policy parameters under a name. Save is atomic
// from the caller's point of view.
type Store interface {
	Save(ctx context.Context, name string, params core.Parameters) error
	Load(ctx context.Context, name string) (core.Parameters, error)
	Close() error
}

type Config struct {
	// Kind is "file" or "sqlite".
	Kind string `yaml:"kind" json:"kind"`
	// Path is a directory for "file" and a database file for "sqlite".
	Path string `yaml:"path" json:"path"`
	// SaveName prefixes every checkpoint name; the iteration is appended.
	SaveName  string `yaml:"save_name" json:"save_name"`
	Frequency int    `yaml:"frequency" json:"frequency"`
	// LoadName, when set, is restored into the canonical policy at startup.
	LoadName string `yaml:"load_name" json:"load_name"`
}

func DefaultConfig() Config {
	return Config{
		Kind:      "file",
		Path:      "checkpoints",
		SaveName:  "model_",
		Frequency: 10,
	}
}

// Name is the versioned checkpoint name for an iteration.
func Name(prefix string, iteration int) string {
	return fmt.Sprintf("%s%d", prefix, iteration)
}

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func checkName(name string) error {
	if !validName.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}

// Open builds the store selected by config.
func Open(ctx context.Context, config Config) (Store, error) {
	switch config.Kind {
	case "", "file":
		return NewFileStore(config.Path)
	case "sqlite":
		path := config.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "checkpoints.db")
		}
		return OpenSQLite(ctx, SQLiteConfig{Path: path})
	}
	return nil, fmt.Errorf("unknown checkpoint store %q", config.Kind)
}
