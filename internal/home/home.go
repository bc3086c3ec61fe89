// Package home locates the files cruncher keeps between runs.
//
//	<root>/
//	  cruncher.yaml   file config store
//	  cruncher.db     sqlite config store
//	  node_id         identity reported by /healthz
package home

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// EnvVar overrides the default root when set.
const EnvVar = "CRUNCHER_HOME"

const (
	configFile = "cruncher.yaml"
	dbFile     = "cruncher.db"
	nodeIDFile = "node_id"
)

// Dir is a cruncher home directory. The zero value is not usable.
type Dir struct {
	root string
}

// New returns the Dir rooted at root.
func New(root string) Dir {
	return Dir{root: filepath.Clean(root)}
}

// Default resolves the root from $CRUNCHER_HOME, falling back to
// <user config dir>/cruncher (~/.config/cruncher on Linux).
func Default() (Dir, error) {
	if v := strings.TrimSpace(os.Getenv(EnvVar)); v != "" {
		return New(v), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("locate user config directory: %w", err)
	}
	return New(filepath.Join(base, "cruncher")), nil
}

func (d Dir) Root() string { return d.root }

// ConfigPath is the YAML file used by the file config store.
func (d Dir) ConfigPath() string { return filepath.Join(d.root, configFile) }

// DBPath is the database used by the sqlite config store.
func (d Dir) DBPath() string { return filepath.Join(d.root, dbFile) }

// Ensure creates the root and its parents.
func (d Dir) Ensure() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home %s: %w", d.root, err)
	}
	return nil
}

// NodeID returns the identity stored in the node_id file, creating the
// directory and a fresh UUIDv7 on first use.
func (d Dir) NodeID() (string, error) {
	p := filepath.Join(d.root, nodeIDFile)
	data, err := os.ReadFile(p)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read node id: %w", err)
	}

	if err := d.Ensure(); err != nil {
		return "", err
	}
	id := uuid.Must(uuid.NewV7()).String()
	if err := os.WriteFile(p, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("write node id: %w", err)
	}
	return id, nil
}
