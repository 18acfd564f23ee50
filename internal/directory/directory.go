// Package directory resolves the apps enabled for a user.
//
// The hub treats the app registry as external; this implementation
// reads a JSON registry file (the deploy artifact of the marketplace
// service) and answers lookups from memory. Reload() re-reads the file,
// typically on config hot-reload.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"apphub/internal/model"
	logx "apphub/pkg/logx"
)

// registryFile is the on-disk shape: app records plus the per-user
// enable sets.
type registryFile struct {
	Apps []model.App `json:"apps"`
	// EnabledBy maps uid -> enabled app ids. Public apps with Enabled
	// set are visible to everyone.
	EnabledBy map[string][]string `json:"enabled_by"`
}

type FileDirectory struct {
	path string
	log  logx.Logger

	mu  sync.RWMutex
	reg registryFile
}

func Open(path string, log logx.Logger) (*FileDirectory, error) {
	d := &FileDirectory{path: path, log: log}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *FileDirectory) Reload() error {
	b, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read app registry: %w", err)
	}
	var reg registryFile
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reg); err != nil {
		return fmt.Errorf("parse app registry: %w", err)
	}

	d.mu.Lock()
	d.reg = reg
	d.mu.Unlock()
	d.log.Debug("app registry loaded", logx.String("path", d.path), logx.Int("apps", len(reg.Apps)))
	return nil
}

// EnabledApps returns the apps visible to uid: the user's private apps
// plus any public app the user has enabled.
func (d *FileDirectory) EnabledApps(ctx context.Context, uid string) ([]model.App, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	enabled := map[string]bool{}
	for _, id := range d.reg.EnabledBy[uid] {
		enabled[id] = true
	}

	var out []model.App
	for _, app := range d.reg.Apps {
		if !app.Enabled {
			continue
		}
		if app.OwnerUID == uid || (app.OwnerUID == "" && enabled[app.ID]) {
			out = append(out, app)
		}
	}
	return out, nil
}
