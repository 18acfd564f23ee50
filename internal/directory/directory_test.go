package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logx "apphub/pkg/logx"
)

const registryJSON = `{
  "apps": [
    {"id": "pub-1", "name": "Public One", "enabled": true, "capabilities": ["external_integration"]},
    {"id": "pub-2", "name": "Public Two", "enabled": true, "capabilities": ["external_integration"]},
    {"id": "pub-off", "name": "Disabled", "enabled": false, "capabilities": ["external_integration"]},
    {"id": "priv-u1", "owner_uid": "u1", "name": "Private", "enabled": true, "capabilities": ["external_integration"]}
  ],
  "enabled_by": {
    "u1": ["pub-1"],
    "u2": ["pub-1", "pub-2", "pub-off"]
  }
}`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apps.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func TestEnabledApps(t *testing.T) {
	d, err := Open(writeRegistry(t, registryJSON), logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	got, err := d.EnabledApps(ctx, "u1")
	if err != nil {
		t.Fatalf("EnabledApps: %v", err)
	}
	ids := map[string]bool{}
	for _, a := range got {
		ids[a.ID] = true
	}
	if len(got) != 2 || !ids["pub-1"] || !ids["priv-u1"] {
		t.Fatalf("u1 apps = %v", ids)
	}

	got, err = d.EnabledApps(ctx, "u2")
	if err != nil {
		t.Fatalf("EnabledApps: %v", err)
	}
	ids = map[string]bool{}
	for _, a := range got {
		ids[a.ID] = true
	}
	// pub-off is in the enable set but globally disabled; priv-u1 belongs
	// to someone else.
	if len(got) != 2 || !ids["pub-1"] || !ids["pub-2"] {
		t.Fatalf("u2 apps = %v", ids)
	}

	got, err = d.EnabledApps(ctx, "stranger")
	if err != nil {
		t.Fatalf("EnabledApps: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("stranger apps = %v", got)
	}
}

func TestOpenRejectsBadRegistry(t *testing.T) {
	if _, err := Open(writeRegistry(t, `{"apps": [], "unknown_key": 1}`), logx.Nop()); err == nil {
		t.Fatalf("unknown field must error")
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.json"), logx.Nop()); err == nil {
		t.Fatalf("missing file must error")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeRegistry(t, registryJSON)
	d, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	updated := `{"apps": [{"id": "pub-1", "name": "Public One", "enabled": true, "capabilities": []}], "enabled_by": {"u1": ["pub-1"]}}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite registry: %v", err)
	}
	if err := d.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got, err := d.EnabledApps(context.Background(), "u1")
	if err != nil {
		t.Fatalf("EnabledApps: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pub-1" {
		t.Fatalf("apps after reload = %v", got)
	}
}
