package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultConfigCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.StringLen() != DefaultMaxStringLen || c.Nodes() != DefaultMaxNodes || c.FDs() != DefaultMaxFDs ||
		c.HookEntries() != DefaultMaxHookEntries || c.Devices() != DefaultMaxDevices {
		t.Errorf("bad defaults %+v", c)
	}
	if mode, err := c.ColorMode(); mode != ColorAuto || err != nil {
		t.Errorf("color %v %v", mode, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "# max-string-len: 256") {
		t.Errorf("default config not written:\n%s", data)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	err := os.WriteFile(path, []byte(`
max-string-len: 64
max-devices: 16
layout-files: [a.yml, b.yml]
default-socket: /run/kvmi.sock
color: never
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.StringLen() != 64 || c.Devices() != 16 || c.Nodes() != DefaultMaxNodes {
		t.Errorf("bad limits %+v", c)
	}
	if diff := cmp.Diff([]string{"a.yml", "b.yml"}, c.LayoutFiles); diff != "" {
		t.Errorf("layout files (-want +got):\n%s", diff)
	}
	if mode, _ := c.ColorMode(); mode != ColorNever || c.DefaultSocket != "/run/kvmi.sock" {
		t.Errorf("bad config %+v", c)
	}
}

func TestSaveConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	n := 10
	in := &Config{MaxNodes: &n, Color: "always", LayoutFiles: []string{"x.yml"}}
	if err := SaveConfigFile(in, path); err != nil {
		t.Fatal(err)
	}
	out, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestBadColor(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	os.WriteFile(path, []byte("color: sometimes\n"), 0o600)
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("invalid color accepted")
	}
}
