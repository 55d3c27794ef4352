package cmds

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/kwalk/pkg/config"
	"github.com/go-delve/kwalk/pkg/scan"
	"github.com/go-delve/kwalk/pkg/vmi"
)

func resetFlags(t *testing.T) {
	t.Helper()
	conf = &config.Config{}
	name, domid, socket, file, backend = "", domID{}, "", "", ""
	layoutFiles, disasm = nil, false
	log, logOutput, logDest = false, "", ""
}

func TestDomID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"7", 7, false},
		{"0x1f", 31, false},
		{"domain", 0, true},
		{"-1", 0, true},
	}
	for _, tc := range tests {
		var d domID
		err := d.Set(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("%q: unexpected error %v", tc.in, err)
			continue
		}
		if err == nil && (d.id != tc.want || !d.set) {
			t.Errorf("%q: got %+v, want %d", tc.in, d, tc.want)
		}
	}
}

func TestMakeTarget(t *testing.T) {
	tests := []struct {
		name    string
		setup   func()
		args    []string
		want    vmi.Target
		wantErr bool
	}{
		{"none", func() {}, nil, vmi.Target{}, true},
		{"name", func() { name = "guest1" }, nil, vmi.Target{Name: "guest1"}, false},
		{"positional", func() {}, []string{"guest1"}, vmi.Target{Name: "guest1"}, false},
		{"name and positional", func() { name = "guest1" }, []string{"guest2"}, vmi.Target{}, true},
		{"domid", func() { domid.Set("3") }, nil, vmi.Target{DomID: 3}, false},
		{"file", func() { file = "guest.yml" }, nil, vmi.Target{File: "guest.yml"}, false},
		{"file and name", func() { file, name = "guest.yml", "guest1" }, nil, vmi.Target{}, true},
		{"configured socket", func() {
			name = "guest1"
			conf.DefaultSocket = "/run/kvmi.sock"
			conf.Backend = "kvmi"
		}, nil, vmi.Target{Name: "guest1", Backend: "kvmi", InitData: "/run/kvmi.sock"}, false},
		{"socket flag", func() {
			name, socket = "guest1", "/tmp/vm.sock"
			conf.DefaultSocket = "/run/kvmi.sock"
		}, nil, vmi.Target{Name: "guest1", InitData: "/tmp/vm.sock"}, false},
		{"no socket for files", func() {
			file = "guest.yml"
			conf.DefaultSocket = "/run/kvmi.sock"
		}, nil, vmi.Target{File: "guest.yml"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resetFlags(t)
			tc.setup()
			got, err := makeTarget(tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("target mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// writeGuest writes a snapshot of a Linux guest whose module list at
// 0x1000 holds ext4 and xfs, with the last module linked to next.
func writeGuest(t *testing.T, osName string, next uint64) string {
	t.Helper()
	const base = 0x1000
	img := make([]byte, 0x1000)
	put := func(addr, v uint64) { binary.LittleEndian.PutUint64(img[addr-base:], v) }
	put(0x1000, 0x1100)
	put(0x1100, 0x1200)
	put(0x1200, next)
	copy(img[0x1110-base:], "ext4\x00")
	copy(img[0x1210-base:], "xfs\x00")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mem.raw"), img, 0o644); err != nil {
		t.Fatal(err)
	}
	desc := "name: guest1\nos: " + osName + "\npaging: ia32e\nsymbols: {modules: 0x1000}\nregions:\n  - {file: mem.raw, vaddr: 0x1000}\n"
	path := filepath.Join(dir, "guest.yml")
	if err := os.WriteFile(path, []byte(desc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunTool(t *testing.T) {
	tests := []struct {
		name       string
		tool       string
		os         string
		next       uint64
		wantCode   int
		wantOut    string
		wantStderr string
	}{
		{"complete", "modules", "linux", 0x1000, exitComplete, "Module listing for file guest1\next4\nxfs\n", ""},
		{"partial", "modules", "linux", 0x1100, exitPartial, "Module listing for file guest1\next4\nxfs\n", "partial"},
		{"unsupported", "creds", "windows", 0x1000, exitSession, "", "does not support"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resetFlags(t)
			file = writeGuest(t, tc.os, tc.next)
			tool, err := scan.Lookup(tc.tool)
			if err != nil {
				t.Fatal(err)
			}
			var stdout, stderr bytes.Buffer
			code := runTool(tool, nil, &stdout, &stderr)
			if code != tc.wantCode {
				t.Errorf("exit code %d, want %d (stderr %q)", code, tc.wantCode, stderr.String())
			}
			if diff := cmp.Diff(tc.wantOut, stdout.String()); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
			if tc.wantStderr == "" && stderr.Len() != 0 {
				t.Errorf("unexpected stderr %q", stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderr) {
				t.Errorf("stderr %q does not mention %q", stderr.String(), tc.wantStderr)
			}
			if strings.Contains(stdout.String()+stderr.String(), "\x1b[") {
				t.Errorf("color escapes written to a buffer")
			}
		})
	}
}

func TestRunToolLayouts(t *testing.T) {
	resetFlags(t)
	file = writeGuest(t, "linux", 0x1000)
	dir := t.TempDir()
	lf := filepath.Join(dir, "layouts.yml")
	// Names move one byte up: "xt4" and "fs".
	if err := os.WriteFile(lf, []byte("layouts:\n  - {os: linux, kind: module, fields: {name: 17}}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	layoutFiles = []string{lf}
	tool, _ := scan.Lookup("modules")
	var stdout, stderr bytes.Buffer
	if code := runTool(tool, nil, &stdout, &stderr); code != exitComplete {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}
	if diff := cmp.Diff("Module listing for file guest1\nxt4\nfs\n", stdout.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	layoutFiles = []string{filepath.Join(dir, "missing.yml")}
	if code := runTool(tool, nil, &stdout, &stderr); code != exitUsage {
		t.Errorf("missing layout file: exit code %d", code)
	}
}

func TestRunToolUsage(t *testing.T) {
	resetFlags(t)
	tool, _ := scan.Lookup("ps")
	var stdout, stderr bytes.Buffer
	if code := runTool(tool, nil, &stdout, &stderr); code != exitUsage {
		t.Errorf("exit code %d, want %d", code, exitUsage)
	}
	resetFlags(t)
	logOutput = "scan"
	name = "guest1"
	if code := runTool(tool, nil, &stdout, &stderr); code != exitUsage {
		t.Errorf("--log-output without --log: exit code %d", code)
	}
}
