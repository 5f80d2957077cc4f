package macho

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/google/go-cmp/cmp"
	"github.com/jvolkman/repairwheel/pkg/macho"
	"github.com/jvolkman/repairwheel/pkg/macho/machotest"
)

func writeImage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func open(t *testing.T, path string) *macho.Universal {
	t.Helper()
	u, err := macho.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { u.Close() })
	return u
}

func signed(m *macho.File) bool {
	for _, d := range m.LinkEditData() {
		if d.Cmd == types.LC_CODE_SIGNATURE {
			return true
		}
	}
	return false
}

func TestSign(t *testing.T) {
	in := writeImage(t, "libfoo.dylib", machotest.Image{ID: "libfoo.dylib"}.Build())
	orig, _ := os.ReadFile(in)
	out := filepath.Join(t.TempDir(), "libfoo-signed.dylib")

	if err := AdhocSign(in, out); err != nil {
		t.Fatalf("AdhocSign() error = %v", err)
	}
	if got, _ := os.ReadFile(in); !bytes.Equal(got, orig) {
		t.Error("AdhocSign() modified its input")
	}
	if m := open(t, out).Arches[0]; !signed(m) {
		t.Error("output has no LC_CODE_SIGNATURE")
	}

	// signing in place
	if err := Sign(&SignConfig{Input: in, Identifier: "com.example.foo"}); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if m := open(t, in).Arches[0]; !signed(m) {
		t.Error("input has no LC_CODE_SIGNATURE after in place signing")
	}
}

func TestSignMissingInput(t *testing.T) {
	dir := t.TempDir()
	if err := AdhocSign(filepath.Join(dir, "missing"), filepath.Join(dir, "out")); err == nil {
		t.Error("AdhocSign() of a missing file succeeded")
	}
}

func TestSignAll(t *testing.T) {
	var paths []string
	for _, name := range []string{"a.so", "b.so", "c.so"} {
		paths = append(paths, writeImage(t, name, machotest.Image{Type: types.MH_BUNDLE}.Build()))
	}
	if err := SignAll(context.Background(), paths, "", 2); err != nil {
		t.Fatalf("SignAll() error = %v", err)
	}
	for _, p := range paths {
		if !signed(open(t, p).Arches[0]) {
			t.Errorf("%s is not signed", p)
		}
	}

	bad := append(paths, writeImage(t, "bad.so", []byte("not a binary")))
	if err := SignAll(context.Background(), bad, "", 2); err == nil {
		t.Error("SignAll() with a bad file succeeded")
	}
}

func TestSignAllSameFile(t *testing.T) {
	path := writeImage(t, "a.so", machotest.Image{Type: types.MH_BUNDLE}.Build())
	t.Chdir(filepath.Dir(path))
	if err := SignAll(context.Background(), []string{"a.so", "./a.so", path}, "", 3); err != nil {
		t.Fatalf("SignAll() error = %v", err)
	}
	if !signed(open(t, path).Arches[0]) {
		t.Errorf("%s is not signed", path)
	}
}

func TestChangeInstallName(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"thin", machotest.Image{Deps: []string{"/usr/lib/libSystem.B.dylib", "/opt/lib/libz.1.dylib"}}.Build()},
		{"fat", machotest.Fat(false, 12,
			machotest.Image{Deps: []string{"/usr/lib/libSystem.B.dylib", "/opt/lib/libz.1.dylib"}},
			machotest.Image{CPU: machotest.CPUArm64, SubCPU: machotest.CPUSubtypeArm64All, Deps: []string{"/usr/lib/libSystem.B.dylib", "/opt/lib/libz.1.dylib"}},
		)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImage(t, "ext.so", tt.data)
			if err := ChangeInstallName(path, "/opt/lib/libz.1.dylib", "@loader_path/.dylibs/libz.1.dylib", true); err != nil {
				t.Fatalf("ChangeInstallName() error = %v", err)
			}
			u := open(t, path)
			got, err := u.InstallNames()
			if err != nil {
				t.Fatalf("InstallNames() error = %v", err)
			}
			if diff := cmp.Diff([]string{"/usr/lib/libSystem.B.dylib", "@loader_path/.dylibs/libz.1.dylib"}, got); diff != "" {
				t.Errorf("InstallNames() mismatch (-want +got):\n%s", diff)
			}
			for _, m := range u.Arches {
				if !signed(m) {
					t.Errorf("%s is not re-signed", m.ArchName())
				}
			}
		})
	}
}

func TestChangeInstallNameNoMatch(t *testing.T) {
	path := writeImage(t, "ext.so", machotest.Image{Deps: []string{"/usr/lib/libSystem.B.dylib"}}.Build())
	orig, _ := os.ReadFile(path)
	if err := ChangeInstallName(path, "/opt/lib/libz.1.dylib", "@rpath/libz.1.dylib", true); err != nil {
		t.Fatalf("ChangeInstallName() error = %v", err)
	}
	if got, _ := os.ReadFile(path); !bytes.Equal(got, orig) {
		t.Error("ChangeInstallName() rewrote a file that does not reference the old name")
	}
}

func TestSetInstallID(t *testing.T) {
	tests := []struct {
		name    string
		im      machotest.Image
		sign    bool
		wantID  string
		changed bool
	}{
		{"dylib", machotest.Image{ID: "/opt/lib/libfoo.dylib"}, true, "@rpath/libfoo.dylib", true},
		{"no resign", machotest.Image{ID: "/opt/lib/libfoo.dylib"}, false, "@rpath/libfoo.dylib", true},
		{"executable", machotest.Image{Type: types.MH_EXECUTE}, true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImage(t, "libfoo.dylib", tt.im.Build())
			orig, _ := os.ReadFile(path)
			if err := SetInstallID(path, "@rpath/libfoo.dylib", tt.sign); err != nil {
				t.Fatalf("SetInstallID() error = %v", err)
			}
			u := open(t, path)
			if id, _ := u.InstallID(); id != tt.wantID {
				t.Errorf("InstallID() = %q, want %q", id, tt.wantID)
			}
			if got := signed(u.Arches[0]); got != (tt.sign && tt.changed) {
				t.Errorf("signed = %v", got)
			}
			if data, _ := os.ReadFile(path); !tt.changed && !bytes.Equal(data, orig) {
				t.Error("SetInstallID() rewrote a file without LC_ID_DYLIB")
			}
		})
	}
}

func TestInstallNameLayoutConstraint(t *testing.T) {
	// __text starts 0x40 bytes after the load commands.
	im := machotest.Image{Deps: []string{"/usr/lib/libz.1.dylib"}, TextOffset: 0x180}
	path := writeImage(t, "libtight.dylib", im.Build())
	long := "@loader_path/" + string(bytes.Repeat([]byte("x"), 0x200)) + "/libz.1.dylib"
	err := ChangeInstallName(path, "/usr/lib/libz.1.dylib", long, true)
	if !errors.Is(err, macho.ErrLayoutConstraint) {
		t.Errorf("ChangeInstallName() error = %v, want ErrLayoutConstraint", err)
	}
}

func TestGetInfo(t *testing.T) {
	im := machotest.Image{
		ID:     "@rpath/libfoo.dylib",
		Deps:   []string{"/usr/lib/libSystem.B.dylib"},
		Rpaths: []string{"@loader_path/../lib"},
	}
	arm := im
	arm.CPU, arm.SubCPU = machotest.CPUArm64, machotest.CPUSubtypeArm64All
	path := writeImage(t, "libfoo.dylib", machotest.Fat(false, 14, im, arm))

	info, err := GetInfo(path)
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if !info.Fat || info.InstallID != im.ID {
		t.Errorf("GetInfo() fat = %v, id = %q", info.Fat, info.InstallID)
	}
	if diff := cmp.Diff(im.Deps, info.InstallNames); diff != "" {
		t.Errorf("InstallNames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(im.Rpaths, info.Rpaths); diff != "" {
		t.Errorf("Rpaths mismatch (-want +got):\n%s", diff)
	}
	var names []string
	for _, a := range info.Arches {
		names = append(names, a.Name)
	}
	if diff := cmp.Diff([]string{"x86_64", "arm64"}, names); diff != "" {
		t.Errorf("Arches mismatch (-want +got):\n%s", diff)
	}
}

func TestGetInfoMismatch(t *testing.T) {
	arm := machotest.Image{CPU: machotest.CPUArm64, SubCPU: machotest.CPUSubtypeArm64All, Deps: []string{"/usr/lib/libc++.1.dylib"}}
	path := writeImage(t, "ext.so", machotest.Fat(false, 14, machotest.Image{Deps: []string{"/usr/lib/libSystem.B.dylib"}}, arm))
	if _, err := GetInfo(path); !errors.Is(err, macho.ErrPerArchMismatch) {
		t.Errorf("GetInfo() error = %v, want ErrPerArchMismatch", err)
	}
}
