package codesign

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/google/go-cmp/cmp"
	"github.com/jvolkman/repairwheel/pkg/macho"
	"github.com/jvolkman/repairwheel/pkg/macho/machotest"
)

func TestHashPages(t *testing.T) {
	data := make([]byte, 8200)
	for i := range data {
		data[i] = byte(i * 7)
	}
	hashes, err := HashPages(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		t.Fatalf("HashPages() error = %v", err)
	}
	if len(hashes) != 3 {
		t.Fatalf("HashPages() returned %d hashes, want 3", len(hashes))
	}
	last := sha256.Sum256(data[8192:])
	if !bytes.Equal(hashes[2], last[:]) {
		t.Errorf("last page hash covers the wrong bytes")
	}
	first := sha256.Sum256(data[:4096])
	if !bytes.Equal(hashes[0], first[:]) {
		t.Errorf("first page hash mismatch")
	}
}

func TestSuperBlobLength(t *testing.T) {
	tests := []struct {
		limit uint64
		id    string
		pages int
	}{
		{0, "a", 0},
		{4096, "libfoo.dylib", 1},
		{8200, "python3", 3},
		{0x4100, "_speedups.cpython-312-darwin.so", 5},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			s := &SuperBlob{CodeLimit: tt.limit, Identifier: tt.id}
			if s.Pages() != tt.pages {
				t.Errorf("Pages() = %d, want %d", s.Pages(), tt.pages)
			}
			want := 36 + 88 + len(tt.id) + 1 + 64 + 32*tt.pages + 12 + 8
			if got := s.Length(); int(got) != want {
				t.Errorf("Length() = %d, want %d", got, want)
			}
			hashes := make([][]byte, tt.pages)
			for i := range hashes {
				hashes[i] = bytes.Repeat([]byte{byte(i + 1)}, sha256.Size)
			}
			if got := len(s.Bytes(hashes)); got != int(s.Length()) {
				t.Errorf("len(Bytes()) = %d, want Length() = %d", got, s.Length())
			}
		})
	}
}

func TestCodeLimit64(t *testing.T) {
	tests := []struct {
		limit  uint64
		want32 uint32
		want64 uint64
	}{
		{0x4100, 0x4100, 0},
		{1 << 33, 0, 1 << 33},
	}
	for _, tt := range tests {
		s := &SuperBlob{CodeLimit: tt.limit, Identifier: "x"}
		cd := decodeCodeDirectory(t, s.Bytes(nil))
		if cd.CodeLimit != tt.want32 || cd.CodeLimit64 != tt.want64 {
			t.Errorf("limit %#x: codelimit=%#x codelimit64=%#x", tt.limit, cd.CodeLimit, cd.CodeLimit64)
		}
	}
}

type parsedSig struct {
	cd     codeDirectory
	id     string
	hashes [][]byte
}

func decodeCodeDirectory(t *testing.T, blob []byte) codeDirectory {
	t.Helper()
	var hdr [3]uint32
	binary.Read(bytes.NewReader(blob), binary.BigEndian, &hdr)
	if hdr[0] != magicEmbeddedSignature || hdr[1] != uint32(len(blob)) || hdr[2] != 3 {
		t.Fatalf("superblob header = %#x", hdr)
	}
	idx := make([]blobIndex, 3)
	binary.Read(bytes.NewReader(blob[superBlobHeaderSize:]), binary.BigEndian, idx)
	want := []blobIndex{{0, 36}, {2, idx[1].Offset}, {0x10000, idx[1].Offset + 12}}
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Fatalf("blob index mismatch (-want +got):\n%s", diff)
	}
	var cd codeDirectory
	binary.Read(bytes.NewReader(blob[36:]), binary.BigEndian, &cd)
	if cd.Magic != magicCodeDirectory || cd.Version != codeDirectoryVersion || 36+cd.Length != idx[1].Offset {
		t.Fatalf("code directory = %+v", cd)
	}
	return cd
}

func readSignature(t *testing.T, data []byte, m *macho.File) parsedSig {
	t.Helper()
	var sig *macho.LinkEditData
	for _, d := range m.LinkEditData() {
		if d.Cmd == types.LC_CODE_SIGNATURE {
			sig = &d
		}
	}
	if sig == nil {
		t.Fatalf("no LC_CODE_SIGNATURE")
	}
	start := m.Offset + int64(sig.Offset)
	blob := data[start : start+int64(sig.Size)]
	cd := decodeCodeDirectory(t, blob)
	cdb := blob[36:]
	p := parsedSig{cd: cd, id: string(cdb[cd.IdentOffset : bytes.IndexByte(cdb[cd.IdentOffset:], 0)+int(cd.IdentOffset)])}
	for i := range cd.NCodeSlots {
		off := cd.HashOffset + i*sha256.Size
		p.hashes = append(p.hashes, cdb[off:off+sha256.Size])
	}
	req := sha256.Sum256(requirements())
	if got := cdb[cd.HashOffset-2*sha256.Size : cd.HashOffset-sha256.Size]; !bytes.Equal(got, req[:]) {
		t.Errorf("requirements slot hash mismatch")
	}
	if got := cdb[cd.HashOffset-sha256.Size : cd.HashOffset]; !bytes.Equal(got, make([]byte, sha256.Size)) {
		t.Errorf("Info.plist slot not zero")
	}
	return p
}

func writeImage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func parseFile(t *testing.T, path string) ([]byte, *macho.Universal) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	u, err := macho.NewUniversal(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewUniversal() error = %v", err)
	}
	return data, u
}

// verify checks that the signature of m is ad-hoc, names id and hashes the
// current contents of the slice.
func verify(t *testing.T, data []byte, m *macho.File, id string) parsedSig {
	t.Helper()
	sig := readSignature(t, data, m)
	if sig.cd.Flags&0x2 == 0 {
		t.Errorf("CodeDirectory flags = %#x, want ad-hoc bit", sig.cd.Flags)
	}
	if sig.id != id {
		t.Errorf("identifier = %q, want %q", sig.id, id)
	}
	want, err := HashPages(bytes.NewReader(data), m.Offset, m.Offset+int64(sig.cd.CodeLimit))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, sig.hashes); diff != "" {
		t.Errorf("page hashes do not match file contents (-want +got):\n%s", diff)
	}
	return sig
}

func TestSignThin(t *testing.T) {
	for _, im := range []machotest.Image{
		{Type: types.MH_EXECUTE},
		{Type: types.MH_BUNDLE, Is32: true},
		{Type: types.MH_DYLIB, BigEndian: true, ID: "libfoo.dylib"},
	} {
		t.Run(im.Type.String(), func(t *testing.T) {
			path := writeImage(t, "_ext.so", im.Build())
			_, before := parseFile(t, path)
			oldLinkEdit, _ := before.Arches[0].Segment("__LINKEDIT")
			fi, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			mode := fi.Mode()

			if err := AdHocSign(path); err != nil {
				t.Fatalf("AdHocSign() error = %v", err)
			}

			data, u := parseFile(t, path)
			m := u.Arches[0]
			if m.NCommands != before.Arches[0].NCommands+1 {
				t.Errorf("NCommands = %d, want %d", m.NCommands, before.Arches[0].NCommands+1)
			}
			sig := verify(t, data, m, "_ext.so")
			length := (&SuperBlob{CodeLimit: uint64(sig.cd.CodeLimit), Identifier: "_ext.so"}).Length()

			linkEdit, _ := m.Segment("__LINKEDIT")
			if linkEdit.Filesz != oldLinkEdit.Filesz+uint64(length) {
				t.Errorf("__LINKEDIT filesz = %#x, want %#x", linkEdit.Filesz, oldLinkEdit.Filesz+uint64(length))
			}
			if sig.cd.CodeLimit != uint32(oldLinkEdit.Offset+oldLinkEdit.Filesz) {
				t.Errorf("code limit = %#x", sig.cd.CodeLimit)
			}
			if int64(len(data)) != int64(sig.cd.CodeLimit)+int64(length) {
				t.Errorf("file size = %#x", len(data))
			}
			if im.Type == types.MH_EXECUTE && sig.cd.ExecSegFlags != execSegMainBinary {
				t.Errorf("ExecSegFlags = %#x", sig.cd.ExecSegFlags)
			}
			if sig.cd.ExecSegLimit != 0x4000 {
				t.Errorf("ExecSegLimit = %#x, want __TEXT filesize", sig.cd.ExecSegLimit)
			}
			if fi, _ := os.Stat(path); fi.Mode() != mode {
				t.Errorf("mode = %v, want %v", fi.Mode(), mode)
			}
			if entries, _ := os.ReadDir(filepath.Dir(path)); len(entries) != 1 {
				t.Errorf("staging file left behind: %v", entries)
			}
		})
	}
}

func TestResignIsStable(t *testing.T) {
	path := writeImage(t, "tool", machotest.Image{Type: types.MH_EXECUTE, Deps: []string{"/usr/lib/libSystem.B.dylib"}}.Build())
	if err := AdHocSign(path); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(path)
	if err := AdHocSign(path); err != nil {
		t.Fatalf("second AdHocSign() error = %v", err)
	}
	second, _ := os.ReadFile(path)
	if !bytes.Equal(first, second) {
		t.Errorf("re-signing changed the file")
	}
}

func TestReplaceExistingSignature(t *testing.T) {
	path := writeImage(t, "libbar.dylib", machotest.Image{Signature: 0x40}.Build())
	_, before := parseFile(t, path)
	if err := Sign(path, "com.example.bar"); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	data, u := parseFile(t, path)
	m := u.Arches[0]
	if m.NCommands != before.Arches[0].NCommands {
		t.Errorf("NCommands = %d, want unchanged %d", m.NCommands, before.Arches[0].NCommands)
	}
	sig := verify(t, data, m, "com.example.bar")
	const sigOff = 0x4000 + machotest.FunctionStartsSize
	if sig.cd.CodeLimit != sigOff {
		t.Errorf("code limit = %#x, want %#x", sig.cd.CodeLimit, sigOff)
	}
	length := uint64((&SuperBlob{CodeLimit: sigOff, Identifier: "com.example.bar"}).Length())
	linkEdit, _ := m.Segment("__LINKEDIT")
	if linkEdit.Filesz != machotest.FunctionStartsSize+length {
		t.Errorf("__LINKEDIT filesz = %#x, want %#x", linkEdit.Filesz, machotest.FunctionStartsSize+length)
	}
	if uint64(len(data)) != sigOff+length {
		t.Errorf("file size = %#x, want %#x", len(data), sigOff+length)
	}
}

func TestSignErrors(t *testing.T) {
	tests := []struct {
		name string
		im   machotest.Image
		want error
	}{
		{"signature not last", machotest.Image{Signature: 0x40, SignatureFirst: true}, macho.ErrLayoutConstraint},
		{"no header padding", machotest.Image{Type: types.MH_EXECUTE, TextOffset: 0x160}, macho.ErrLayoutConstraint},
		{"no linkedit", machotest.Image{NoLinkEdit: true}, macho.ErrMissingStructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := tt.im.Build()
			path := writeImage(t, "lib.dylib", orig)
			if err := AdHocSign(path); !errors.Is(err, tt.want) {
				t.Fatalf("AdHocSign() error = %v, want %v", err, tt.want)
			}
			got, _ := os.ReadFile(path)
			if !bytes.Equal(got, orig) {
				t.Errorf("failed signing modified the file")
			}
			if entries, _ := os.ReadDir(filepath.Dir(path)); len(entries) != 1 {
				t.Errorf("staging file left behind: %v", entries)
			}
		})
	}
}

func TestBadMagic(t *testing.T) {
	path := writeImage(t, "notmacho", []byte("#!/bin/sh\necho hi\n"))
	var fe *macho.FormatError
	if err := AdHocSign(path); !errors.As(err, &fe) {
		t.Errorf("AdHocSign() error = %v, want *macho.FormatError", err)
	}
}

func TestObjectFileUnchanged(t *testing.T) {
	orig := machotest.Image{Type: types.MH_OBJECT}.Build()
	path := writeImage(t, "foo.o", orig)
	if err := AdHocSign(path); err != nil {
		t.Fatalf("AdHocSign() error = %v", err)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, orig) {
		t.Errorf("object file was modified")
	}
}

func TestSignFat(t *testing.T) {
	for _, fat64 := range []bool{false, true} {
		t.Run(map[bool]string{false: "fat32", true: "fat64"}[fat64], func(t *testing.T) {
			orig := machotest.Fat(fat64, 12,
				machotest.Image{Type: types.MH_BUNDLE, LinkEdit: 0xf00},
				machotest.Image{Type: types.MH_BUNDLE, CPU: machotest.CPUArm64, SubCPU: machotest.CPUSubtypeArm64All},
			)
			path := writeImage(t, "_speedups.so", orig)
			_, before := parseFile(t, path)

			if err := AdHocSign(path); err != nil {
				t.Fatalf("AdHocSign() error = %v", err)
			}
			data, u := parseFile(t, path)
			if !u.IsFat() || len(u.Arches) != 2 {
				t.Fatalf("signed file is not a two slice universal file")
			}

			first, second := u.Fat.Arches[0], u.Fat.Arches[1]
			if first.Offset != before.Fat.Arches[0].Offset {
				t.Errorf("first slice moved from %#x to %#x", before.Fat.Arches[0].Offset, first.Offset)
			}
			if second.Offset == before.Fat.Arches[1].Offset {
				t.Errorf("second slice did not move from %#x", second.Offset)
			}
			end := first.Offset + first.Size
			if second.Offset < end || second.Offset%0x1000 != 0 || second.Offset-end >= 0x1000 {
				t.Errorf("second slice at %#x, first slice ends at %#x", second.Offset, end)
			}
			if !bytes.Equal(data[end:second.Offset], make([]byte, second.Offset-end)) {
				t.Errorf("gap between slices is not zero")
			}
			if uint64(len(data)) != second.Offset+second.Size {
				t.Errorf("file size = %#x, want %#x", len(data), second.Offset+second.Size)
			}
			for i, m := range u.Arches {
				verify(t, data, m, "_speedups.so")
				if m.Size != int64(u.Fat.Arches[i].Size) {
					t.Errorf("slice %d size mismatch", i)
				}
			}
		})
	}
}

func TestStage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libfoo.dylib")
	data := bytes.Repeat([]byte("0123456789abcdef"), 1300) // larger than one copy buffer
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o750); err != nil {
		t.Fatal(err)
	}

	tmp, err := stage(path)
	if err != nil {
		t.Fatalf("stage() error = %v", err)
	}
	defer os.Remove(tmp.Name())
	tmp.Close()

	if filepath.Dir(tmp.Name()) != dir {
		t.Errorf("staged copy %s is not next to %s", tmp.Name(), path)
	}
	got, err := os.ReadFile(tmp.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("staged copy has %d bytes, want an exact copy of %d bytes", len(got), len(data))
	}
	fi, err := os.Stat(tmp.Name())
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o750 {
		t.Errorf("staged copy mode = %v, want 0750", fi.Mode().Perm())
	}
}
