package magic

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want Kind
	}{
		{"elf", []byte("\x7fELF\x02\x01\x01"), ELF},
		{"macho64 le", []byte{0xcf, 0xfa, 0xed, 0xfe}, MachO},
		{"macho32 be", []byte{0xfe, 0xed, 0xfa, 0xce}, MachO},
		{"fat", []byte{0xca, 0xfe, 0xba, 0xbe}, Fat},
		{"fat64", []byte{0xca, 0xfe, 0xba, 0xbf}, Fat},
		{"script", []byte("#!/bin/sh"), Unknown},
		{"short", []byte{0x7f}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.head); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMachO(t *testing.T) {
	dir := t.TempDir()
	macho := filepath.Join(dir, "lib.dylib")
	elf := filepath.Join(dir, "lib.so")
	os.WriteFile(macho, []byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0}, 0o644)
	os.WriteFile(elf, []byte("\x7fELF\x02\x01\x01\x00"), 0o644)

	if ok, err := IsMachO(macho); !ok || err != nil {
		t.Errorf("IsMachO(%s) = %v, %v", macho, ok, err)
	}
	if ok, err := IsMachO(elf); ok || err == nil {
		t.Errorf("IsMachO(%s) = %v, %v", elf, ok, err)
	}
	if ok, err := IsELF(elf); !ok || err != nil {
		t.Errorf("IsELF(%s) = %v, %v", elf, ok, err)
	}
	if k, _ := KindOf(macho); k != MachO {
		t.Errorf("KindOf(%s) = %v", macho, k)
	}
	if _, err := KindOf(filepath.Join(dir, "missing")); err == nil {
		t.Errorf("KindOf() of a missing file succeeded")
	}
}
