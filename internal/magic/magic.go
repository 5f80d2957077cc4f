package magic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

type Magic uint32

const (
	Magic32    Magic = 0xfeedface
	Magic64    Magic = 0xfeedfacf
	MagicFatBE Magic = 0xcafebabe
	MagicFatLE Magic = 0xbebafeca
	MagicFat64 Magic = 0xcafebabf
)

var elfMagic = []byte("\x7fELF")

// Kind is the binary format detected from a file's first bytes.
type Kind int

const (
	Unknown Kind = iota
	ELF
	MachO
	Fat
)

func (k Kind) String() string {
	switch k {
	case ELF:
		return "ELF"
	case MachO:
		return "Mach-O"
	case Fat:
		return "Universal Mach-O"
	}
	return "unknown"
}

// Detect classifies the first bytes of a file.
func Detect(head []byte) Kind {
	if len(head) < 4 {
		return Unknown
	}
	if bytes.HasPrefix(head, elfMagic) {
		return ELF
	}
	switch Magic(binary.LittleEndian.Uint32(head)) {
	case Magic32, Magic64:
		return MachO
	case MagicFatLE:
		return Fat
	}
	// big endian thin files and the fat magics read byte swapped
	switch Magic(binary.BigEndian.Uint32(head)) {
	case Magic32, Magic64:
		return MachO
	case MagicFatBE, MagicFat64:
		return Fat
	}
	return Unknown
}

func read(filePath string) (Kind, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err = f.Read(magic[:]); err != nil {
		return Unknown, fmt.Errorf("failed to read magic: %w", err)
	}
	return Detect(magic[:]), nil
}

// KindOf returns the binary format of the file at filePath.
func KindOf(filePath string) (Kind, error) {
	return read(filePath)
}

func IsMachO(filePath string) (bool, error) {
	k, err := read(filePath)
	if err != nil {
		return false, err
	}
	switch k {
	case MachO, Fat:
		return true, nil
	default:
		return false, fmt.Errorf("not a macho file")
	}
}

func IsELF(filePath string) (bool, error) {
	k, err := read(filePath)
	if err != nil {
		return false, err
	}
	if k != ELF {
		return false, fmt.Errorf("not an ELF file")
	}
	return true, nil
}
