package codesign

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"

	cstypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

// PageSize is the size of the code pages the CodeDirectory hashes.
const PageSize = 4096

const (
	pageShift = 12

	magicRequirements      = 0xfade0c01
	magicCodeDirectory     = 0xfade0c02
	magicEmbeddedSignature = 0xfade0cc0
	magicBlobWrapper       = 0xfade0b01

	slotCodeDirectory = 0
	slotRequirements  = 2
	slotSignature     = 0x10000

	codeDirectoryVersion = 0x20400
	hashTypeSHA256       = 2
	execSegMainBinary    = 0x1
	specialSlots         = 2

	superBlobHeaderSize  = 12
	blobIndexSize        = 8
	codeDirectorySize    = 88
	requirementsBlobSize = 12
	wrapperBlobSize      = 8
)

// codeDirectory is the version 0x20400 CodeDirectory header. Every field is
// stored big endian.
type codeDirectory struct {
	Magic         uint32
	Length        uint32
	Version       uint32
	Flags         uint32
	HashOffset    uint32
	IdentOffset   uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	CodeLimit     uint32
	HashSize      uint8
	HashType      uint8
	Platform      uint8
	PageSize      uint8
	Spare2        uint32
	ScatterOffset uint32
	TeamOffset    uint32
	Spare3        uint32
	CodeLimit64   uint64
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
}

type blobIndex struct {
	Type   uint32
	Offset uint32
}

// A SuperBlob is an embedded ad-hoc signature: a CodeDirectory, an empty
// requirements set and an empty CMS wrapper.
type SuperBlob struct {
	CodeLimit  uint64
	Identifier string
	ExecBase   uint64
	ExecLimit  uint64
	Executable bool
}

// Pages returns the number of code page hashes.
func (s *SuperBlob) Pages() int {
	return int((s.CodeLimit + PageSize - 1) / PageSize)
}

// Length returns the encoded size of the superblob.
func (s *SuperBlob) Length() uint32 {
	var n countingWriter
	s.write(&n, make([][]byte, s.Pages()))
	return uint32(n)
}

// requirements returns the empty requirements blob.
func requirements() []byte {
	b := make([]byte, requirementsBlobSize)
	binary.BigEndian.PutUint32(b[0:], magicRequirements)
	binary.BigEndian.PutUint32(b[4:], requirementsBlobSize)
	return b
}

// Bytes encodes the superblob with the given code page hashes.
func (s *SuperBlob) Bytes(hashes [][]byte) []byte {
	var buf bytes.Buffer
	s.write(&buf, hashes)
	return buf.Bytes()
}

// write lays the superblob out on w. A nil hash is written as zeros.
func (s *SuperBlob) write(w io.Writer, hashes [][]byte) {
	req := requirements()
	reqHash := sha256.Sum256(req)

	cdOff := uint32(superBlobHeaderSize + 3*blobIndexSize)
	cd := codeDirectory{
		Magic:         magicCodeDirectory,
		Version:       codeDirectoryVersion,
		Flags:         uint32(cstypes.ADHOC),
		IdentOffset:   codeDirectorySize,
		NSpecialSlots: specialSlots,
		NCodeSlots:    uint32(len(hashes)),
		HashSize:      sha256.Size,
		HashType:      hashTypeSHA256,
		PageSize:      pageShift,
		ExecSegBase:   s.ExecBase,
		ExecSegLimit:  s.ExecLimit,
	}
	if s.CodeLimit <= math.MaxUint32 {
		cd.CodeLimit = uint32(s.CodeLimit)
	} else {
		cd.CodeLimit64 = s.CodeLimit
	}
	if s.Executable {
		cd.ExecSegFlags = execSegMainBinary
	}
	cd.HashOffset = cd.IdentOffset + uint32(len(s.Identifier)+1) + specialSlots*sha256.Size
	cd.Length = cd.HashOffset + uint32(len(hashes))*sha256.Size

	reqOff := cdOff + cd.Length
	wrapOff := reqOff + requirementsBlobSize
	total := wrapOff + wrapperBlobSize

	be := binary.BigEndian
	binary.Write(w, be, [3]uint32{magicEmbeddedSignature, total, 3})
	binary.Write(w, be, []blobIndex{
		{slotCodeDirectory, cdOff},
		{slotRequirements, reqOff},
		{slotSignature, wrapOff},
	})
	binary.Write(w, be, cd)
	io.WriteString(w, s.Identifier)
	w.Write([]byte{0})
	// special slots count down from the code hashes: requirements (2), then Info.plist (1)
	w.Write(reqHash[:])
	w.Write(make([]byte, sha256.Size))
	zero := make([]byte, sha256.Size)
	for _, h := range hashes {
		if h == nil {
			h = zero
		}
		w.Write(h)
	}
	w.Write(req)
	binary.Write(w, be, [2]uint32{magicBlobWrapper, wrapperBlobSize})
}

// HashPages hashes [off, limit) of r in PageSize chunks. The last page
// covers only the remaining bytes.
func HashPages(r io.ReaderAt, off, limit int64) ([][]byte, error) {
	var hashes [][]byte
	page := make([]byte, PageSize)
	for pos := off; pos < limit; pos += PageSize {
		n := min(PageSize, limit-pos)
		if got, err := r.ReadAt(page[:n], pos); got < int(n) {
			return nil, err
		}
		sum := sha256.Sum256(page[:n])
		hashes = append(hashes, sum[:])
	}
	return hashes, nil
}

type countingWriter int64

func (c *countingWriter) Write(p []byte) (int, error) {
	*c += countingWriter(len(p))
	return len(p), nil
}
