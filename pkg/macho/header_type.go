package macho

import "github.com/blacktop/go-macho/types"

// signedTypes are the file types the loader validates a code signature for.
var signedTypes = map[types.HeaderFileType]bool{
	types.MH_EXECUTE:  true,
	types.MH_PRELOAD:  true,
	types.MH_DYLIB:    true,
	types.MH_DYLINKER: true,
	types.MH_BUNDLE:   true,
}

// NeedsSignature reports whether files of type t carry a code signature.
func NeedsSignature(t types.HeaderFileType) bool { return signedTypes[t] }

// NeedsSignature reports whether the image carries a code signature.
func (f *File) NeedsSignature() bool { return NeedsSignature(f.Type) }
