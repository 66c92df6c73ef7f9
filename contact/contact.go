// Package contact implements the bit-exact wire format for the contact
// tokens that let a peer locate and size a shared-memory region. Each
// backend (file-mapping, POSIX-named, SysV) produces and consumes a
// token through this package so the format has a single authority
// instead of being duplicated per backend.
package contact

import (
	"encoding/binary"
	"fmt"

	"github.com/raffino/dfshm/dfshmerr"
)

// Kind identifies which backend produced a token. Readers must not
// attempt to decode a token with the wrong Kind: a file-mapping path and
// a POSIX-SHM name share the same on-wire shape but are never
// interchangeable, since they name objects in different OS namespaces.
type Kind int

const (
	// KindPath covers both file-mapping and POSIX-named backends: a
	// NUL-terminated path/name followed by the region size.
	KindPath Kind = iota
	// KindKey covers the SysV backend: a bare integer key.
	KindKey
)

// sizeFieldWidth is the width, in bytes, of the trailing size field for
// KindPath tokens and of the key field for KindKey tokens. The original
// C source reports sizeof(key_t) for SysV while actually writing
// sizeof(size_t) worth of bytes; this package resolves the
// inconsistency by picking one width deliberately: 8 bytes (size_t on
// every platform dfshm targets) for both shapes, so a single decoder
// handles them uniformly.
const sizeFieldWidth = 8

// EncodePath produces a token for the file-mapping and POSIX-named
// backends: path, a NUL terminator, then the region length as 8
// native-endian bytes.
func EncodePath(path string, size uintptr) []byte {
	buf := make([]byte, 0, len(path)+1+sizeFieldWidth)
	buf = append(buf, path...)
	buf = append(buf, 0)
	var sizeBuf [sizeFieldWidth]byte
	binary.NativeEndian.PutUint64(sizeBuf[:], uint64(size))
	return append(buf, sizeBuf[:]...)
}

// DecodePath parses a token produced by EncodePath, scanning for the NUL
// terminator and reading the size field that immediately follows it.
func DecodePath(token []byte) (path string, size uintptr, err error) {
	nul := -1
	for i, b := range token {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", 0, fmt.Errorf("%w: contact token missing NUL terminator", dfshmerr.ErrInvalidArgument)
	}
	rest := token[nul+1:]
	if len(rest) < sizeFieldWidth {
		return "", 0, fmt.Errorf("%w: contact token truncated size field", dfshmerr.ErrInvalidArgument)
	}
	size = uintptr(binary.NativeEndian.Uint64(rest[:sizeFieldWidth]))
	return string(token[:nul]), size, nil
}

// EncodeKey produces a token for the SysV backend: the key value only,
// as 8 native-endian bytes (see sizeFieldWidth's doc comment for why
// this package does not truncate to a narrower key_t width).
func EncodeKey(key int64) []byte {
	buf := make([]byte, sizeFieldWidth)
	binary.NativeEndian.PutUint64(buf, uint64(key))
	return buf
}

// DecodeKey parses a token produced by EncodeKey.
func DecodeKey(token []byte) (int64, error) {
	if len(token) < sizeFieldWidth {
		return 0, fmt.Errorf("%w: SysV contact token truncated", dfshmerr.ErrInvalidArgument)
	}
	return int64(binary.NativeEndian.Uint64(token[:sizeFieldWidth])), nil
}
