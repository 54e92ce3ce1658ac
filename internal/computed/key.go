package computed

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Key identifies one memoizable read: a method name plus its canonical
// argument tuple. Keys are comparable and can be used as map keys; two
// keys are equal iff method and arguments are equal.
type Key struct {
	Method string `json:"method" cbor:"1,keyasint"`
	Args   string `json:"args" cbor:"2,keyasint"`
}

// NewKey builds a key for method applied to args.
func NewKey(method string, args ...any) (Key, error) {
	if method == "" {
		return Key{}, fmt.Errorf("new key: empty method name")
	}
	canonical, err := canonicalArgs(args)
	if err != nil {
		return Key{}, fmt.Errorf("new key %s: %w", method, err)
	}
	return Key{Method: method, Args: canonical}, nil
}

// MustKey is NewKey that panics on error. Intended for literals in
// tests and static hint tables.
func MustKey(method string, args ...any) Key {
	k, err := NewKey(method, args...)
	if err != nil {
		panic(err)
	}
	return k
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k.Method == "" && k.Args == ""
}

// String renders the key as method(arg, ...).
func (k Key) String() string {
	args := strings.TrimSuffix(strings.TrimPrefix(k.Args, "["), "]")
	return k.Method + "(" + args + ")"
}

// Digest is a 32-byte BLAKE3 digest of a Key.
type Digest [32]byte

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// keyDomain is the BLAKE3 key used for Key digests: the ASCII domain
// name zero-padded to 32 bytes.
var keyDomain = [32]byte{
	'd', 'e', 'r', 'i', 'v', 'e', '.', 'c', 'o', 'm', 'p', 'u', 't', 'e', 'd', '.',
	'k', 'e', 'y',
}

// Digest returns a fixed-width identifier of k, stable across processes.
// The durable operation log indexes hints by digest.
func (k Key) Digest() Digest {
	h, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes.
		panic(err)
	}
	_, _ = h.Write([]byte(k.Method))
	_, _ = h.Write([]byte{0x00})
	_, _ = h.Write([]byte(k.Args))

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
