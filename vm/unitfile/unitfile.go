// Package unitfile reads and writes compiled units in their on-disk CBOR
// form.
package unitfile

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/chazu/passer/vm"
	"github.com/fxamacker/cbor/v2"
)

// Version is the format version written by Marshal.
const Version = 1

// Extension is the conventional file extension for compiled units.
const Extension = ".pbu"

// envelope is the top-level CBOR item of a unit file.
type envelope struct {
	Magic   string           `cbor:"1,keyasint"`
	Version int              `cbor:"2,keyasint"`
	Unit    *vm.CompiledUnit `cbor:"3,keyasint"`
}

const magic = "passer-unit"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("unitfile: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		MaxNestedLevels:  64,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("unitfile: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Marshal encodes u. Encoding is canonical, so equal units produce equal
// bytes.
func Marshal(u *vm.CompiledUnit) ([]byte, error) {
	data, err := encMode.Marshal(envelope{Magic: magic, Version: Version, Unit: u})
	if err != nil {
		return nil, fmt.Errorf("unitfile: marshal %s: %w", u.Name, err)
	}
	return data, nil
}

// Unmarshal decodes a unit. The result is not verified; vm.Load does that.
func Unmarshal(data []byte) (*vm.CompiledUnit, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unitfile: unmarshal: %w", err)
	}
	if env.Magic != magic {
		return nil, fmt.Errorf("unitfile: not a compiled unit")
	}
	if env.Version != Version {
		return nil, fmt.Errorf("unitfile: unsupported format version %d (want %d)", env.Version, Version)
	}
	if env.Unit == nil {
		return nil, fmt.Errorf("unitfile: missing unit")
	}
	return env.Unit, nil
}

// Hash returns the content hash of u: the SHA-256 of its canonical
// encoding.
func Hash(u *vm.CompiledUnit) ([32]byte, error) {
	data, err := Marshal(u)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// ReadFile reads and decodes the unit stored at path.
func ReadFile(path string) (*vm.CompiledUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unitfile: %w", err)
	}
	u, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return u, nil
}

// WriteFile encodes u and writes it to path.
func WriteFile(path string, u *vm.CompiledUnit) error {
	data, err := Marshal(u)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("unitfile: %w", err)
	}
	return nil
}
