package id

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MarshalCBOR encodes the id as a CBOR byte string rather than a CBOR array
// of integers (the default encoding for a Go array type).
func (i ImageId) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(i[:])
}

// UnmarshalCBOR decodes a CBOR byte string into the fixed-size id.
func (i *ImageId) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != Size {
		return fmt.Errorf("id: unmarshal CBOR: want %d bytes, got %d", Size, len(raw))
	}
	copy(i[:], raw)
	return nil
}
