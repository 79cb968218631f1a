package kdf

import (
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// ReceiptID identifies the confirmed sign request on chain. It is
// unique inside a block, which makes it a suitable delta-derivation
// input when several requests share block entropy.
type ReceiptID [32]byte

// String returns the canonical hex form used in derivation strings and
// on the wire.
func (r ReceiptID) String() string {
	return hex.EncodeToString(r[:])
}

// ReceiptIDFromString parses the canonical hex form.
func ReceiptIDFromString(s string) (ReceiptID, error) {
	var out ReceiptID
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, errors.Wrap(err, "invalid receipt id")
	}
	if len(b) != len(out) {
		return out, errors.Errorf("invalid receipt id length %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (r ReceiptID) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ReceiptID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ReceiptIDFromString(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
