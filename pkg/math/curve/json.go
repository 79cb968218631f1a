package curve

import (
	"encoding/hex"
	"encoding/json"
	"errors"
)

// MarshalJSON encodes the scalar as a hex string.
func (a *Scalar) MarshalJSON() ([]byte, error) {
	b := a.Bytes()
	return json.Marshal(hex.EncodeToString(b[:]))
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Scalar) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != ScalarSize {
		return errors.New("curve: invalid scalar length")
	}
	return a.UnmarshalBinary(b)
}

// MarshalJSON encodes the point as a hex string of its compressed
// encoding.
func (p *Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(p.Bytes()))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Point) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return p.UnmarshalBinary(b)
}
