package codec

import (
	"bytes"
	"encoding/gob"
)

// Codec turns item values into bytes and back.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Gob encodes values with encoding/gob. Values travel as interfaces, so any type other than the gob basic types
// (numbers, strings, bools, byte slices and slices of those) must be registered with gob.Register first.
type Gob struct{} // Implements Codec.

var _ Codec = Gob{}

func (Gob) Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Gob) Decode(data []byte) (any, error) {
	var value any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}
