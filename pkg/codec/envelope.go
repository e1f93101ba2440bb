// Pouch backends persist each item as an envelope of two fields: the encoded value and the absolute Unix time
// after which the value expires (0 for never). A fresh process rebuilds the hit and expiry state of an item from its
// envelope alone.
// Envelopes use the protobuf wire format:
//
//	field 1 (bytes) : the value, as produced by a Codec.
//	field 2 (varint): expiresAfter.

package codec

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	valueField        protowire.Number = 1
	expiresAfterField protowire.Number = 2
)

// ErrIncompleteEnvelope is returned when a packed envelope misses either of its fields.
var ErrIncompleteEnvelope = errors.New("envelope is missing a field")

// Envelope is the persisted form of a cache item.
type Envelope struct {
	Value        []byte
	ExpiresAfter int64
}

// Pack serializes the envelope.
func (e Envelope) Pack() []byte {
	packed := make([]byte, 0, len(e.Value)+24) // Two tags, a length prefix and a varint fit in 24 bytes.
	packed = protowire.AppendTag(packed, valueField, protowire.BytesType)
	packed = protowire.AppendBytes(packed, e.Value)
	packed = protowire.AppendTag(packed, expiresAfterField, protowire.VarintType)
	packed = protowire.AppendVarint(packed, uint64(e.ExpiresAfter))
	return packed
}

// Unpack deserializes a packed envelope. Unknown fields are skipped.
func Unpack(packed []byte) (Envelope, error) {
	var (
		envelope                Envelope
		hasValue, hasExpiration bool
	)
	for len(packed) > 0 {
		number, wireType, tagLen := protowire.ConsumeTag(packed)
		if tagLen < 0 {
			return Envelope{}, fmt.Errorf("failed to read envelope tag: %w", protowire.ParseError(tagLen))
		}
		packed = packed[tagLen:]

		var fieldLen int
		switch {
		case number == valueField && wireType == protowire.BytesType:
			var value []byte
			value, fieldLen = protowire.ConsumeBytes(packed)
			envelope.Value = bytes.Clone(value) // Don't alias the caller's buffer.
			hasValue = true
		case number == expiresAfterField && wireType == protowire.VarintType:
			var expiresAfter uint64
			expiresAfter, fieldLen = protowire.ConsumeVarint(packed)
			envelope.ExpiresAfter = int64(expiresAfter)
			hasExpiration = true
		default:
			fieldLen = protowire.ConsumeFieldValue(number, wireType, packed)
		}
		if fieldLen < 0 {
			return Envelope{}, fmt.Errorf("failed to read envelope field %d: %w", number, protowire.ParseError(fieldLen))
		}
		packed = packed[fieldLen:]
	}

	if !hasValue || !hasExpiration {
		return Envelope{}, ErrIncompleteEnvelope
	}
	return envelope, nil
}

// Seal encodes `value` with `codec` and packs it along with `expiresAfter`.
func Seal(codec Codec, value any, expiresAfter int64) ([]byte, error) {
	encoded, err := codec.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return Envelope{Value: encoded, ExpiresAfter: expiresAfter}.Pack(), nil
}

// Open is the reverse of Seal.
func Open(codec Codec, packed []byte) (any /*value*/, int64 /*expiresAfter*/, error) {
	envelope, err := Unpack(packed)
	if err != nil {
		return nil, 0, err
	}
	value, err := codec.Decode(envelope.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode value: %w", err)
	}
	return value, envelope.ExpiresAfter, nil
}
