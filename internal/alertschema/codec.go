package alertschema

import (
	"embed"
	"errors"
	"fmt"

	"github.com/hamba/avro/v2"
)

//go:embed avsc/*.avsc
var avscFS embed.FS

// Sentinel error kinds for codec failures. Callers use errors.Is; the wrapped
// message carries the offending detail.
var (
	ErrEncode = errors.New("avro encode error")
	ErrDecode = errors.New("avro decode error")
)

// Codec encodes and decodes schemaless (single-record) avro payloads bound to
// the embedded schema family. The zero value is not usable; call NewCodec.
type Codec struct {
	alert         avro.Schema
	brokerMessage avro.Schema
}

// NewCodec parses the embedded schemas. Named schemas are parsed in
// dependency order so that Alert and BrokerMessage resolve their references.
func NewCodec() (*Codec, error) {
	cache := &avro.SchemaCache{}
	for _, name := range []string{
		"fastdb.DiaObject", "fastdb.DiaSource", "fastdb.DiaForcedSource",
		"fastdb.Alert", "fastdb.BrokerMessage",
	} {
		raw, err := avscFS.ReadFile("avsc/" + name + ".avsc")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if _, err := avro.ParseWithCache(string(raw), "", cache); err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
	}
	return &Codec{
		alert:         cache.Get("fastdb.Alert"),
		brokerMessage: cache.Get("fastdb.BrokerMessage"),
	}, nil
}

// EncodeAlert serializes an Alert with no framing, exactly the bytes that go
// on the wire.
func (c *Codec) EncodeAlert(a *Alert) ([]byte, error) {
	b, err := avro.Marshal(c.alert, a)
	if err != nil {
		return nil, fmt.Errorf("%w: alert %d: %v", ErrEncode, a.AlertID, err)
	}
	return b, nil
}

// DecodeAlert is the inverse of EncodeAlert. A truncated or malformed stream
// returns an error matching ErrDecode.
func (c *Codec) DecodeAlert(data []byte) (*Alert, error) {
	var a Alert
	if err := avro.Unmarshal(c.alert, data, &a); err != nil {
		return nil, fmt.Errorf("%w: alert: %v", ErrDecode, err)
	}
	return &a, nil
}

// EncodeBrokerMessage serializes a BrokerMessage with no framing.
func (c *Codec) EncodeBrokerMessage(m *BrokerMessage) ([]byte, error) {
	b, err := avro.Marshal(c.brokerMessage, m)
	if err != nil {
		return nil, fmt.Errorf("%w: broker message %d: %v", ErrEncode, m.AlertID, err)
	}
	return b, nil
}

// DecodeBrokerMessage is the inverse of EncodeBrokerMessage.
func (c *Codec) DecodeBrokerMessage(data []byte) (*BrokerMessage, error) {
	var m BrokerMessage
	if err := avro.Unmarshal(c.brokerMessage, data, &m); err != nil {
		return nil, fmt.Errorf("%w: broker message: %v", ErrDecode, err)
	}
	return &m, nil
}
