package types

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding. Same logical
// record always produces identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Any-typed targets decode maps as
// map[string]any so decoded payloads stay encoding/json-compatible.
var decMode cbor.DecMode

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// Full-fidelity timestamps: the default integer epoch encoding
	// truncates to seconds, which would corrupt OutputLine ordering.
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("types: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("types: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using the package's encoder configuration.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// envelope is the persisted form of a Record: the variant tag, the
// control block, and the variant payload as a nested CBOR value.
type envelope struct {
	Kind    RecordKind      `json:"kind"`
	Control Control         `json:"control"`
	Payload cbor.RawMessage `json:"payload"`
}

// EncodeRecord serializes a record to its CBOR envelope form.
func EncodeRecord(rec Record) ([]byte, error) {
	if rec.Data == nil {
		return nil, fmt.Errorf("encode record: nil data")
	}
	payload, err := encMode.Marshal(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", rec.Kind(), err)
	}
	return encMode.Marshal(envelope{
		Kind:    rec.Kind(),
		Control: rec.Control,
		Payload: payload,
	})
}

// DecodeRecord deserializes a record from its CBOR envelope form.
// Unknown kinds are an error: the set of variants is closed.
func DecodeRecord(data []byte) (Record, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Record{}, fmt.Errorf("decode record envelope: %w", err)
	}

	var rd Data
	switch env.Kind {
	case KindRunUpdate:
		var v RunUpdate
		if err := decMode.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		rd = v
	case KindConfigUpdate:
		var v ConfigUpdate
		if err := decMode.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		rd = v
	case KindHistoryEntry:
		var v HistoryEntry
		if err := decMode.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		rd = v
	case KindOutputLine:
		var v OutputLine
		if err := decMode.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		rd = v
	case KindFileChange:
		var v FileChange
		if err := decMode.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		rd = v
	case KindRunExit:
		var v RunExit
		if err := decMode.Unmarshal(env.Payload, &v); err != nil {
			return Record{}, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		rd = v
	default:
		return Record{}, fmt.Errorf("decode record: unknown kind %q", env.Kind)
	}

	return Record{Control: env.Control, Data: rd}, nil
}
