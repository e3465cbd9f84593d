package core

import (
	"bytes"
	"encoding/gob"
)

// init registers the concrete types this module's own payloads use so
// gob can carry them through an interface{} value. encoding/json would
// be the simpler choice here, but json's interface{} decoding always
// produces float64/map[string]interface{}/etc regardless of the
// original concrete type: a peer writing an int would leave every
// other peer holding a float64 for the same value, silently breaking
// invariant 3 (every peer's value == v) for any payload whose
// JSON-decoded shape doesn't already match its original type. gob
// preserves the concrete type across the wire as long as it has been
// registered. Callers storing their own struct types as payloads must
// call gob.Register on them too, exactly as gob itself requires for
// any interface-typed value.
func init() {
	gob.Register(int(0))
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(float32(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(bool(false))
	gob.Register([]byte(nil))
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// encodeValue serializes v for the wire, the same codec used for the
// deep-copy snapshot in Read — the wire codec and the snapshot codec
// are one code path, not two, per SPEC_FULL.md's §4.2 note.
func encodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeValue parses data into a freshly allocated interface{} holding
// the same concrete type the encoder was given (see the package init
// above), used to seed a peer's replica from a DATA_UPDATE or
// READ_REQUEST response.
func decodeValue(data []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// snapshot returns a deep, independent copy of v: it round-trips v
// through the same gob codec used on the wire. This guarantees both
// that the returned value keeps v's own concrete type and that a
// caller mutating the returned value (e.g. a map or slice payload) can
// never alter any peer's replica without going through Write.
func snapshot(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return decodeValue(data)
}
