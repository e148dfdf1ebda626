// Package wire implements the stable, self-describing binary encoding used
// for everything that crosses a durability boundary: oplog entries on disk,
// durable host-function request/response payloads, and the agent IPC
// protocol in internal/runtime. Encoding is msgpack (vmihailenco/msgpack),
// chosen because it round-trips Go structs without a schema compiler while
// staying compact and self-describing, matching spec.md §6's wire-format
// requirement (field addition must stay backwards compatible).
package wire

import "github.com/vmihailenco/msgpack/v5"

// Encode serializes v into its wire representation.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode deserializes data produced by Encode back into v.
func Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// Payload is a pre-encoded wire buffer kept alongside a human-inspectable
// schema tag, used for ImportedFunctionInvoked request/response bytes
// (spec.md §3: "deterministic byte buffers, encoded using a stable,
// self-describing schema keyed by function_id").
type Payload struct {
	SchemaTag string `msgpack:"schema_tag"`
	Bytes     []byte `msgpack:"bytes"`
}

// EncodePayload wraps v's wire encoding with the schema tag that identifies
// how to decode it, so a reader never has to guess a type from function_id
// alone when inspecting raw oplog bytes (e.g. during SearchOplog or CLI
// dumps).
func EncodePayload(schemaTag string, v any) (Payload, error) {
	b, err := Encode(v)
	if err != nil {
		return Payload{}, err
	}
	return Payload{SchemaTag: schemaTag, Bytes: b}, nil
}

// DecodePayload decodes p.Bytes into v, ignoring the schema tag (the caller
// is expected to already know, from function_id, what type v should be;
// SchemaTag is informative/debugging metadata, not enforced at decode
// time).
func DecodePayload(p Payload, v any) error {
	return Decode(p.Bytes, v)
}
