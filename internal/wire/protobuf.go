// Package wire decodes the two inbound vehicle telemetry encodings: a
// protobuf Payload and a FlatBuffer Payload, auto-detected by magic bytes.
// Decoding here intentionally avoids generated .pb.go/.fbs bindings (the
// vehicle schema isn't ours to codegen against) and instead walks the
// wire format directly with google.golang.org/protobuf's low-level
// protowire helpers.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FieldSpec maps a protobuf field number to a raw field name and the wire
// type the vehicle firmware encodes it as.
type FieldSpec struct {
	Number int32
	Name   string
	Type   protowire.Type
}

// Registry is a static field-number -> FieldSpec table, equivalent in shape
// to CommandSpec's static registry in C2.
type Registry map[int32]FieldSpec

// DefaultRegistry covers the common telemetry fields; unknown field numbers
// decode to a generic "fieldN" name rather than being dropped, so a
// firmware field added after this registry was written still survives the
// decode (the mapper further up the pipeline decides whether anything
// downstream cares about it).
func DefaultRegistry() Registry {
	return Registry{
		1: {1, "location", protowire.BytesType},
		2: {2, "soc", protowire.VarintType},
		3: {3, "inside_temp", protowire.Fixed32Type},
		4: {4, "outside_temp", protowire.Fixed32Type},
		5: {5, "vehicle_speed", protowire.VarintType},
		6: {6, "charge_state", protowire.VarintType},
		7: {7, "gear", protowire.VarintType},
		8: {8, "locked", protowire.VarintType},
		9: {9, "sentry_mode", protowire.VarintType},
		10: {10, "est_battery_range", protowire.Fixed64Type},
		11: {11, "odometer", protowire.Fixed64Type},
	}
}

// RawField is one decoded protobuf field, still in wire-native form; the
// caller (the telemetry mapper) interprets Varint/Fixed32/Fixed64/Bytes
// according to the field's known semantics.
type RawField struct {
	Name    string
	Varint  uint64
	Fixed32 uint32
	Fixed64 uint64
	Bytes   []byte
	Type    protowire.Type
}

// DecodeProtobuf walks a length-delimited protobuf message and returns one
// RawField per decoded field. Fields of other wire types (groups) are
// skipped; a malformed tag or value stops the walk and returns the fields
// decoded so far together with an error.
func DecodeProtobuf(reg Registry, data []byte) ([]RawField, error) {
	var out []RawField
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return out, fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		var rf RawField
		rf.Type = typ
		if spec, ok := reg[int32(num)]; ok {
			rf.Name = spec.Name
		} else {
			rf.Name = fmt.Sprintf("field%d", num)
		}

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return out, fmt.Errorf("wire: bad varint field %d: %w", num, protowire.ParseError(m))
			}
			rf.Varint = v
			data = data[m:]
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(data)
			if m < 0 {
				return out, fmt.Errorf("wire: bad fixed32 field %d: %w", num, protowire.ParseError(m))
			}
			rf.Fixed32 = v
			data = data[m:]
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(data)
			if m < 0 {
				return out, fmt.Errorf("wire: bad fixed64 field %d: %w", num, protowire.ParseError(m))
			}
			rf.Fixed64 = v
			data = data[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return out, fmt.Errorf("wire: bad bytes field %d: %w", num, protowire.ParseError(m))
			}
			rf.Bytes = v
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(protowire.Number(num), typ, data)
			if m < 0 {
				return out, fmt.Errorf("wire: unsupported field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}
		out = append(out, rf)
	}
	return out, nil
}

// EncodeVarintField appends a varint-typed field in standard protobuf wire
// form.
func EncodeVarintField(dst []byte, num int32, v uint64) []byte {
	dst = protowire.AppendTag(dst, protowire.Number(num), protowire.VarintType)
	return protowire.AppendVarint(dst, v)
}

// EncodeBytesField appends a length-delimited field.
func EncodeBytesField(dst []byte, num int32, v []byte) []byte {
	dst = protowire.AppendTag(dst, protowire.Number(num), protowire.BytesType)
	return protowire.AppendBytes(dst, v)
}
