package wire

import (
	"encoding/binary"
	"errors"

	flatbuffers "github.com/google/flatbuffers/go"
	"google.golang.org/protobuf/encoding/protowire"
)

// FlatbufferMagic is the 4-byte file identifier the vehicle firmware writes
// at the front of a FlatBuffer-encoded Payload.
const FlatbufferMagic = "TLFB"

// IsFlatbuffer sniffs the leading bytes of a message to decide which of the
// two supported wire encodings (protobuf vs FlatBuffer) applies.
func IsFlatbuffer(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	return string(data[4:8]) == FlatbufferMagic
}

// ErrShortFlatbuffer is returned when a message claims the FlatBuffer magic
// but is too short to contain a valid root table offset.
var ErrShortFlatbuffer = errors.New("wire: flatbuffer payload shorter than root offset")

// FlatFieldSpec maps a FlatBuffer vtable slot to a raw field name and its
// scalar width, mirroring protobuf's Registry for the alternate encoding.
type FlatFieldSpec struct {
	Slot  flatbuffers.VOffsetT
	Name  string
	Width int // 4 or 8 bytes; 0 means variable-length (string/struct), not read generically
}

// DefaultFlatRegistry assigns vtable slots 4, 6, 8, ... (flatbuffers
// reserves slot 0 for vtable size / offset bookkeeping; user fields start at
// index 0 -> byte offset 4).
func DefaultFlatRegistry() []FlatFieldSpec {
	return []FlatFieldSpec{
		{Slot: 4, Name: "soc", Width: 8},
		{Slot: 6, Name: "vehicle_speed", Width: 8},
		{Slot: 8, Name: "odometer", Width: 8},
		{Slot: 10, Name: "locked", Width: 4},
		{Slot: 12, Name: "sentry_mode", Width: 4},
		{Slot: 14, Name: "gear", Width: 4},
	}
}

// DecodeFlatbuffer reads the root table of a FlatBuffer Payload and returns
// one RawField per populated 4- or 8-byte scalar slot in reg. Slots of any
// other width (Location and other variable-length fields) are skipped and
// not decoded anywhere, since flatbuffers.Table doesn't expose a generic
// "read a nested struct" path without generated accessors.
func DecodeFlatbuffer(reg []FlatFieldSpec, data []byte) ([]RawField, error) {
	if len(data) < 12 {
		return nil, ErrShortFlatbuffer
	}
	// The root table offset is a uoffset_t at the very start of the
	// buffer; the 4-byte file identifier follows it (bytes 4:8).
	rootOffset := binary.LittleEndian.Uint32(data[0:4])
	if int(rootOffset) >= len(data) {
		return nil, ErrShortFlatbuffer
	}
	tbl := &flatbuffers.Table{Bytes: data, Pos: rootOffset}

	var out []RawField
	for _, spec := range reg {
		off := flatbuffers.UOffsetT(tbl.Offset(spec.Slot))
		if off == 0 {
			continue // field absent from this frame's vtable
		}
		pos := tbl.Pos + flatbuffers.UOffsetT(off)
		rf := RawField{Name: spec.Name}
		switch spec.Width {
		case 4:
			rf.Varint = uint64(tbl.GetUint32(pos))
			rf.Type = protowire.VarintType
		case 8:
			rf.Fixed64 = tbl.GetUint64(pos)
			rf.Type = protowire.Fixed64Type
		default:
			continue
		}
		out = append(out, rf)
	}
	return out, nil
}
