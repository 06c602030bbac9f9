package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeProtobufVarintField(t *testing.T) {
	var buf []byte
	buf = EncodeVarintField(buf, 2, 55) // soc

	fields, err := DecodeProtobuf(DefaultRegistry(), buf)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "soc", fields[0].Name)
	assert.Equal(t, uint64(55), fields[0].Varint)
	assert.Equal(t, protowire.VarintType, fields[0].Type)
}

func TestDecodeProtobufUnknownFieldNumberGetsGenericName(t *testing.T) {
	var buf []byte
	buf = EncodeVarintField(buf, 99, 1)

	fields, err := DecodeProtobuf(DefaultRegistry(), buf)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "field99", fields[0].Name)
}

func TestDecodeProtobufBytesField(t *testing.T) {
	var buf []byte
	buf = EncodeBytesField(buf, 1, []byte("hello"))

	fields, err := DecodeProtobuf(DefaultRegistry(), buf)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "location", fields[0].Name)
	assert.Equal(t, []byte("hello"), fields[0].Bytes)
}

func TestDecodeProtobufMultipleFields(t *testing.T) {
	var buf []byte
	buf = EncodeVarintField(buf, 2, 42)
	buf = EncodeVarintField(buf, 5, 65)

	fields, err := DecodeProtobuf(DefaultRegistry(), buf)
	require.NoError(t, err)
	require.Len(t, fields, 2)
}
