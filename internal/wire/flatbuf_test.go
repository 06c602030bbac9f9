package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFlatbufferSniffsMagicBytes(t *testing.T) {
	buf := make([]byte, 8)
	copy(buf[4:8], FlatbufferMagic)
	assert.True(t, IsFlatbuffer(buf))
}

func TestIsFlatbufferRejectsProtobufFrame(t *testing.T) {
	var pb []byte
	pb = EncodeVarintField(pb, 2, 55)
	assert.False(t, IsFlatbuffer(pb))
}

func TestIsFlatbufferRejectsShortFrame(t *testing.T) {
	assert.False(t, IsFlatbuffer([]byte{1, 2, 3}))
}

func TestDecodeFlatbufferRejectsShortPayload(t *testing.T) {
	_, err := DecodeFlatbuffer(DefaultFlatRegistry(), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortFlatbuffer)
}
