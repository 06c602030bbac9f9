package session

import (
	"context"
	"crypto/ecdh"
	crand "crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"testing"
	"time"

	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLVMetadataRoundTrips(t *testing.T) {
	buf := encodeMetadata(VehicleSecurity, "5YJ3E1EA1NF000000", []byte{0x01, 0x02}, 123, 7, 0)
	decoded, err := decodeTLV(buf)
	require.NoError(t, err)

	assert.Equal(t, []byte{sigTypeHMACPersonalized}, decoded[tagSignatureType])
	assert.Equal(t, []byte{byte(VehicleSecurity)}, decoded[tagDomain])
	assert.Equal(t, "5YJ3E1EA1NF000000", string(decoded[tagPersonalization]))
	assert.Equal(t, []byte{0x01, 0x02}, decoded[tagEpoch])
	assert.Equal(t, uint32(123), binary.BigEndian.Uint32(decoded[tagExpiresAt]))
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(decoded[tagCounter]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(decoded[tagFlags]))
}

func TestComputeTagTruncation(t *testing.T) {
	key := make([]byte, 32)
	full := computeTag(key, []byte("meta"), []byte("payload"), 32)
	require.Len(t, full, 32)

	short := computeTag(key, []byte("meta"), []byte("payload"), 17)
	require.Len(t, short, 17)
	assert.Equal(t, full[:17], short)
}

type fakeTransport struct {
	vehiclePriv *ecdh.PrivateKey
	counter     uint32
	epoch       []byte
	nextClass   StatusClass
}

func newFakeTransport(t *testing.T) *fakeTransport {
	priv, err := ecdh.P256().GenerateKey(crand.Reader)
	require.NoError(t, err)
	return &fakeTransport{vehiclePriv: priv, epoch: []byte{0xAB, 0xCD}}
}

func (f *fakeTransport) PostSignedCommand(ctx context.Context, vin telemetry.VehicleID, body []byte) ([]byte, StatusClass, error) {
	if len(body) > 0 && body[0] == byte(VehicleSecurity) || (len(body) > 0 && body[0] == byte(Infotainment)) {
		// Handshake request: body[0] is the domain byte for our envelope shape.
		localPubLen := binary.BigEndian.Uint32(body[1:5])
		localPub := body[5 : 5+localPubLen]
		localKey, err := ecdh.P256().NewPublicKey(localPub)
		if err != nil {
			return nil, StatusOtherError, err
		}
		shared, err := f.vehiclePriv.ECDH(localKey)
		if err != nil {
			return nil, StatusOtherError, err
		}
		digest := sha1.Sum(shared)
		sharedDigest := digest[:16]
		sessionInfoKey := hmacDerive(sharedDigest, "session info")
		infoTag := computeTag(sessionInfoKey[:], nil, nil, 32)

		resp := appendChunk(nil, f.vehiclePriv.PublicKey().Bytes())
		resp = appendChunk(resp, f.epoch)
		resp = append(resp, beUint32(f.counter)...)
		resp = append(resp, beUint32(uint32(time.Now().Unix()))...)
		resp = appendChunk(resp, infoTag)
		return resp, StatusOK, nil
	}
	if f.nextClass != StatusOK {
		c := f.nextClass
		f.nextClass = StatusOK
		return nil, c, nil
	}
	f.counter++
	return nil, StatusOK, nil
}

type fakeRegistry struct{ domain Domain }

func (r fakeRegistry) DomainFor(name string) (Domain, bool) { return r.domain, true }

func TestSignEstablishesSessionAndIncrementsCounterMonotonically(t *testing.T) {
	transport := newFakeTransport(t)
	mgr := New(transport, fakeRegistry{domain: VehicleSecurity})
	vin := telemetry.VehicleID("5YJ3E1EA1NF000000")

	var counters []uint32
	for i := 0; i < 3; i++ {
		env, err := mgr.Sign(context.Background(), vin, "door.lock", []byte("payload"))
		require.NoError(t, err)
		require.NotEmpty(t, env)

		mgr.mu.RLock()
		sess := mgr.sessions[key{vin, VehicleSecurity}]
		mgr.mu.RUnlock()
		counters = append(counters, sess.counter)
	}

	require.Len(t, counters, 3)
	assert.Equal(t, counters[0]+1, counters[1])
	assert.Equal(t, counters[1]+1, counters[2])
}

func TestInvalidateForcesRehandshake(t *testing.T) {
	transport := newFakeTransport(t)
	mgr := New(transport, fakeRegistry{domain: Infotainment})
	vin := telemetry.VehicleID("5YJ3E1EA1NF000000")

	_, err := mgr.Sign(context.Background(), vin, "media.play", []byte("p"))
	require.NoError(t, err)

	mgr.Invalidate(context.Background(), vin, Infotainment)

	mgr.mu.RLock()
	_, stillCached := mgr.sessions[key{vin, Infotainment}]
	mgr.mu.RUnlock()
	assert.False(t, stillCached)
}
