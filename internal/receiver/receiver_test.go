package receiver

import (
	"context"
	"crypto/sha256"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/99souls/vinbridge/internal/fanout"
	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/99souls/vinbridge/internal/wire"
)

const testVIN = "5YJ3E1EA1NF000000"

// capturingSink records the last frame delivered, used to assert a decoded
// frame reached the fanout after a successful handshake.
type capturingSink struct {
	mu    sync.Mutex
	frame *telemetry.Frame
}

func (c *capturingSink) Name() string { return "test-capture" }
func (c *capturingSink) Deliver(_ context.Context, frame *telemetry.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame = frame
	return nil
}
func (c *capturingSink) last() *telemetry.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

func startTestServer(t *testing.T, lookup KeyLookup, fo *fanout.Fanout) (string, func()) {
	t.Helper()
	srv := New(lookup, fo, nil)
	ts := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return wsURL, ts.Close
}

func signHello(t *testing.T, priv *secp256k1.PrivateKey, nonce []byte, vin string) []byte {
	t.Helper()
	digest := sha256.Sum256(nonce)
	sig, err := schnorr.Sign(priv, digest[:])
	require.NoError(t, err)

	hello := append([]byte{byte(len(vin))}, []byte(vin)...)
	return append(hello, sig.Serialize()...)
}

func TestHandshakeSucceedsAndFrameReachesFanout(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	lookup := func(vin telemetry.VehicleID) (*secp256k1.PublicKey, bool) {
		if string(vin) == testVIN {
			return priv.PubKey(), true
		}
		return nil, false
	}

	fo := fanout.New()
	sink := &capturingSink{}
	fo.Register(sink)
	fo.Start()
	defer fo.Stop()

	url, closeFn := startTestServer(t, lookup, fo)
	defer closeFn()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, nonce, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, signHello(t, priv, nonce, testVIN)))

	var buf []byte
	buf = wire.EncodeVarintField(buf, 2, 55) // soc
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf))

	require.Eventually(t, func() bool { return sink.last() != nil }, time.Second, 10*time.Millisecond)

	v, ok := sink.last().Get(telemetry.Soc)
	require.True(t, ok)
	got, _ := v.Float()
	require.Equal(t, 55.0, got)
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	lookup := func(vin telemetry.VehicleID) (*secp256k1.PublicKey, bool) {
		return priv.PubKey(), true
	}
	fo := fanout.New()
	fo.Start()
	defer fo.Stop()

	url, closeFn := startTestServer(t, lookup, fo)
	defer closeFn()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, nonce, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, signHello(t, other, nonce, testVIN)))

	_, _, err = conn.ReadMessage()
	require.Error(t, err, "server must close the connection on signature mismatch")
}

func TestDeviceIdentityIsDeterministic(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	a := DeviceIdentity(pub)
	b := DeviceIdentity(pub)
	require.Equal(t, a, b)
}
