// Package receiver implements the telemetry receiver: a WebSocket server
// that authenticates the vehicle with a Schnorr handshake over its
// registered secp256k1 public key, then decodes each subsequent binary
// message as a protobuf or FlatBuffer Payload and hands the resulting
// frame to the fanout.
package receiver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/99souls/vinbridge/internal/fanout"
	"github.com/99souls/vinbridge/internal/obsmetrics"
	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/99souls/vinbridge/internal/wire"
)

const nonceSize = 32

// closePolicyViolation is websocket close code 1008.
const closePolicyViolation = 1008

// KeyLookup resolves a vehicle's registered Schnorr public key by its
// claimed VIN; the receiver is constructed with this, not a static key, so
// multiple vehicles can connect to the same server.
type KeyLookup func(vin telemetry.VehicleID) (*secp256k1.PublicKey, bool)

// Stats tracks per-connection decode failure counts: decode errors are
// counted and logged, never close the connection.
type Stats struct {
	FramesDecoded  uint64
	DecodeFailures uint64
}

// Server accepts WebSocket telemetry connections and feeds decoded frames
// into the fanout.
type Server struct {
	upgrader    websocket.Upgrader
	lookupKey   KeyLookup
	fanout      *fanout.Fanout
	mapper      *telemetry.Mapper
	pbRegistry  wire.Registry
	fbRegistry  []wire.FlatFieldSpec
	log         *slog.Logger
	handshakeTO time.Duration
	metrics     *obsmetrics.Provider
}

// SetMetrics wires the frames-decoded counter; nil (the default) disables
// metrics emission without changing behavior.
func (s *Server) SetMetrics(m *obsmetrics.Provider) {
	s.metrics = m
}

func New(lookupKey KeyLookup, fo *fanout.Fanout, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		lookupKey:   lookupKey,
		fanout:      fo,
		mapper:      telemetry.NewMapper(),
		pbRegistry:  wire.DefaultRegistry(),
		fbRegistry:  wire.DefaultFlatRegistry(),
		log:         log,
		handshakeTO: 10 * time.Second,
	}
}

// ServeHTTP upgrades the connection and runs the handshake + frame loop.
// No origin check beyond TLS termination is performed here — that is
// delegated to the external tunnel.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("receiver: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	vin, err := s.handshake(conn)
	if err != nil {
		s.log.Warn("receiver: handshake failed", "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closePolicyViolation, "policy-violation"),
			time.Now().Add(time.Second))
		return
	}
	s.log.Info("receiver: vehicle authenticated", "vin", vin)

	s.frameLoop(conn, vin)
}

// HelloRequest is the first inbound message: a claimed VIN and a Schnorr
// signature over the server-issued nonce.
type HelloRequest struct {
	VIN       string
	Nonce     []byte // not populated by decodeHelloRequest; the signature is verified against the nonce the server issued
	Signature []byte
}

var ErrHandshakeFailed = errors.New("receiver: handshake failed")

// handshake issues a nonce, reads the HelloRequest, and verifies its
// Schnorr signature against the claimed VIN's registered public key.
func (s *Server) handshake(conn *websocket.Conn) (telemetry.VehicleID, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, nonce); err != nil {
		return "", err
	}

	conn.SetReadDeadline(time.Now().Add(s.handshakeTO))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	hello, err := decodeHelloRequest(raw)
	if err != nil {
		return "", err
	}

	vin, err := telemetry.ParseVIN(hello.VIN)
	if err != nil {
		return "", err
	}

	pub, ok := s.lookupKey(vin)
	if !ok {
		return "", ErrHandshakeFailed
	}

	sig, err := schnorr.ParseSignature(hello.Signature)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(nonce)
	if !sig.Verify(digest[:], pub) {
		return "", ErrHandshakeFailed
	}

	conn.SetReadDeadline(time.Time{})
	return vin, nil
}

// decodeHelloRequest parses the length-prefixed wire shape: 1-byte VIN
// length, VIN bytes, then the remaining bytes are the Schnorr signature.
func decodeHelloRequest(raw []byte) (HelloRequest, error) {
	if len(raw) < 1 {
		return HelloRequest{}, errors.New("receiver: empty hello request")
	}
	vinLen := int(raw[0])
	if len(raw) < 1+vinLen {
		return HelloRequest{}, errors.New("receiver: truncated hello request VIN")
	}
	vin := string(raw[1 : 1+vinLen])
	sig := raw[1+vinLen:]
	if len(sig) == 0 {
		return HelloRequest{}, errors.New("receiver: missing signature")
	}
	return HelloRequest{VIN: vin, Signature: sig}, nil
}

// frameLoop decodes each subsequent binary message and publishes a Frame
// to the fanout. Decode failures are counted and logged, never closing the
// connection; only a socket-level error ends the loop.
func (s *Server) frameLoop(conn *websocket.Conn, vin telemetry.VehicleID) {
	var stats Stats
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("receiver: connection closed", "vin", vin, "error", err, "decode_failures", stats.DecodeFailures)
			return
		}

		frame, err := s.decodeFrame(vin, raw)
		if err != nil {
			stats.DecodeFailures++
			s.log.Warn("receiver: frame decode failed", "vin", vin, "error", err)
			continue
		}
		stats.FramesDecoded++
		s.fanout.Publish(frame)
	}
}

func (s *Server) decodeFrame(vin telemetry.VehicleID, raw []byte) (*telemetry.Frame, error) {
	var fields []wire.RawField
	var err error
	format := "protobuf"
	if wire.IsFlatbuffer(raw) {
		format = "flatbuffer"
		fields, err = wire.DecodeFlatbuffer(s.fbRegistry, raw)
	} else {
		fields, err = wire.DecodeProtobuf(s.pbRegistry, raw)
	}
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.FramesDecoded.WithLabelValues(format).Inc()
	}

	frame := telemetry.NewFrame(vin, time.Now())
	for _, rf := range fields {
		name := s.mapper.Normalize(rf.Name)
		frame.Set(name, rawFieldToValue(rf))
	}
	return frame, nil
}

func rawFieldToValue(rf wire.RawField) telemetry.FieldValue {
	switch rf.Type {
	case protowire.VarintType:
		return telemetry.IntValue(int64(rf.Varint))
	case protowire.Fixed32Type:
		return telemetry.FloatValue(float64(rf.Fixed32))
	case protowire.Fixed64Type:
		return telemetry.FloatValue(float64(rf.Fixed64))
	case protowire.BytesType:
		return telemetry.StringValue(string(rf.Bytes))
	}
	return telemetry.StringValue("")
}

// DeviceIdentity computes the base64url SHA-256 digest of a public key. The
// gateway client derives its device id with the same digest but computes
// it inline rather than calling this function.
func DeviceIdentity(pub []byte) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

