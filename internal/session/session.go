// Package session implements the vehicle session manager and command
// signer: ECDH handshake against the vehicle, HMAC-SHA256 tag derivation,
// TLV metadata encoding, and per-(vin,domain) signed command assembly.
package session

import (
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/99souls/vinbridge/internal/obstrace"
	"github.com/99souls/vinbridge/internal/telemetry"
)

// Domain identifies which vehicle subsystem a session is scoped to.
type Domain uint8

const (
	VehicleSecurity Domain = 2
	Infotainment    Domain = 3
)

const (
	sigTypeHMACPersonalized = 8
	defaultCommandTTL       = 5 * time.Second
	sessionTTL              = 5 * time.Minute
)

var (
	// ErrTransport wraps a failure to reach the vehicle at all; no counter
	// is consumed and the caller may retry freely.
	ErrTransport = errors.New("session: transport error")
	// ErrHandshakeFailed means the session-info HMAC tag didn't verify, or
	// the vehicle refused the handshake outright.
	ErrHandshakeFailed = errors.New("session: handshake failed")
	// ErrSignatureMismatch means two consecutive signed commands were
	// rejected by the vehicle as invalid after a re-handshake.
	ErrSignatureMismatch = errors.New("session: signature mismatch")
	// ErrKeyNotEnrolled is surfaced unchanged from a 403/404-class REST
	// response; the local key has not been paired with the vehicle.
	ErrKeyNotEnrolled = errors.New("session: signing key not enrolled")
)

// Transport is the REST relay used to exchange handshake and signed-command
// envelopes with the vehicle, implemented by internal/restclient.
type Transport interface {
	PostSignedCommand(ctx context.Context, vin telemetry.VehicleID, body []byte) (resp []byte, statusClass StatusClass, err error)
}

// StatusClass distinguishes the REST outcomes C1 must branch on.
type StatusClass int

const (
	StatusOK StatusClass = iota
	StatusSignatureMismatch
	StatusKeyNotEnrolled
	StatusOtherError
)

// key identifies a cached session.
type key struct {
	vin    telemetry.VehicleID
	domain Domain
}

// liveSession is the cached per-(vin,domain) session state.
type liveSession struct {
	mu sync.Mutex

	sharedKey      [16]byte
	signingKey     [32]byte
	sessionInfoKey [32]byte
	epoch          []byte
	counter        uint32
	clockOffset    time.Duration
	establishedAt  time.Time

	localPriv *ecdh.PrivateKey
	localPub  []byte // 65-byte uncompressed P-256 public key
}

func (s *liveSession) expired(now time.Time) bool {
	return now.Sub(s.establishedAt) > sessionTTL
}

// Manager owns the session cache and signing operations. Handshake and
// increment operations for a given (vin, domain) are serialized by that
// session's own mutex; different keys sign independently in parallel.
type Manager struct {
	transport Transport
	registry  CommandRegistry

	mu       sync.RWMutex
	sessions map[key]*liveSession
}

// CommandRegistry resolves the metadata a command needs beyond payload
// bytes (its domain), supplied by C2.
type CommandRegistry interface {
	DomainFor(commandName string) (Domain, bool)
}

func New(transport Transport, registry CommandRegistry) *Manager {
	return &Manager{transport: transport, registry: registry, sessions: make(map[key]*liveSession)}
}

// Sign produces a signed command envelope ready for base64 encoding and
// POSTing. ctx governs every transport call Sign makes, including any
// handshake/re-handshake it triggers along the way, so a caller's
// cancellation aborts an in-progress handshake or sign POST rather than
// leaving it to run to completion.
func (m *Manager) Sign(ctx context.Context, vin telemetry.VehicleID, commandName string, payload []byte) ([]byte, error) {
	ctx, span := obstrace.Tracer("session").Start(ctx, "session.sign")
	defer span.End()

	domain, ok := m.registry.DomainFor(commandName)
	if !ok {
		return nil, fmt.Errorf("session: unknown command %q", commandName)
	}

	sess, err := m.acquire(vin, domain)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.expired(time.Now()) {
		if err := m.handshakeLocked(ctx, vin, domain, sess); err != nil {
			return nil, err
		}
	}

	env, err := m.signLocked(ctx, vin, domain, sess, payload)
	if err == nil {
		return env, nil
	}
	if !errors.Is(err, ErrSignatureMismatch) {
		return nil, err
	}

	// One re-handshake retry on a signature mismatch before giving up.
	if err := m.handshakeLocked(ctx, vin, domain, sess); err != nil {
		return nil, err
	}
	env, err = m.signLocked(ctx, vin, domain, sess, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return env, nil
}

// Invalidate discards the cached session for (vin, domain); the next Sign
// call re-handshakes. ctx is accepted for symmetry with Sign and future
// transport-backed invalidation but is currently unused — discarding a
// cached session is a local map operation with nothing to cancel.
func (m *Manager) Invalidate(ctx context.Context, vin telemetry.VehicleID, domain Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key{vin, domain})
}

func (m *Manager) acquire(vin telemetry.VehicleID, domain Domain) (*liveSession, error) {
	k := key{vin, domain}

	m.mu.RLock()
	sess, ok := m.sessions[k]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	priv, err := ecdh.P256().GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("session: generate key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[k]; ok {
		return sess, nil
	}
	sess = &liveSession{localPriv: priv, localPub: priv.PublicKey().Bytes()}
	m.sessions[k] = sess
	return sess, nil
}

// handshakeResponse is what the vehicle's session-info reply decodes to.
type handshakeResponse struct {
	peerPub     []byte
	epoch       []byte
	counter     uint32
	vehicleTime time.Time
	infoTag     []byte
}

func (m *Manager) handshakeLocked(ctx context.Context, vin telemetry.VehicleID, domain Domain, sess *liveSession) error {
	ctx, span := obstrace.Tracer("session").Start(ctx, "session.handshake")
	defer span.End()

	envelope := buildHandshakeEnvelope(domain, sess.localPub)

	raw, class, err := m.transport.PostSignedCommand(ctx, vin, envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	switch class {
	case StatusKeyNotEnrolled:
		return ErrKeyNotEnrolled
	case StatusSignatureMismatch, StatusOtherError:
		return ErrHandshakeFailed
	}

	resp, err := decodeHandshakeResponse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	peerPub, err := ecdh.P256().NewPublicKey(resp.peerPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	shared, err := sess.localPriv.ECDH(peerPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	digest := sha1.Sum(shared)
	var sharedKey [16]byte
	copy(sharedKey[:], digest[:16])

	signingKey := hmacDerive(sharedKey[:], "authenticated command")
	sessionInfoKey := hmacDerive(sharedKey[:], "session info")

	if !hmac.Equal(resp.infoTag, computeTag(sessionInfoKey[:], nil, nil, 32)) {
		return ErrHandshakeFailed
	}

	sess.sharedKey = sharedKey
	sess.signingKey = signingKey
	sess.sessionInfoKey = sessionInfoKey
	sess.epoch = resp.epoch
	sess.counter = resp.counter
	sess.clockOffset = resp.vehicleTime.Sub(time.Now())
	sess.establishedAt = time.Now()
	return nil
}

func (m *Manager) signLocked(ctx context.Context, vin telemetry.VehicleID, domain Domain, sess *liveSession, payload []byte) ([]byte, error) {
	nextCounter := sess.counter + 1
	expiresAt := uint32(time.Now().Add(sess.clockOffset).Add(defaultCommandTTL).Unix())

	meta := encodeMetadata(domain, string(vin), sess.epoch, expiresAt, nextCounter, 0)

	tagLen := 32
	if domain == VehicleSecurity {
		tagLen = 17
	}
	// meta ends in the separator that computeTag writes itself.
	tag := computeTag(sess.signingKey[:], meta[:len(meta)-1], payload, tagLen)

	envelope := assembleEnvelope(sess.localPub, sess.epoch, nextCounter, expiresAt, tag, payload)

	resp, class, err := m.transport.PostSignedCommand(ctx, vin, envelope)
	_ = resp
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	switch class {
	case StatusSignatureMismatch:
		return nil, ErrSignatureMismatch
	case StatusKeyNotEnrolled:
		return nil, ErrKeyNotEnrolled
	case StatusOtherError:
		return nil, fmt.Errorf("session: command rejected")
	}

	sess.counter = nextCounter
	return envelope, nil
}

func hmacDerive(key []byte, label string) [32]byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(label))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func computeTag(key []byte, meta []byte, payload []byte, truncateTo int) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(meta)
	h.Write([]byte{0xFF})
	h.Write(payload)
	sum := h.Sum(nil)
	if truncateTo >= len(sum) {
		return sum
	}
	return sum[:truncateTo]
}

// TLV tags for the command metadata block.
const (
	tagSignatureType   = 0x00
	tagDomain          = 0x01
	tagPersonalization = 0x02
	tagEpoch           = 0x03
	tagExpiresAt       = 0x04
	tagCounter         = 0x05
	tagFlags           = 0x07
	tlvSeparator       = 0xFF
)

// encodeMetadata builds the ordered TLV sequence (tags ascending) the spec
// requires, ending in the bare 0xFF separator byte.
func encodeMetadata(domain Domain, vin string, epoch []byte, expiresAt, counter, flags uint32) []byte {
	var buf []byte
	buf = appendTLV(buf, tagSignatureType, []byte{sigTypeHMACPersonalized})
	buf = appendTLV(buf, tagDomain, []byte{byte(domain)})
	buf = appendTLV(buf, tagPersonalization, []byte(vin))
	buf = appendTLV(buf, tagEpoch, epoch)
	buf = appendTLV(buf, tagExpiresAt, beUint32(expiresAt))
	buf = appendTLV(buf, tagCounter, beUint32(counter))
	buf = appendTLV(buf, tagFlags, beUint32(flags))
	buf = append(buf, tlvSeparator)
	return buf
}

func appendTLV(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag, byte(len(value)))
	return append(buf, value...)
}

func beUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// decodeTLV parses an encodeMetadata-shaped buffer back into its tag/value
// pairs, stopping at the 0xFF separator. Used by tests to assert the
// encode/decode round trip.
func decodeTLV(buf []byte) (map[byte][]byte, error) {
	out := make(map[byte][]byte)
	i := 0
	for i < len(buf) {
		tag := buf[i]
		if tag == tlvSeparator {
			return out, nil
		}
		if i+1 >= len(buf) {
			return nil, fmt.Errorf("session: truncated TLV at tag 0x%02x", tag)
		}
		length := int(buf[i+1])
		if i+2+length > len(buf) {
			return nil, fmt.Errorf("session: TLV value overruns buffer for tag 0x%02x", tag)
		}
		out[tag] = buf[i+2 : i+2+length]
		i += 2 + length
	}
	return nil, errors.New("session: TLV metadata missing separator")
}

// buildHandshakeEnvelope and assembleEnvelope/decodeHandshakeResponse use a
// small length-prefixed wire shape private to this package; the vehicle
// relay only needs to echo back what it issued, so the exact bytes are an
// implementation detail of this binary, not a shared wire contract.

func buildHandshakeEnvelope(domain Domain, localPub []byte) []byte {
	buf := []byte{byte(domain)}
	buf = append(buf, beUint32(uint32(len(localPub)))...)
	buf = append(buf, localPub...)
	return buf
}

func assembleEnvelope(localPub, epoch []byte, counter, expiresAt uint32, tag, payload []byte) []byte {
	var buf []byte
	buf = appendChunk(buf, localPub)
	buf = appendChunk(buf, epoch)
	buf = append(buf, beUint32(counter)...)
	buf = append(buf, beUint32(expiresAt)...)
	buf = appendChunk(buf, tag)
	buf = appendChunk(buf, payload)
	return buf
}

func appendChunk(buf, chunk []byte) []byte {
	buf = append(buf, beUint32(uint32(len(chunk)))...)
	return append(buf, chunk...)
}

func decodeHandshakeResponse(raw []byte) (handshakeResponse, error) {
	r := raw
	peerPub, r, err := readChunk(r)
	if err != nil {
		return handshakeResponse{}, err
	}
	epoch, r, err := readChunk(r)
	if err != nil {
		return handshakeResponse{}, err
	}
	if len(r) < 12 {
		return handshakeResponse{}, errors.New("session: truncated handshake response")
	}
	counter := binary.BigEndian.Uint32(r[0:4])
	vehicleUnix := binary.BigEndian.Uint32(r[4:8])
	infoTagLen := binary.BigEndian.Uint32(r[8:12])
	r = r[12:]
	if uint32(len(r)) < infoTagLen {
		return handshakeResponse{}, errors.New("session: truncated handshake info tag")
	}
	infoTag := r[:infoTagLen]

	return handshakeResponse{
		peerPub:     peerPub,
		epoch:       epoch,
		counter:     counter,
		vehicleTime: time.Unix(int64(vehicleUnix), 0),
		infoTag:     infoTag,
	}, nil
}

func readChunk(r []byte) (chunk, rest []byte, err error) {
	if len(r) < 4 {
		return nil, nil, errors.New("session: truncated chunk length")
	}
	n := binary.BigEndian.Uint32(r[0:4])
	r = r[4:]
	if uint32(len(r)) < n {
		return nil, nil, errors.New("session: truncated chunk value")
	}
	return r[:n], r[n:], nil
}
