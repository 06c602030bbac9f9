// Package gateway implements the gateway client: a persistent
// JSON-RPC-over-WebSocket connection to the remote agent gateway, with an
// Ed25519 device identity, exponential backoff reconnect, and request-id
// correlated send/receive.
package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/99souls/vinbridge/internal/filter"
	"github.com/99souls/vinbridge/internal/obsmetrics"
	"github.com/99souls/vinbridge/internal/obstrace"
	"github.com/99souls/vinbridge/internal/trigger"
)

// State is the client's connection state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateAuthenticated
	StateActive
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

const (
	backoffBase   = time.Second
	backoffMax    = 60 * time.Second
	backoffFactor = 2
	requestTimeout = 10 * time.Second
)

// Envelope is the JSON-RPC-ish wire shape exchanged over the gateway socket.
type Envelope struct {
	Type   string          `json:"type"`
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// InvokeHandler dispatches an inbound node.invoke.request to the command
// dispatcher and returns the result to wrap in a node.invoke.result
// response.
type InvokeHandler func(method string, params json.RawMessage) (json.RawMessage, error)

// Client manages one persistent gateway connection.
type Client struct {
	url       string
	deviceID  string
	signKey   ed25519.PrivateKey
	handler   InvokeHandler
	log       *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state atomic.Int32

	nextID   atomic.Int64
	pending  map[int64]chan Envelope
	pendingMu sync.Mutex

	stopCh  chan struct{}
	metrics *obsmetrics.Provider
}

// SetMetrics wires the reconnect-count and connection-state instruments;
// nil (the default) disables metrics emission without changing behavior.
func (c *Client) SetMetrics(m *obsmetrics.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// New loads or creates the Ed25519 device identity at keyPath (0600) and
// constructs a client for url.
func New(url, keyPath string, handler InvokeHandler, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	priv, err := loadOrCreateDeviceKey(keyPath)
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	id := base64.RawURLEncoding.EncodeToString(sum[:])

	c := &Client{
		url:      url,
		deviceID: id,
		signKey:  priv,
		handler:  handler,
		log:      log,
		pending:  make(map[int64]chan Envelope),
		stopCh:   make(chan struct{}),
	}
	c.state.Store(int32(StateIdle))
	return c, nil
}

func loadOrCreateDeviceKey(path string) (ed25519.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil && len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: generate device key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("gateway: create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("gateway: persist device key: %w", err)
	}
	return priv, nil
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.GatewayState.Set(float64(s))
	}
}

// Run drives the connect/handshake/active/backoff loop until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if attempt > 0 && c.metrics != nil {
			c.metrics.GatewayReconnects.Inc()
		}
		c.setState(StateConnecting)
		if err := c.connectAndServe(ctx); err != nil {
			c.log.Warn("gateway: connection ended", "error", err, "attempt", attempt)
		}
		attempt++

		c.setState(StateBackoff)
		delay := c.backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	d := float64(backoffBase) * pow(backoffFactor, attempt-1)
	if d > float64(backoffMax) {
		d = float64(backoffMax)
	}
	jitter := d * 0.10 * rand.Float64()
	return time.Duration(d + jitter)
}

func pow(base float64, exp int) float64 {
	if exp < 0 {
		return 1
	}
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("gateway: dial: %w", err)
	}
	defer conn.Close()
	// A reset connection will never answer the requests still waiting on
	// it, so their correlator slots are released here.
	defer func() {
		c.pendingMu.Lock()
		clear(c.pending)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateHandshaking)
	if err := c.handshake(conn); err != nil {
		return fmt.Errorf("gateway: handshake: %w", err)
	}
	c.setState(StateActive)
	c.sendLifecycleEvent(conn, "node.connected")
	defer c.sendLifecycleEvent(conn, "node.disconnecting")

	return c.readLoop(conn)
}

// handshake performs the connect.challenge/connect/hello-ok exchange.
func (c *Client) handshake(conn *websocket.Conn) error {
	var challenge Envelope
	if err := conn.ReadJSON(&challenge); err != nil {
		return err
	}
	if challenge.Method != "connect.challenge" {
		return errors.New("gateway: expected connect.challenge")
	}
	var params struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(challenge.Params, &params); err != nil {
		return err
	}

	signedAt := time.Now().Unix()
	signingString := fmt.Sprintf("v2|%s|%s|node|node|node.telemetry,node.command|%d|%s|%s",
		c.deviceID, c.deviceID, signedAt, "", params.Nonce)
	sig := ed25519.Sign(c.signKey, []byte(signingString))

	connectParams, _ := json.Marshal(map[string]any{
		"role":       "node",
		"scopes":     []string{"node.telemetry", "node.command"},
		"deviceId":   c.deviceID,
		"signature":  base64.StdEncoding.EncodeToString(sig),
		"signedAt":   signedAt,
	})
	req := Envelope{Type: "req", ID: c.nextID.Add(1), Method: "connect", Params: connectParams}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}

	var resp Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return err
	}
	if resp.Method != "hello-ok" && resp.Type != "res" {
		return errors.New("gateway: handshake rejected")
	}
	c.setState(StateAuthenticated)
	return nil
}

func (c *Client) sendLifecycleEvent(conn *websocket.Conn, eventType string) {
	params, _ := json.Marshal(map[string]any{"event_type": eventType})
	env := Envelope{Type: "evt", Method: "req:agent", Params: params}
	_ = conn.WriteJSON(env)
}

// PublishEvent wraps a filter.Event as a req:agent outbound event, used by
// the emission filter's publish path; a no-op when not connected.
func (c *Client) PublishEvent(ctx context.Context, event filter.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	params, err := json.Marshal(map[string]any{"event_type": event.Type, "data": event.Data})
	if err != nil {
		return err
	}
	env := Envelope{Type: "evt", Method: "req:agent", Params: params}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return nil
	}
	return conn.WriteJSON(env)
}

// PushTriggerNotification implements trigger.PushSink: when connected, a
// trigger firing is pushed immediately as a req:agent event in addition to
// being deposited in the poll deque for pull-based delivery.
func (c *Client) PushTriggerNotification(n trigger.Notification) {
	_ = c.PublishEvent(context.Background(), filter.Event{
		Type: "trigger.fired",
		Data: map[string]any{
			"trigger_id": n.TriggerID,
			"field":      string(n.Field),
			"operator":   string(n.Operator),
			"value":      n.Value.GoString(),
			"fired_at":   n.FiredAt,
			"vin":        string(n.VIN),
		},
	})
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		switch {
		case env.Type == "res":
			c.routeResponse(env)
		case env.Method == "node.invoke.request":
			go c.handleInvoke(conn, env)
		}
	}
}

func (c *Client) routeResponse(env Envelope) {
	id, ok := toInt64(env.ID)
	if !ok {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func (c *Client) handleInvoke(conn *websocket.Conn, env Envelope) {
	_, span := obstrace.Tracer("gateway").Start(context.Background(), "gateway.handle_invoke")
	defer span.End()

	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(env.Params, &req); err != nil {
		c.log.Warn("gateway: malformed invoke request", "error", err)
		return
	}

	result, err := c.handler(req.Method, req.Params)
	resp := Envelope{Type: "res", ID: env.ID, Method: "node.invoke.result"}
	if err != nil {
		resp.Error = &RPCError{Code: 1, Message: err.Error()}
	} else {
		resp.Result = result
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = conn.WriteJSON(resp)
	}
}

// Invoke sends an outbound request and awaits its response by id, with a
// default 10s timeout. Cancellation does not consume the correlator slot
// until the server answers or the connection resets.
func (c *Client) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := obstrace.Tracer("gateway").Start(ctx, "gateway.invoke")
	defer span.End()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("gateway: not connected")
	}

	id := c.nextID.Add(1)
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := Envelope{Type: "req", ID: id, Method: method, Params: paramBytes}
	if err := conn.WriteJSON(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case env := <-ch:
		if env.Error != nil {
			return nil, fmt.Errorf("gateway: %s (code %d)", env.Error.Message, env.Error.Code)
		}
		return env.Result, nil
	case <-timeoutCtx.Done():
		return nil, timeoutCtx.Err()
	}
}
