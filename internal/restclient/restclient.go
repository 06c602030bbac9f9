// Package restclient is the REST transport signed and unsigned vehicle
// commands are POSTed through, with exponential backoff-with-jitter retry
// on transient failures.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/99souls/vinbridge/internal/obstrace"
	"github.com/99souls/vinbridge/internal/session"
	"github.com/99souls/vinbridge/internal/telemetry"
)

// Config controls the HTTP client and retry policy.
type Config struct {
	BaseURL       string
	BearerToken   string
	HTTPClient    *http.Client
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxRetries     int
}

func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:        baseURL,
		BearerToken:    token,
		HTTPClient:     &http.Client{Timeout: 10 * time.Second},
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		MaxRetries:     3,
	}
}

// Client implements session.Transport for signed commands and also serves
// C2's unsigned command path.
type Client struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log}
}

// PostSignedCommand implements session.Transport.
func (c *Client) PostSignedCommand(ctx context.Context, vin telemetry.VehicleID, body []byte) ([]byte, session.StatusClass, error) {
	url := fmt.Sprintf("%s/vehicles/%s/signed_command", c.cfg.BaseURL, vin)
	return c.postWithRetry(ctx, url, body, "application/octet-stream")
}

// PostUnsignedCommand POSTs JSON params to the unsigned command path used
// by C2 for Broadcast/non-signing commands.
func (c *Client) PostUnsignedCommand(ctx context.Context, vin telemetry.VehicleID, name string, params map[string]any) ([]byte, session.StatusClass, error) {
	url := fmt.Sprintf("%s/vehicles/%s/command/%s", c.cfg.BaseURL, vin, name)
	body, err := json.Marshal(params)
	if err != nil {
		return nil, session.StatusOtherError, fmt.Errorf("restclient: encode params: %w", err)
	}
	return c.postWithRetry(ctx, url, body, "application/json")
}

// GetVehicles calls GET /api/1/vehicles, returning the raw JSON vehicle list.
func (c *Client) GetVehicles(ctx context.Context) ([]byte, error) {
	url := fmt.Sprintf("%s/api/1/vehicles", c.cfg.BaseURL)
	body, class, err := c.getWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}
	if class != session.StatusOK {
		return nil, fmt.Errorf("restclient: vehicles list rejected")
	}
	return body, nil
}

// GetVehicleData calls GET /api/1/vehicles/{vin}/vehicle_data?endpoints=...,
// returning the raw VehicleData JSON, used by C9's cache fill path.
func (c *Client) GetVehicleData(ctx context.Context, vin telemetry.VehicleID, endpoints string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/1/vehicles/%s/vehicle_data", c.cfg.BaseURL, vin)
	if endpoints != "" {
		url += "?endpoints=" + endpoints
	}
	body, class, err := c.getWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}
	if class != session.StatusOK {
		return nil, fmt.Errorf("restclient: vehicle_data rejected for %s", vin)
	}
	return body, nil
}

// RegisterPartnerHostname registers hostname as the public ingress the
// vehicle should push telemetry to, returning whatever hostname was
// previously registered (empty if none) so C10 can restore it on teardown.
// Implements tunnel.FleetClient.
func (c *Client) RegisterPartnerHostname(ctx context.Context, hostname string) (string, error) {
	url := fmt.Sprintf("%s/api/1/partner_accounts/public_key", c.cfg.BaseURL)
	body, err := json.Marshal(map[string]any{"hostname": hostname})
	if err != nil {
		return "", fmt.Errorf("restclient: encode hostname registration: %w", err)
	}
	raw, class, err := c.postWithRetry(ctx, url, body, "application/json")
	if err != nil {
		return "", err
	}
	if class != session.StatusOK {
		return "", fmt.Errorf("restclient: partner hostname registration rejected")
	}
	var decoded struct {
		Response struct {
			PreviousHostname string `json:"previous_hostname"`
		} `json:"response"`
	}
	_ = json.Unmarshal(raw, &decoded)
	return decoded.Response.PreviousHostname, nil
}

// PostTelemetryConfig pushes the field/interval configuration to the
// vehicle. Implements tunnel.FleetClient.
func (c *Client) PostTelemetryConfig(ctx context.Context, vin telemetry.VehicleID, fields []string, intervalSeconds int) error {
	url := fmt.Sprintf("%s/api/1/vehicles/%s/fleet_telemetry_config", c.cfg.BaseURL, vin)
	body, err := json.Marshal(map[string]any{"fields": fields, "interval_seconds": intervalSeconds})
	if err != nil {
		return fmt.Errorf("restclient: encode telemetry config: %w", err)
	}
	_, class, err := c.postWithRetry(ctx, url, body, "application/json")
	if err != nil {
		return err
	}
	if class != session.StatusOK {
		return fmt.Errorf("restclient: telemetry config rejected for %s", vin)
	}
	return nil
}

// DeleteTelemetryConfig removes the vehicle's telemetry push configuration
// on teardown. Implements tunnel.FleetClient.
func (c *Client) DeleteTelemetryConfig(ctx context.Context, vin telemetry.VehicleID) error {
	url := fmt.Sprintf("%s/api/1/vehicles/%s/fleet_telemetry_config", c.cfg.BaseURL, vin)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("restclient: build delete request: %w", err)
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("restclient: delete telemetry config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != 404 {
		return fmt.Errorf("restclient: delete telemetry config rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getWithRetry(ctx context.Context, url string) ([]byte, session.StatusClass, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, session.StatusOtherError, ctx.Err()
			case <-time.After(c.backoffDelay(attempt)):
			}
		}

		respBody, class, err := c.doGetOnce(ctx, url)
		if err == nil {
			return respBody, class, nil
		}
		lastErr = err
		c.log.Warn("restclient: GET failed, retrying", "url", url, "attempt", attempt, "error", err)
	}
	return nil, session.StatusOtherError, lastErr
}

func (c *Client) doGetOnce(ctx context.Context, url string) ([]byte, session.StatusClass, error) {
	ctx, span := obstrace.Tracer("restclient").Start(ctx, "restclient.get")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, session.StatusOtherError, err
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, session.StatusOtherError, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, session.StatusOtherError, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, session.StatusOK, nil
	case resp.StatusCode == 403 || resp.StatusCode == 404:
		return respBody, session.StatusKeyNotEnrolled, nil
	case resp.StatusCode == 401:
		return respBody, session.StatusSignatureMismatch, nil
	default:
		return respBody, session.StatusOtherError, fmt.Errorf("restclient: unexpected status %d", resp.StatusCode)
	}
}

func (c *Client) postWithRetry(ctx context.Context, url string, body []byte, contentType string) ([]byte, session.StatusClass, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, session.StatusOtherError, ctx.Err()
			case <-time.After(c.backoffDelay(attempt)):
			}
		}

		respBody, class, err := c.doOnce(ctx, url, body, contentType)
		if err == nil {
			return respBody, class, nil
		}
		lastErr = err
		c.log.Warn("restclient: request failed, retrying", "url", url, "attempt", attempt, "error", err)
	}
	return nil, session.StatusOtherError, lastErr
}

func (c *Client) doOnce(ctx context.Context, url string, body []byte, contentType string) ([]byte, session.StatusClass, error) {
	ctx, span := obstrace.Tracer("restclient").Start(ctx, "restclient.post")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, session.StatusOtherError, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, session.StatusOtherError, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, session.StatusOtherError, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, session.StatusOK, nil
	case resp.StatusCode == 403 || resp.StatusCode == 404:
		return respBody, session.StatusKeyNotEnrolled, nil
	case resp.StatusCode == 412 || resp.StatusCode == 401:
		return respBody, session.StatusSignatureMismatch, nil
	default:
		return respBody, session.StatusOtherError, fmt.Errorf("restclient: unexpected status %d", resp.StatusCode)
	}
}

// backoffDelay is exponential with a capped max and half-delay jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.cfg.RetryBaseDelay
	max := c.cfg.RetryMaxDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}
