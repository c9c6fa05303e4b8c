// Package signer talks to the key-holding sidecar that seals envelopes and
// signs promise payloads. The wallet never sees private key material.
package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cashrail/native/credit"
	"cashrail/native/delivery"
)

var (
	// ErrBadSignature is returned by Verify when the sidecar rejects a signature.
	ErrBadSignature = errors.New("signer: signature rejected")
	// ErrNotConfigured is returned when the client has no endpoint.
	ErrNotConfigured = errors.New("signer: endpoint not configured")
)

// StatusError is a non-2xx answer from the sidecar.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signer: %s failed: status=%d %s", e.Path, e.Code, e.Body)
}

// Definitive reports whether the sidecar rejected the request itself, so
// repeating it cannot succeed.
func (e *StatusError) Definitive() bool {
	return e.Code == http.StatusBadRequest || e.Code == http.StatusUnprocessableEntity
}

// Config describes the sidecar endpoint.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client implements delivery.Wrapper, credit.Signer and credit.Verifier.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var (
	_ delivery.Wrapper = (*Client)(nil)
	_ credit.Signer    = (*Client)(nil)
	_ credit.Verifier  = (*Client)(nil)
)

// New constructs a sidecar client with a traced transport.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// PublicKey returns the hex public key of the identity held by the sidecar.
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	var out struct {
		PubKey string `json:"pubkey"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/identity", nil, &out); err != nil {
		return "", err
	}
	return delivery.NormalizePubKey(out.PubKey)
}

// Wrap seals rumor for recipientPubKey.
func (c *Client) Wrap(ctx context.Context, rumor delivery.Rumor, recipientPubKey string) (delivery.Envelope, error) {
	req := struct {
		Rumor     delivery.Rumor `json:"rumor"`
		Recipient string         `json:"recipient"`
	}{Rumor: rumor, Recipient: recipientPubKey}
	var env delivery.Envelope
	if err := c.do(ctx, http.MethodPost, "/v1/wrap", req, &env); err != nil {
		return delivery.Envelope{}, err
	}
	if env.ID == "" {
		return delivery.Envelope{}, fmt.Errorf("signer: wrap returned envelope without id")
	}
	return env, nil
}

// Unwrap opens an envelope addressed to the sidecar identity.
func (c *Client) Unwrap(ctx context.Context, env delivery.Envelope) (delivery.Rumor, error) {
	var rumor delivery.Rumor
	if err := c.do(ctx, http.MethodPost, "/v1/unwrap", env, &rumor); err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Definitive() {
			return delivery.Rumor{}, fmt.Errorf("%w: %w: %v", delivery.ErrUnwrap, delivery.ErrUndecryptable, err)
		}
		return delivery.Rumor{}, fmt.Errorf("%w: %v", delivery.ErrUnwrap, err)
	}
	return rumor, nil
}

// Sign signs payload with the sidecar identity.
func (c *Client) Sign(ctx context.Context, payload []byte) (string, error) {
	req := map[string]string{"payload": base64.StdEncoding.EncodeToString(payload)}
	var out struct {
		Signature string `json:"signature"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sign", req, &out); err != nil {
		return "", err
	}
	if out.Signature == "" {
		return "", fmt.Errorf("signer: empty signature")
	}
	return out.Signature, nil
}

// Verify checks signature over payload against issuer.
func (c *Client) Verify(ctx context.Context, issuer string, payload []byte, signature string) error {
	req := map[string]string{
		"pubkey":    issuer,
		"payload":   base64.StdEncoding.EncodeToString(payload),
		"signature": signature,
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/verify", req, &out); err != nil {
		return err
	}
	if !out.Valid {
		return ErrBadSignature
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("signer: encode %s: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("signer: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("signer: decode %s: %w", path, err)
	}
	return nil
}
