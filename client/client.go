// Package client implements the sqlrelay call dispatcher: the client-side
// object model (Session, Stmt, Cursor, Lob, XA) whose every operation is
// forwarded to a sqlrelay server over a request/response channel. No SQL is
// parsed or executed locally.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sqlrelay/sqlrelay/wire"
)

// Client talks to one sqlrelay server.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	authSecret   string
	clientID     string
	lobChunkSize int

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthSecret enables bearer-token auth using the server's shared secret.
func WithAuthSecret(secret string) Option {
	return func(c *Client) { c.authSecret = secret }
}

// WithLobChunkSize overrides the chunk size used for large-object transfer.
func WithLobChunkSize(n int) Option {
	return func(c *Client) { c.lobChunkSize = n }
}

// NewClient creates a dispatcher for the server at baseURL.
func NewClient(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{},
		clientID:     uuid.NewString(),
		lobChunkSize: 256 * 1024,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// retryable lists the read-only metadata operations that are safe to retry
// once on a transport error. Nothing else is ever retried: any other call
// may have had a server-side side effect before the transport failed.
var retryable = map[wire.Op]bool{
	wire.OpPing:       true,
	wire.OpParamCount: true,
	wire.OpLobLength:  true,
}

// Call sends one request frame and decodes the response. Network failures
// surface as transport-kind errors, distinct from errors the database
// reported; error-status responses come back as their taxonomy kind.
func (c *Client) Call(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	resp, err := c.post(ctx, "/v1/call", req)
	if err != nil && wire.IsTransport(err) && retryable[req.Op] {
		resp, err = c.post(ctx, "/v1/call", req)
	}
	if err != nil {
		return nil, err
	}
	if rerr := wire.ResponseError(resp); rerr != nil {
		return resp, rerr
	}
	return resp, nil
}

// Cancel delivers an out-of-band cancel for the call currently executing on
// a session. It uses a separate endpoint so it is never queued behind the
// call it is trying to stop.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	req := struct {
		SessionID string `json:"session_id"`
	}{SessionID: sessionID}
	_, err := c.post(ctx, "/v1/cancel", req)
	return err
}

// Connect opens a logical session. No physical database connection is
// reserved until the session issues a call that needs one.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	resp, err := c.Call(ctx, &wire.Request{Op: wire.OpConnect})
	if err != nil {
		return nil, err
	}
	return &Session{c: c, id: resp.SessionID, autoCommit: true}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*wire.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, wire.NewProtocolError("marshal request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, wire.NewTransportError("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authSecret != "" {
		token, err := c.bearerToken()
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wire.NewTransportError("remote call failed", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, wire.NewTransportError("remote call failed: "+httpResp.Status, nil)
	}
	var resp wire.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, wire.NewTransportError("decode response", err)
	}
	return &resp, nil
}

// bearerToken returns a cached HMAC token, reissuing it near expiry.
func (c *Client) bearerToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExp) > time.Minute {
		return c.token, nil
	}
	now := time.Now()
	exp := now.Add(10 * time.Minute)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.clientID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte(c.authSecret))
	if err != nil {
		return "", wire.NewProtocolError("sign auth token: %v", err)
	}
	c.token = signed
	c.tokenExp = exp
	return signed, nil
}
