// Package token fetches connection credentials from the trusted token
// backend. The client performs exactly one request per call; retrying is the
// connection orchestrator's job.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voicelink-ai/voicelink/pkg/config"
)

// Error is returned for any token fetch failure: transport errors, non-2xx
// status codes, malformed JSON, or a response missing required fields.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("token: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Request carries the identity and persona parameters sent to the token
// endpoint. Empty Identity and UserID are generated client-side.
type Request struct {
	Identity  string        `json:"identity"`
	Room      string        `json:"room"`
	PersonaID string        `json:"persona_id"`
	UserID    string        `json:"user_id"`
	IOMode    config.IOMode `json:"io_mode"`
}

// Credential is the connection grant returned by the token endpoint.
type Credential struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	Room     string `json:"room"`
	Identity string `json:"identity"`
	UserID   string `json:"user_id"`
}

// Client fetches credentials from a single endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a Client for the given endpoint. httpClient may be nil,
// in which case a client with a 10s timeout is used.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
	}
}

// FetchToken requests a credential for the given parameters. Identity
// defaults to "user_<8 hex>" and UserID defaults to the identity, matching
// the token server's own fallback behavior.
func (c *Client) FetchToken(ctx context.Context, req Request) (*Credential, error) {
	if req.Identity == "" {
		req.Identity = "user_" + uuid.New().String()[:8]
	}
	if req.UserID == "" {
		req.UserID = req.Identity
	}
	if !config.ValidIOMode(req.IOMode) {
		req.IOMode = config.IOModeHybrid
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Message: "encoding request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: "building request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    "token endpoint returned non-2xx status",
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Message: "reading response", Err: err}
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, &Error{Message: "malformed JSON response", Err: err}
	}
	if cred.Token == "" || cred.URL == "" {
		return nil, &Error{Message: "response missing token or url"}
	}

	// The endpoint may omit the echo fields; fall back to what we sent.
	if cred.Room == "" {
		cred.Room = req.Room
	}
	if cred.Identity == "" {
		cred.Identity = req.Identity
	}
	if cred.UserID == "" {
		cred.UserID = req.UserID
	}

	return &cred, nil
}
