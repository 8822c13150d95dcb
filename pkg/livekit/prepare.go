package livekit

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Prepare pre-warms the signalling path: a short-lived websocket dial
// against the validate endpoint primes DNS, TCP and TLS so the real
// connect that follows skips the cold start. Best effort; callers treat
// errors as a skipped optimization.
func (p *Provider) Prepare(ctx context.Context, serverURL, token string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("livekit: prepare: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("livekit: prepare: unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/rtc/validate"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 0, // ctx governs the deadline
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		// The validate endpoint answers over plain HTTP; any response at
		// all means the path is warm.
		if resp != nil && resp.StatusCode < http.StatusInternalServerError {
			log.Printf("[LiveKit] pre-warm handshake answered %d", resp.StatusCode)
			return nil
		}
		return fmt.Errorf("livekit: prepare dial: %w", err)
	}
	conn.Close()
	return nil
}
