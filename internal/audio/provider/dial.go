package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// dialEndpoint opens an outbound WebSocket connection to a provider's
// streaming endpoint, adapted from the teacher's DialBackend (same
// handshake-timeout-then-dial shape, aimed outward at a provider instead of
// inward at a proxied client).
func dialEndpoint(ctx context.Context, endpoint string, header http.Header, handshakeTimeout time.Duration) (*websocket.Conn, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid provider endpoint %q: %w", endpoint, err)
	}

	if handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
