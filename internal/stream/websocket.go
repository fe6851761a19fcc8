package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"voxsync/internal/remote"

	"github.com/gorilla/websocket"
)

// WebsocketDialer opens transcription sockets with gorilla/websocket
type WebsocketDialer struct {
	// URL is used when the credential does not name an endpoint
	URL              string
	HandshakeTimeout time.Duration
	// TokenQueryParam, when set, passes the token in the query string
	// instead of the Authorization header
	TokenQueryParam string
}

// Dial implements Dialer
func (d *WebsocketDialer) Dial(ctx context.Context, cred remote.Credential) (Conn, error) {
	endpoint := cred.URL
	if endpoint == "" {
		endpoint = d.URL
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no stream endpoint configured")
	}

	header := http.Header{}
	if d.TokenQueryParam != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid stream endpoint: %w", err)
		}
		q := u.Query()
		q.Set(d.TokenQueryParam, cred.Token)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	} else {
		header.Set("Authorization", "Bearer "+cred.Token)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) WriteAudio(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
