// Package ws carries engine frames over websocket links.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
)

// readLimit bounds a single inbound frame. History batches are the largest.
const readLimit = 4 << 20

// Link is a websocket connection exchanging JSON frames.
type Link struct {
	conn *websocket.Conn
	url  string
	log  *zerolog.Logger
}

// NewLink wraps an established connection.
func NewLink(conn *websocket.Conn, url string, logger *zerolog.Logger) *Link {
	conn.SetReadLimit(readLimit)
	return &Link{conn: conn, url: url, log: logger}
}

// Send writes one frame.
func (l *Link) Send(ctx context.Context, f proto.Frame) error {
	if err := wsjson.Write(ctx, l.conn, f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	l.log.Debug().Str("url", l.url).Str("type", f.Type).Str("req", f.Req).Msg("frame sent")
	return nil
}

// Receive blocks until the next frame arrives. A normal close from the
// server is reported as ErrLinkClosed.
func (l *Link) Receive(ctx context.Context) (proto.Frame, error) {
	var f proto.Frame
	if err := wsjson.Read(ctx, l.conn, &f); err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return f, ErrLinkClosed
		}
		return f, fmt.Errorf("read frame: %w", err)
	}
	l.log.Debug().Str("url", l.url).Str("type", f.Type).Str("req", f.Req).Msg("frame received")
	return f, nil
}

// Close closes the connection with a normal status.
func (l *Link) Close() error {
	err := l.conn.Close(websocket.StatusNormalClosure, "closing")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ErrLinkClosed reports that the server closed the link normally.
var ErrLinkClosed = errors.New("link closed by server")

// Dialer opens websocket links.
type Dialer struct {
	// HTTPClient is used for the handshake; nil means http.DefaultClient.
	HTTPClient *http.Client
	// Header is sent with every handshake.
	Header http.Header
	// HandshakeTimeout bounds the upgrade when ctx has no deadline.
	HandshakeTimeout time.Duration

	log *zerolog.Logger
}

// NewDialer returns a dialer logging with logger.
func NewDialer(logger *zerolog.Logger) *Dialer {
	l := logger.With().Str("component", "ws").Logger()
	return &Dialer{log: &l}
}

// Dial implements core.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (core.Link, error) {
	if d.HandshakeTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
			defer cancel()
		}
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	d.log.Info().Str("url", url).Msg("link established")
	return NewLink(conn, url, d.log), nil
}
