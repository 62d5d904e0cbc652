package honeywell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/iaqbridge/internal/config"
	"github.com/nugget/iaqbridge/internal/httpkit"
)

// Stream is an open event stream. Next and Close may be called from
// different goroutines; Next itself must not be called concurrently.
type Stream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenStream dials the event stream with the session cookie from
// [Client.Login].
func (c *Client) OpenStream(ctx context.Context, session string) (*Stream, error) {
	header := http.Header{}
	header.Set("Cookie", session)
	header.Set("User-Agent", c.cfg.UserAgent)

	dialer := httpkit.NewDialer(c.cfg.InsecureSkipVerify)
	conn, resp, err := dialer.DialContext(ctx, c.cfg.StreamURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("open event stream: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	c.logger.Info("event stream connected", "url", c.cfg.StreamURL)
	return &Stream{
		conn:        conn,
		readTimeout: c.cfg.ReadTimeout(),
		logger:      c.logger,
	}, nil
}

// Next blocks until the next text frame arrives and returns its
// content. Binary and other non-text frames are skipped. When ctx is
// cancelled Next returns ctx.Err(); a clean close by the server returns
// io.EOF.
func (s *Stream) Next(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		// Unblock the pending read.
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s.readTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", fmt.Errorf("read event stream: %w", err)
		}

		if typ != websocket.TextMessage {
			s.logger.Debug("skipping non-text frame", "type", typ, "bytes", len(data))
			continue
		}

		s.logger.Log(ctx, config.LevelTrace, "event stream frame", "frame", string(data))
		return string(data), nil
	}
}

// Close sends a close frame and closes the connection. Calling Close
// more than once returns the first result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("event stream close frame not sent", "error", err)
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
