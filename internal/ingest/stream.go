package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Stream abstracts the live candle feed so the ingestor can be driven by a
// fake in tests.
type Stream interface {
	// Connect (re)establishes the connection; safe to call after a failure.
	Connect(ctx context.Context) error

	// Read blocks for the next message. Errors mean the connection is dead
	// and Connect must run again.
	Read() (KlineMessage, error)

	// Close tears the connection down.
	Close() error
}

// WSStream reads kline messages from the venue WebSocket endpoint. The
// subscription is baked into the stream path (<symbol>@kline_<interval>), so
// no subscribe frame is needed after dialing.
type WSStream struct {
	url       string
	heartbeat time.Duration
	conn      *websocket.Conn
}

// NewWSStream builds a stream for one (symbol, interval) against a base
// endpoint like wss://host/ws.
func NewWSStream(baseURL, symbol, interval string, heartbeat time.Duration) *WSStream {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &WSStream{
		url:       fmt.Sprintf("%s/%s@kline_%s", strings.TrimRight(baseURL, "/"), strings.ToLower(symbol), interval),
		heartbeat: heartbeat,
	}
}

// Connect dials the stream endpoint and arms the heartbeat deadline.
func (s *WSStream) Connect(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	// The venue pings every heartbeat interval; answering pongs keeps the
	// read deadline moving.
	conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	s.conn = conn
	return nil
}

// Read blocks for the next kline message.
func (s *WSStream) Read() (KlineMessage, error) {
	if s.conn == nil {
		return KlineMessage{}, fmt.Errorf("stream not connected")
	}

	var msg KlineMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return KlineMessage{}, fmt.Errorf("stream read: %w", err)
	}
	s.conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat))
	return msg, nil
}

// Close tears down the connection.
func (s *WSStream) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
