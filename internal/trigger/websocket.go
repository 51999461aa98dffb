package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"helios/pkg/errors"
	"helios/pkg/logger"
	"helios/pkg/reconnect"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 30 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// WebsocketConfig configures the websocket trigger source
type WebsocketConfig struct {
	URL              string
	Channels         []string // subscription keys sent after connect
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

func (c WebsocketConfig) withDefaults() WebsocketConfig {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// WebsocketSource reads trigger events from a websocket feed and pushes
// them into the sink. Connection drops and silent feeds (no events within
// the heartbeat window) are handled by the reconnect manager.
type WebsocketSource struct {
	cfg         WebsocketConfig
	sink        Sink
	reconnector *reconnect.Manager

	mu   sync.Mutex
	conn *websocket.Conn

	log *logger.Logger
}

// NewWebsocketSource creates a websocket trigger source
func NewWebsocketSource(cfg WebsocketConfig, sink Sink, reconnector *reconnect.Manager, log *logger.Logger) *WebsocketSource {
	return &WebsocketSource{
		cfg:         cfg.withDefaults(),
		sink:        sink,
		reconnector: reconnector,
		log:         log.With("component", "trigger_websocket", "url", cfg.URL),
	}
}

// Name returns the source name
func (s *WebsocketSource) Name() string { return "websocket" }

// Run connects and reads events until ctx is cancelled or the reconnect
// circuit gives up
func (s *WebsocketSource) Run(ctx context.Context) error {
	defer s.close()

	// First connection attempt goes straight through; subsequent ones pay
	// the backoff.
	if err := s.connect(ctx); err != nil {
		s.log.Errorw("Initial feed connection failed", "error", err)
		s.reconnector.RecordFailure()
	} else {
		s.reconnector.RecordSuccess()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.connection() != nil {
			err := s.readLoop(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnw("Feed dropped", "error", err)
			s.close()
		}

		if err := s.reconnector.ReconnectWithBackoff(ctx, s.connect); err != nil {
			if errors.Is(err, errors.ErrFeedReconnectFailed) {
				s.log.Errorw("Giving up on trigger feed", "error", err)
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient failure, backoff already grew
		}
	}
}

// connect dials the feed and subscribes to the configured channels
func (s *WebsocketSource) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to trigger feed")
	}

	if len(s.cfg.Channels) > 0 {
		msg := map[string]interface{}{
			"op":       "subscribe",
			"channels": s.cfg.Channels,
		}
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			conn.Close()
			return err
		}
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return errors.Wrapf(err, "failed to send subscription")
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Infow("Trigger feed connected", "channels", s.cfg.Channels)
	return nil
}

// readLoop reads until the connection errors or the heartbeat window is
// blown. Read deadlines keep the loop responsive to ctx.
func (s *WebsocketSource) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn := s.connection()
		if conn == nil {
			return errors.ErrFeedNotConnected
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				if s.reconnector.IsHealthy() {
					continue
				}
				return errors.Wrapf(errors.ErrFeedNotConnected, "no events within heartbeat window")
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.Wrapf(errors.ErrFeedNotConnected, "feed closed by server")
			}
			return err
		}

		s.reconnector.RecordEventReceived()
		dispatch(s.sink, s.Name(), data, "", s.log)
	}
}

func (s *WebsocketSource) connection() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *WebsocketSource) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.conn.Close()
		s.conn = nil
	}
}

// GetStats exposes the reconnect manager stats for status reporting
func (s *WebsocketSource) GetStats() reconnect.Stats {
	return s.reconnector.GetStats()
}
