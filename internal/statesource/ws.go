package statesource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPingTimeout  = 3 * time.Second
)

// WSSource receives state documents pushed over a websocket. Only the newest
// document is kept; intermediate ones the poller never saw are dropped.
type WSSource struct {
	url    string
	logger *zap.Logger

	pingInterval time.Duration

	mu     sync.Mutex
	latest Observation
	seq    uint64
	seen   uint64

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewWSSource(url string, logger *zap.Logger) *WSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSSource{
		url:          url,
		logger:       logger,
		pingInterval: wsPingInterval,
		rootCtx:      ctx,
		rootCancel:   cancel,
	}
}

// Connect dials once and then keeps the connection alive in the background,
// redialing with backoff until Close.
func (s *WSSource) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go s.run(conn)
	return nil
}

func (s *WSSource) Latest(context.Context) (Observation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == s.seen {
		return Observation{}, false, nil
	}
	s.seen = s.seq
	return s.latest, true, nil
}

func (s *WSSource) Close() error {
	s.stopOnce.Do(s.rootCancel)
	s.wg.Wait()
	return nil
}

func (s *WSSource) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dial state websocket: %w", err)
	}
	s.logger.Info("state websocket connected", zap.String("url", s.url))
	return conn, nil
}

func (s *WSSource) run(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		err := s.serve(conn)
		if s.rootCtx.Err() != nil {
			return
		}
		s.logger.Warn("state websocket disconnected", zap.Error(err))

		conn = nil
		for attempt := 1; conn == nil; attempt++ {
			if sleepWithContext(s.rootCtx, backoffDuration(attempt)) != nil {
				return
			}
			c, derr := s.dial(s.rootCtx)
			if derr != nil {
				s.logger.Debug("state websocket redial failed", zap.Int("attempt", attempt), zap.Error(derr))
				continue
			}
			conn = c
		}
	}
}

// serve reads documents until the connection fails or the source closes.
func (s *WSSource) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(s.rootCtx)
	defer cancel()
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "close") }()

	go s.pingLoop(ctx, conn, cancel)

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return err
		}
		obs, err := Decode(raw)
		if err != nil {
			s.logger.Warn("state websocket message dropped", zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.latest = obs
		s.seq++
		s.mu.Unlock()
	}
}

func (s *WSSource) pingLoop(ctx context.Context, conn *websocket.Conn, fail context.CancelFunc) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				consecutivePingFailures = 0
				continue
			}
			consecutivePingFailures++
			if consecutivePingFailures >= 2 {
				fail()
				return
			}
		}
	}
}
