package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/application/book"
	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/alejandrodnm/kalshimm/internal/ports"
)

// State of the streaming connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const defaultReadTimeout = 60 * time.Second

// BookEvent is emitted after a snapshot or delta has been applied.
type BookEvent struct {
	Ticker   string
	Top      domain.TopOfBook
	Snapshot bool
}

// Handler receives dispatched events. Calls come from the single reader
// goroutine and must not block for long.
type Handler interface {
	OnBook(ev BookEvent)
	OnFill(f domain.Fill)
	OnState(s State)
}

// Config holds session parameters.
type Config struct {
	Backoff Backoff
	// ReadTimeout: silence after which the connection is considered dead.
	ReadTimeout time.Duration
	// Sleep waits out the backoff; tests inject a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Session keeps one authenticated streaming connection alive, restores the
// subscription set after every reconnect, and feeds the book store.
type Session struct {
	dialer  ports.StreamDialer
	books   *book.Store
	handler Handler
	cfg     Config

	mu    sync.Mutex // guards subs, conn, state; also serializes book writes
	subs  map[string]struct{}
	conn  ports.StreamConn
	state State

	writeMu sync.Mutex
	nextID  atomic.Int64
}

// NewSession creates a session. Run must be called to connect.
func NewSession(dialer ports.StreamDialer, books *book.Store, handler Handler, cfg Config) *Session {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Session{
		dialer:  dialer,
		books:   books,
		handler: handler,
		cfg:     cfg,
		subs:    make(map[string]struct{}),
		state:   StateDisconnected,
	}
}

// Run connects and reads until ctx is canceled. Connection failures are
// retried forever with exponential backoff; Run only returns on shutdown.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if attempt > 0 {
			wait := s.cfg.Backoff.Next(attempt)
			slog.Info("stream: reconnecting", "attempt", attempt, "wait", wait)
			if err := s.cfg.Sleep(ctx, wait); err != nil {
				s.setState(StateDisconnected)
				return nil
			}
		}
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}

		conn, err := s.connect(ctx)
		if err != nil {
			attempt++
			slog.Warn("stream: connect failed", "attempt", attempt, "err", err)
			continue
		}
		attempt = 0

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = s.readLoop(conn)
		stop()
		s.drop(conn)

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}
		slog.Warn("stream: connection lost", "err", err)
		s.setState(StateReconnecting)
		attempt = 1
	}
}

// connect dials and restores the whole subscription set. Books of every
// subscribed ticker are cleared first so nothing is served from before the
// gap; the first message per ticker on the new connection is a snapshot.
func (s *Session) connect(ctx context.Context) (ports.StreamConn, error) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream.connect: dial: %w", err)
	}

	s.mu.Lock()
	tickers := s.tickersLocked()
	s.books.Remove(tickers...)
	if len(tickers) > 0 {
		err = s.send(conn, "subscribe", []string{ChannelOrderbook}, tickers)
	}
	if err == nil {
		err = s.send(conn, "subscribe", []string{ChannelFill}, nil)
	}
	if err != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("stream.connect: subscribe: %w", err)
	}
	s.conn = conn
	s.mu.Unlock()

	slog.Info("stream: connected", "tickers", len(tickers))
	s.setState(StateConnected)
	return conn, nil
}

func (s *Session) readLoop(conn ports.StreamConn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

func (s *Session) drop(conn ports.StreamConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Session) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Debug("stream: malformed message dropped", "err", err)
		return
	}

	switch env.Type {
	case typeSnapshot:
		var m snapshotMsg
		if err := json.Unmarshal(env.Msg, &m); err != nil || m.MarketTicker == "" {
			slog.Debug("stream: bad snapshot dropped", "err", err)
			return
		}
		s.mu.Lock()
		if _, ok := s.subs[m.MarketTicker]; !ok {
			s.mu.Unlock()
			return
		}
		top := s.books.ApplySnapshot(m.MarketTicker, toLevels(m.Yes), toLevels(m.No))
		s.mu.Unlock()
		s.handler.OnBook(BookEvent{Ticker: m.MarketTicker, Top: top, Snapshot: true})

	case typeDelta:
		var m deltaMsg
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			slog.Debug("stream: bad delta dropped", "err", err)
			return
		}
		side, err := m.validate()
		if err != nil {
			slog.Debug("stream: bad delta dropped", "err", err)
			return
		}
		s.mu.Lock()
		if _, ok := s.subs[m.MarketTicker]; !ok {
			s.mu.Unlock()
			return
		}
		top := s.books.ApplyDelta(m.MarketTicker, side, *m.Price, *m.Delta)
		s.mu.Unlock()
		s.handler.OnBook(BookEvent{Ticker: m.MarketTicker, Top: top})

	case typeFill:
		var m fillMsg
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			slog.Debug("stream: bad fill dropped", "err", err)
			return
		}
		f, err := m.toFill()
		if err != nil {
			slog.Warn("stream: bad fill dropped", "err", err)
			return
		}
		s.handler.OnFill(f)

	case typeError:
		var m errorMsg
		_ = json.Unmarshal(env.Msg, &m)
		slog.Warn("stream: server error", "code", m.Code, "msg", m.Msg)

	default:
		slog.Debug("stream: unknown message type", "type", env.Type)
	}
}

// Subscribe adds tickers to the set. Tickers already present are ignored.
// The set is kept even if the send fails; it is restored on reconnect.
func (s *Session) Subscribe(tickers ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, t := range tickers {
		if t == "" {
			continue
		}
		if _, ok := s.subs[t]; ok {
			continue
		}
		s.subs[t] = struct{}{}
		added = append(added, t)
	}
	if len(added) == 0 || s.conn == nil {
		return nil
	}
	if err := s.send(s.conn, "subscribe", []string{ChannelOrderbook}, added); err != nil {
		return fmt.Errorf("stream.Subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes tickers from the set and drops their books.
// Once it returns no further book updates are applied for them.
func (s *Session) Unsubscribe(tickers ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for _, t := range tickers {
		if _, ok := s.subs[t]; !ok {
			continue
		}
		delete(s.subs, t)
		removed = append(removed, t)
	}
	s.books.Remove(removed...)
	if len(removed) == 0 || s.conn == nil {
		return nil
	}
	if err := s.send(s.conn, "unsubscribe", []string{ChannelOrderbook}, removed); err != nil {
		return fmt.Errorf("stream.Unsubscribe: %w", err)
	}
	return nil
}

// Subscribed returns the current subscription set, sorted.
func (s *Session) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickersLocked()
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the stream is live.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		s.handler.OnState(st)
	}
}

func (s *Session) tickersLocked() []string {
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Session) send(conn ports.StreamConn, cmd string, channels, tickers []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(command{
		ID:  s.nextID.Add(1),
		Cmd: cmd,
		Params: commandParams{
			Channels:      channels,
			MarketTickers: tickers,
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
