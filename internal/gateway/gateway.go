// Package gateway holds the streaming connection to the exchange and writes
// every decoded candle frame into the hot store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlekeeper/internal/candle"
	"github.com/navid-fn/candlekeeper/internal/metrics"
	"github.com/navid-fn/candlekeeper/internal/upbit"
)

// WebSocket timeouts
const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 30 * time.Second
	storeTimeout       = 5 * time.Second
)

var errHalted = errors.New("gateway halted by disconnect")

// State of the streaming connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// ConnectionError is a failure to establish or subscribe the connection.
// The caller may retry.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gateway: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Sink receives decoded candles.
type Sink interface {
	Upsert(ctx context.Context, key candle.Key, c candle.Candle) error
}

// Publisher optionally forwards stored candles.
type Publisher interface {
	Publish(ctx context.Context, key candle.Key, c candle.Candle) error
}

// Config holds WebSocket connection settings
type Config struct {
	URL       string
	Headers   http.Header
	Universe  upbit.Universe
	Intervals []candle.Interval

	PingInterval time.Duration // 0 = default 30s
	ReadTimeout  time.Duration // 0 = default 60s
	StoreTimeout time.Duration // 0 = default 5s
}

// Gateway is the Stream Ingestion Gateway.
type Gateway struct {
	config    Config
	sink      Sink
	publisher Publisher
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	stop        chan struct{}
	done        chan struct{}
	halt        chan struct{}
	halted      bool
	subscribed  time.Time
	onTransport func(error)

	writeMu   sync.Mutex
	lastFrame sync.Map // candle.Interval -> time.Time
}

// New creates a disconnected gateway. publisher may be nil.
func New(config Config, sink Sink, publisher Publisher, logger logrus.FieldLogger, m *metrics.Metrics) *Gateway {
	if config.PingInterval == 0 {
		config.PingInterval = wsPingInterval
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = wsReadTimeout
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = storeTimeout
	}
	if len(config.Intervals) == 0 {
		config.Intervals = []candle.Interval{candle.Seconds}
	}

	return &Gateway{
		config:    config,
		sink:      sink,
		publisher: publisher,
		logger:    logger.WithField("component", "gateway"),
		metrics:   m,
		halt:      make(chan struct{}),
	}
}

// OnTransportError registers fn to be called once per connection when it
// ends for any reason other than Disconnect.
func (g *Gateway) OnTransportError(fn func(error)) {
	g.mu.Lock()
	g.onTransport = fn
	g.mu.Unlock()
}

// State returns the connection state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// LastFrame returns when the last candle frame of iv arrived, zero if none.
func (g *Gateway) LastFrame(iv candle.Interval) time.Time {
	if v, ok := g.lastFrame.Load(iv); ok {
		return v.(time.Time)
	}
	return time.Time{}
}

// StalenessCheck returns a health check that fails while the gateway is not
// subscribed, or when no iv frame arrived within staleAfter of the later of
// the last frame and the subscription.
func (g *Gateway) StalenessCheck(iv candle.Interval, staleAfter time.Duration) func(ctx context.Context) error {
	return func(context.Context) error {
		g.mu.Lock()
		state, since := g.state, g.subscribed
		g.mu.Unlock()
		if state != Subscribed {
			return fmt.Errorf("stream %s", state)
		}
		if last := g.LastFrame(iv); last.After(since) {
			since = last
		}
		if age := time.Since(since); age > staleAfter {
			return fmt.Errorf("no %s frame for %s", iv, age.Round(time.Second))
		}
		return nil
	}
}

// Connect dials the feed, sends the subscription and starts reading.
// Calling it while connecting or connected is a no-op.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.halted {
		g.halt = make(chan struct{})
		g.halted = false
	}
	g.mu.Unlock()
	return g.connect(ctx)
}

// reconnect is Connect for the supervisor: it refuses after Disconnect.
func (g *Gateway) reconnect(ctx context.Context) error {
	g.mu.Lock()
	halted := g.halted
	g.mu.Unlock()
	if halted {
		return errHalted
	}
	return g.connect(ctx)
}

func (g *Gateway) haltSignal() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halt
}

func (g *Gateway) connect(ctx context.Context) error {
	g.mu.Lock()
	if g.state != Disconnected {
		state := g.state
		g.mu.Unlock()
		g.logger.WithField("state", state.String()).Info("Connect ignored, already active")
		return nil
	}
	g.state = Connecting
	g.mu.Unlock()

	conn, err := g.dial(ctx)
	if err != nil {
		g.setState(Disconnected)
		return err
	}

	g.mu.Lock()
	if g.state != Connecting {
		// Disconnect ran while dialing.
		g.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Op: "dial", URL: g.config.URL, Err: errHalted}
	}
	stop, done := make(chan struct{}), make(chan struct{})
	g.conn, g.stop, g.done = conn, stop, done
	g.state = Subscribed
	g.subscribed = time.Now()
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"url":     g.config.URL,
		"symbols": g.config.Universe.Len(),
	}).Info("Stream subscribed")

	go g.readLoop(conn, stop, done)
	return nil
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, g.config.URL, g.config.Headers)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: g.config.URL, Err: err}
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))
	})

	msg := upbit.SubscribeMessage(uuid.NewString(), g.config.Universe, g.config.Intervals)
	if err := g.writeJSON(conn, msg); err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Op: "subscribe", URL: g.config.URL, Err: err}
	}
	return conn, nil
}

// Disconnect closes the connection if open and stops a supervisor from
// reconnecting. It is safe to call repeatedly.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	if !g.halted {
		g.halted = true
		close(g.halt)
	}
	conn, stop, done := g.conn, g.stop, g.done
	g.conn, g.stop, g.done = nil, nil, nil
	g.state = Disconnected
	g.mu.Unlock()

	if conn == nil {
		return
	}
	close(stop)

	g.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	g.writeMu.Unlock()
	_ = conn.Close()

	<-done
	g.logger.Info("Stream disconnected")
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// readLoop handles reading messages and sending pings
func (g *Gateway) readLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages := make(chan []byte, 100)
	readErr := make(chan error, 1)

	go func() {
		for {
			_ = conn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(g.config.PingInterval)
	defer pingTicker.Stop()

	var failure error
loop:
	for {
		select {
		case <-stop:
			return

		case err := <-readErr:
			failure = fmt.Errorf("read: %w", err)
			break loop

		case msg := <-messages:
			g.handleFrame(ctx, msg)

		case <-pingTicker.C:
			g.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			g.writeMu.Unlock()
			if err != nil {
				failure = fmt.Errorf("ping: %w", err)
				break loop
			}
		}
	}

	select {
	case <-stop:
		// Disconnect closed the socket under us.
		return
	default:
	}

	_ = conn.Close()
	g.mu.Lock()
	if g.conn == conn {
		g.conn, g.stop, g.done = nil, nil, nil
		g.state = Disconnected
	}
	fn := g.onTransport
	g.mu.Unlock()

	g.logger.WithError(failure).Warn("Stream connection lost")
	if fn != nil {
		fn(failure)
	}
}

// handleFrame decodes and stores one frame. Failures are contained here.
func (g *Gateway) handleFrame(ctx context.Context, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.metrics.FramesDropped.WithLabelValues("panic").Inc()
			g.logger.WithField("panic", r).Error("Recovered while handling frame")
		}
	}()

	c, iv, ok, err := upbit.DecodeStreamFrame(msg)
	if err != nil {
		g.metrics.FramesDropped.WithLabelValues("decode").Inc()
		g.logger.WithError(err).Warn("Dropping malformed frame")
		return
	}
	if !ok {
		return
	}

	g.lastFrame.Store(iv, time.Now())
	g.metrics.FramesReceived.WithLabelValues(iv.String()).Inc()

	key := candle.Key{Symbol: c.Symbol, Interval: iv}
	storeCtx, cancel := context.WithTimeout(ctx, g.config.StoreTimeout)
	defer cancel()

	if err := g.sink.Upsert(storeCtx, key, c); err != nil {
		g.metrics.FramesDropped.WithLabelValues("store").Inc()
		g.logger.WithError(err).WithField("key", key.String()).Warn("Failed to store candle")
		return
	}
	g.metrics.CandlesStored.WithLabelValues("stream", iv.String()).Inc()

	if g.publisher != nil {
		if err := g.publisher.Publish(storeCtx, key, c); err != nil {
			g.logger.WithError(err).WithField("key", key.String()).Warn("Failed to publish candle")
		}
	}
}

// writeJSON sends a JSON message (thread-safe)
func (g *Gateway) writeJSON(conn *websocket.Conn, v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
