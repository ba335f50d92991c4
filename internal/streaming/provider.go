package streaming

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketfeed/core/internal/clock"
	"github.com/marketfeed/core/internal/event"
	"github.com/marketfeed/core/internal/logging"
	"github.com/marketfeed/core/internal/marketerr"
	"github.com/rs/zerolog"
)

// ProviderHooks is what a concrete provider streamer supplies;
// StreamingProviderBase drives these through the connect/auth/stream
// lifecycle. The base calls them from separate goroutines: HandleMessage
// from the receive loop, Probe from the heartbeat loop, and
// BuildSubscriptionMessage from each subscription update, so these calls
// can overlap with each other.
type ProviderHooks interface {
	BuildURI(ctx context.Context) (string, error)
	ConfigureHeader(ctx context.Context) (http.Header, error)
	// Authenticate runs once per connection, after the socket opens and
	// before the receive/heartbeat loops start. Providers with no
	// authentication step return nil immediately.
	Authenticate(ctx context.Context, conn *websocket.Conn) error
	// HandleMessage is invoked once per assembled message. Panics are
	// recovered and logged by the receive loop; the loop continues.
	HandleMessage(ctx context.Context, raw []byte)
	// Probe issues one heartbeat round-trip (ping or a trivial request)
	// and returns an error on failure or timeout.
	Probe(ctx context.Context, conn *websocket.Conn) error
	// BuildSubscriptionMessage renders the provider's wire format for a
	// *complete* subscription state (total-state send, not a delta).
	BuildSubscriptionMessage(tradeSymbols, depthSymbols []string) ([]byte, error)
}

// Config holds StreamingProviderBase's resilience-pipeline knobs, named
// in internal/config.Config's StreamingProviderBase section.
type Config struct {
	ConnectBackoffBase    time.Duration
	ConnectMultiplier     float64
	ConnectMaxAttempts    int
	CircuitThreshold      int
	CircuitDuration       time.Duration
	OpTimeout             time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	HeartbeatMaxFailures  int
	ReconnectEventBuffer  int
}

func DefaultConfig() Config {
	return Config{
		ConnectBackoffBase:   2 * time.Second,
		ConnectMultiplier:    2,
		ConnectMaxAttempts:   5,
		CircuitThreshold:     5,
		CircuitDuration:      30 * time.Second,
		OpTimeout:            30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		HeartbeatMaxFailures: 3,
		ReconnectEventBuffer: 16,
	}
}

// StreamingProviderBase is the shared connection lifecycle every
// provider-specific streamer embeds. Only one connection is active at a
// time; reconnection is guarded by the one-slot reconnectGate channel.
type StreamingProviderBase struct {
	name   string
	hooks  ProviderHooks
	dialer *websocket.Dialer
	logger zerolog.Logger
	clock  clock.Clock
	cfg    Config

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	writeMu  sync.Mutex
	loopCancel context.CancelFunc
	receiveDone   chan struct{}
	heartbeatDone chan struct{}

	reconnectGate chan struct{}

	registry *event.SubscriptionRegistry
	breaker  *breaker

	reconnectEvents chan ReconnectEvent
}

// New constructs a StreamingProviderBase for a named provider. c may be
// nil to use the real wall clock.
func New(name string, hooks ProviderHooks, cfg Config, c clock.Clock, logger zerolog.Logger) *StreamingProviderBase {
	if c == nil {
		c = clock.Real()
	}
	return &StreamingProviderBase{
		name:            name,
		hooks:           hooks,
		dialer:          &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.OpTimeout},
		logger:          logger,
		clock:           c,
		cfg:             cfg,
		state:           StateDisconnected,
		reconnectGate:   make(chan struct{}, 1),
		registry:        event.NewSubscriptionRegistry(1),
		breaker:         newBreaker(cfg.CircuitThreshold, cfg.CircuitDuration, c),
		reconnectEvents: make(chan ReconnectEvent, cfg.ReconnectEventBuffer),
	}
}

// ReconnectEvents exposes the bounded channel GapFillTrigger consumes.
func (p *StreamingProviderBase) ReconnectEvents() <-chan ReconnectEvent { return p.reconnectEvents }

func (p *StreamingProviderBase) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *StreamingProviderBase) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Connect runs the full resilience pipeline: circuit breaker gate,
// exponential backoff with jitter across up to ConnectMaxAttempts, each
// attempt bounded by OpTimeout. On success it authenticates (if the
// provider needs to) and starts the heartbeat and receive loops.
func (p *StreamingProviderBase) Connect(ctx context.Context) error {
	if !p.breaker.Allow() {
		return marketerr.New(marketerr.KindTransient, "streaming.Connect", "circuit breaker open").WithField("provider", p.name)
	}
	p.setState(StateConnecting)

	delay := p.cfg.ConnectBackoffBase
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ConnectMaxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
		err := p.dialOnce(opCtx)
		cancel()
		if err == nil {
			p.breaker.RecordSuccess()
			return p.afterConnect()
		}
		lastErr = err
		p.logger.Warn().Err(err).Int("attempt", attempt).Str("provider", p.name).Msg("connect attempt failed")
		if attempt == p.cfg.ConnectMaxAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			p.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay = time.Duration(float64(delay) * p.cfg.ConnectMultiplier)
	}

	p.breaker.RecordFailure()
	p.setState(StateDisconnected)
	return marketerr.Wrap(marketerr.KindTransient, "streaming.Connect", lastErr).WithField("provider", p.name)
}

func (p *StreamingProviderBase) dialOnce(ctx context.Context) error {
	uri, err := p.hooks.BuildURI(ctx)
	if err != nil {
		return err
	}
	header, err := p.hooks.ConfigureHeader(ctx)
	if err != nil {
		return err
	}
	conn, _, err := p.dialer.DialContext(ctx, uri, header)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.state = StateConnected
	p.mu.Unlock()
	return nil
}

func (p *StreamingProviderBase) afterConnect() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	p.setState(StateAuthenticating)
	if err := p.hooks.Authenticate(runCtx, conn); err != nil {
		cancel()
		conn.Close()
		p.setState(StateDisconnected)
		return marketerr.Wrap(marketerr.KindPermanent, "streaming.Authenticate", err).WithField("provider", p.name)
	}
	p.setState(StateAuthenticated)

	p.mu.Lock()
	p.loopCancel = cancel
	p.receiveDone = make(chan struct{})
	p.heartbeatDone = make(chan struct{})
	receiveDone := p.receiveDone
	heartbeatDone := p.heartbeatDone
	p.mu.Unlock()

	p.setState(StateStreaming)
	go p.runReceiveLoop(runCtx, conn, receiveDone)
	go p.runHeartbeat(runCtx, conn, heartbeatDone)
	return nil
}

// runReceiveLoop reads one assembled message at a time. gorilla/websocket
// reassembles fragmented frames internally; SetReadLimit bounds the
// assembled message the way the hand-rolled 128 KiB builder would.
func (p *StreamingProviderBase) runReceiveLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer logging.RecoverPanic(p.logger, "streaming-receive-"+p.name, nil)

	conn.SetReadLimit(128 * 1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			p.logger.Warn().Err(err).Str("provider", p.name).Msg("receive loop error")
			go p.onConnectionLost(marketerr.Wrap(marketerr.KindTransient, "streaming.Receive", err))
			return
		}

		p.dispatchMessage(ctx, msg)
	}
}

func (p *StreamingProviderBase) dispatchMessage(ctx context.Context, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("provider", p.name).Msg("HandleMessage panicked")
		}
	}()
	p.hooks.HandleMessage(ctx, msg)
}

func (p *StreamingProviderBase) runHeartbeat(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer logging.RecoverPanic(p.logger, "streaming-heartbeat-"+p.name, nil)

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, p.cfg.HeartbeatTimeout)
			err := p.hooks.Probe(probeCtx, conn)
			cancel()
			if err != nil {
				failures++
				p.logger.Warn().Err(err).Int("failures", failures).Str("provider", p.name).Msg("heartbeat probe failed")
				if failures >= p.cfg.HeartbeatMaxFailures {
					go p.onConnectionLost(marketerr.New(marketerr.KindTransient, "streaming.Heartbeat", "connection lost").WithField("provider", p.name))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// onConnectionLost runs the single-reconnection-at-a-time protocol:
// try-acquire reconnectGate, cleanup the old socket, reconnect, and on
// success resend the full subscription state.
func (p *StreamingProviderBase) onConnectionLost(cause error) {
	select {
	case p.reconnectGate <- struct{}{}:
	default:
		return
	}
	defer func() { <-p.reconnectGate }()

	disconnectedAt := p.clock.Now().UnixNano()
	p.cleanupConnection()
	p.setState(StateReconnecting)

	err := p.Connect(context.Background())
	evt := ReconnectEvent{
		Provider:       p.name,
		DisconnectedAt: disconnectedAt,
		ReconnectedAt:  p.clock.Now().UnixNano(),
		Success:        err == nil,
		Err:            err,
	}
	if err == nil {
		if resendErr := p.sendSubscriptionUpdate(); resendErr != nil {
			p.logger.Warn().Err(resendErr).Str("provider", p.name).Msg("resubscribe after reconnect failed")
		}
	} else {
		p.logger.Error().Err(err).Str("provider", p.name).Msg("reconnect failed; next heartbeat failure will retry")
	}
	_ = cause

	select {
	case p.reconnectEvents <- evt:
	default:
		p.logger.Warn().Str("provider", p.name).Msg("reconnect event channel full, dropping event")
	}
}

func (p *StreamingProviderBase) cleanupConnection() {
	p.mu.Lock()
	cancel := p.loopCancel
	conn := p.conn
	receiveDone := p.receiveDone
	heartbeatDone := p.heartbeatDone
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	awaitWithTimeout(receiveDone, 5*time.Second)
	awaitWithTimeout(heartbeatDone, 5*time.Second)
}

func awaitWithTimeout(done chan struct{}, timeout time.Duration) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// SubscribeTrades registers symbol for trade updates and fires a
// total-state subscription update.
func (p *StreamingProviderBase) SubscribeTrades(symbol string) event.Subscription {
	sub := p.registry.Add(symbol, event.KindTrades, p.clock.Now().UnixNano())
	go p.fireAndForgetSubscriptionUpdate()
	return sub
}

// SubscribeDepth registers symbol for depth updates and fires a
// total-state subscription update.
func (p *StreamingProviderBase) SubscribeDepth(symbol string) event.Subscription {
	sub := p.registry.Add(symbol, event.KindDepth, p.clock.Now().UnixNano())
	go p.fireAndForgetSubscriptionUpdate()
	return sub
}

// Unsubscribe removes a subscription and fires an updated total-state
// message, symmetric with Subscribe*.
func (p *StreamingProviderBase) Unsubscribe(id int64) bool {
	removed := p.registry.Remove(id)
	if removed {
		go p.fireAndForgetSubscriptionUpdate()
	}
	return removed
}

func (p *StreamingProviderBase) fireAndForgetSubscriptionUpdate() {
	if err := p.sendSubscriptionUpdate(); err != nil {
		p.logger.Warn().Err(err).Str("provider", p.name).Msg("subscription update failed")
	}
}

// sendSubscriptionUpdate rebuilds the subscription message from the
// registry's current state and writes it — a total-state send, never a
// delta.
func (p *StreamingProviderBase) sendSubscriptionUpdate() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return marketerr.New(marketerr.KindNotConfigured, "streaming.Subscribe", "not connected").WithField("provider", p.name)
	}

	trade := p.registry.SymbolsByKind(event.KindTrades)
	depth := p.registry.SymbolsByKind(event.KindDepth)
	msg, err := p.hooks.BuildSubscriptionMessage(trade, depth)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(p.clock.Now().Add(p.cfg.OpTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Disconnect is idempotent: cancel loops, close the socket, await the
// receive task, and leave the registry intact (callers may reconnect
// and resend the same subscription state).
func (p *StreamingProviderBase) Disconnect() {
	p.cleanupConnection()
	p.setState(StateDisconnected)
}
