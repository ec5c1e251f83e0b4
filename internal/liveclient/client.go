package liveclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"syncline/internal/domain"
	"syncline/internal/protocol"
)

const (
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// ErrGaveUp is reported by Wait once the reconnect budget is spent.
var ErrGaveUp = errors.New("realtime client gave up reconnecting")

type Options struct {
	URL                  string
	Token                string
	Topics               []domain.Module
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	Backoff              Backoff
	Dialer               *websocket.Dialer
	Now                  func() time.Time
	Logger               *slog.Logger
}

// Client owns one logical connection. A single loop goroutine dials, writes
// every outbound frame and owns both the heartbeat and reconnect timers; a
// reader goroutine per socket feeds inbound frames to the store.
type Client struct {
	opts  Options
	store *Store

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func New(opts Options, store *Store) *Client {
	if len(opts.Topics) == 0 {
		opts.Topics = protocol.Topics
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Backoff.Base == 0 && opts.Backoff.Jitter == 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if store == nil {
		store = NewStore(NewState(opts.Topics))
	}
	return &Client{opts: opts, store: store, done: make(chan struct{})}
}

func (c *Client) Store() *Store {
	return c.store
}

// Start launches the connection loop. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.once.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go c.run(ctx)
	})
}

// Close stops the loop, cancels both timers and waits until no goroutine
// of the client is left running.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// Wait blocks until the loop exits and reports why.
func (c *Client) Wait() error {
	<-c.done
	return c.err
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	log := c.opts.Logger.With("component", "liveclient", "url", c.opts.URL)

	attempt := 0
	for {
		synced, err := c.connectOnce(ctx, log)
		if synced {
			attempt = 0
		}
		c.store.Dispatch(SocketClosed{})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug("socket closed", "err", err)
		}
		if attempt >= c.opts.MaxReconnectAttempts {
			log.Warn("giving up", "attempts", attempt)
			c.err = ErrGaveUp
			return
		}
		attempt++
		delay := c.opts.Backoff.Delay(attempt)
		c.store.Dispatch(ReconnectScheduled{Attempt: attempt, Delay: delay})
		log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce runs one socket from dial to close. It reports whether the
// handshake completed: every topic got its sync ok from both the subscribe
// and the resync. A socket that opens but never gets that far counts
// against the reconnect budget.
func (c *Client) connectOnce(ctx context.Context, log *slog.Logger) (bool, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	var synced atomic.Bool
	c.store.Dispatch(SocketOpened{})
	lastAck := c.store.State().LastAckEventID
	for _, msg := range []any{
		protocol.NewAuth(c.opts.Token),
		protocol.NewSubscribe(c.opts.Topics),
		protocol.NewResyncRequest(lastAck),
	} {
		if err := conn.WriteJSON(msg); err != nil {
			return false, fmt.Errorf("handshake: %w", err)
		}
	}

	readErr := make(chan error, 1)
	go func() {
		oks := make(map[domain.Module]int, len(c.opts.Topics))
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, ok := protocol.ParseServerMessage(raw)
			if !ok {
				log.Debug("dropping malformed frame", "bytes", len(raw))
				continue
			}
			c.store.Dispatch(MessageReceived{Message: msg})
			if msg.Type == protocol.TypeSyncStatus && msg.Status == domain.SyncOK && !synced.Load() {
				oks[msg.Module]++
				if handshakeDone(c.opts.Topics, oks) {
					synced.Store(true)
				}
			}
		}
	}()

	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			<-readErr
			return synced.Load(), ctx.Err()
		case err := <-readErr:
			return synced.Load(), err
		case <-heartbeat.C:
			if err := conn.WriteJSON(protocol.NewHeartbeat(c.opts.Now())); err != nil {
				conn.Close()
				<-readErr
				return synced.Load(), fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func handshakeDone(topics []domain.Module, oks map[domain.Module]int) bool {
	for _, t := range topics {
		if oks[t] < 2 {
			return false
		}
	}
	return true
}
