// Package gateway bridges the hub to live websocket connections. It owns
// every session: subscriptions, per-topic staleness, heartbeat expiry,
// resync and event fan-out.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"syncline/internal/domain"
	"syncline/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultSweepInterval     = time.Second
	DefaultSendBuffer        = 64

	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Close reasons reported to metrics.
const (
	ReasonClientClosed     = "client_closed"
	ReasonHeartbeatTimeout = protocol.ReasonHeartbeatTimeout
	ReasonSlowConsumer     = "slow_consumer"
	ReasonShutdown         = "shutdown"
)

// Hub is what the gateway consumes from the realtime hub.
type Hub interface {
	Snapshot(ctx context.Context, module domain.Module) (protocol.SnapshotMessage, error)
	MessagesAfter(lastAck *string) []protocol.EventMessage
	OnMessage(fn func(protocol.EventMessage)) func()
	Seq() uint64
}

type Recorder interface {
	ObserveEventLatency(module string, ms float64)
	IncSessionsClosed(reason string)
	SetSessions(n int)
	SetStaleSessionRatio(r float64)
}

// Authenticator validates the token carried by an auth message.
type Authenticator func(token string) error

type Options struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SendBuffer        int
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           Recorder
	CheckOrigin       func(r *http.Request) bool
	Authenticate      Authenticator
}

type Gateway struct {
	hub      Hub
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	unsubscribe func()
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// Stats is a point-in-time view of the session table.
type Stats struct {
	Sessions   int     `json:"sessions"`
	StaleRatio float64 `json:"staleRatio"`
}

// New registers the gateway with the hub and starts the heartbeat sweeper.
// Close releases both.
func New(h Hub, opts Options) *Gateway {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	g := &Gateway{
		hub:  h,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		sessions: map[string]*session{},
		stop:     make(chan struct{}),
	}
	g.unsubscribe = h.OnMessage(g.fanOut)
	g.wg.Add(1)
	go g.sweepLoop()
	return g
}

// HeartbeatTimeout is the silence after which a session is evicted.
func (g *Gateway) HeartbeatTimeout() time.Duration {
	return 2 * g.opts.HeartbeatInterval
}

// ServeHTTP upgrades the request and serves the session until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.opts.Logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s := newSession(uuid.NewString(), conn, g.opts.SendBuffer, g.opts.Now())
	log := g.opts.Logger.With("session", s.id)

	g.attach(s)
	go g.writeLoop(s, log)

	s.mu.Lock()
	for _, topic := range protocol.Topics {
		s.push(protocol.NewStaleState(topic, true, nil, protocol.ReasonAwaitingSubscription))
	}
	s.mu.Unlock()
	log.Debug("session opened", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		g.handle(ctx, s, raw)
	}

	reason := s.markClosed(ReasonClientClosed, 0)
	g.detach(s, reason)
	<-s.done
	log.Debug("session closed", "reason", reason)
}

func (g *Gateway) handle(ctx context.Context, s *session, raw []byte) {
	now := g.opts.Now()
	msg, ok := protocol.SafeParseMessage(raw)
	if !ok {
		s.send(protocol.NewBadMessageError(now))
		return
	}
	switch msg.Type {
	case protocol.TypeHeartbeat:
		s.mu.Lock()
		s.lastHeartbeat = now
		s.mu.Unlock()
	case protocol.TypeSubscribe:
		g.subscribe(ctx, s, msg.Topics)
	case protocol.TypeResyncRequest:
		g.resync(ctx, s, msg.LastAckEventID)
	case protocol.TypeAuth:
		if g.opts.Authenticate == nil {
			return
		}
		if err := g.opts.Authenticate(msg.Token); err != nil {
			g.opts.Logger.Debug("session auth rejected", "session", s.id, "err", err)
			s.send(protocol.NewAuthFailedError(now))
		}
	default:
		s.send(protocol.NewUnsupportedMessageTypeError(msg.Type, now))
	}
}

// subscribe replaces the session's topic set and brings each topic current,
// one after another.
func (g *Gateway) subscribe(ctx context.Context, s *session, requested []string) {
	topics := validTopics(requested)

	s.mu.Lock()
	s.topics = topics
	s.stale = map[domain.Module]bool{}
	for _, t := range topics {
		s.stale[t] = true
	}
	for t := range s.delivered {
		if !s.subscribedLocked(t) {
			delete(s.delivered, t)
		}
	}
	s.mu.Unlock()
	g.recomputeStaleRatio()

	g.syncCycle(ctx, s, topics, func(topic domain.Module) bool {
		return g.syncSnapshot(ctx, s, topic)
	})
}

// resync replays what the session missed since lastAck. Event topics get
// the gap from the replay log, or a snapshot when the log cannot serve it;
// snapshot-only topics always get a snapshot.
func (g *Gateway) resync(ctx context.Context, s *session, lastAck *string) {
	s.mu.Lock()
	s.lastAck = lastAck
	topics := append([]domain.Module(nil), s.topics...)
	s.mu.Unlock()

	g.syncCycle(ctx, s, topics, func(topic domain.Module) bool {
		if protocol.CarriesEvents(topic) {
			if sent, ok := g.replay(ctx, s, topic, lastAck); sent > 0 || !ok {
				return ok
			}
		}
		return g.syncSnapshot(ctx, s, topic)
	})
}

// syncCycle runs bring for each topic between a syncing and an ok status.
// Fan-out holds back every topic of the cycle until it ends; the events it
// skipped are then delivered from the replay log. Sends inside the cycle
// wait for queue room instead of failing, so a gap larger than the send
// buffer still completes.
func (g *Gateway) syncCycle(ctx context.Context, s *session, topics []domain.Module, bring func(domain.Module) bool) {
	floor := g.hub.Seq()
	s.mu.Lock()
	for _, t := range topics {
		s.syncing[t] = true
	}
	s.mu.Unlock()
	defer g.catchUp(ctx, s, topics, floor)

	for _, topic := range topics {
		if !s.sendWait(ctx, protocol.NewSyncStatus(topic, domain.SyncSyncing, g.opts.Now()), writeWait) {
			return
		}
		if !bring(topic) {
			continue
		}
		if !s.sendWait(ctx, protocol.NewSyncStatus(topic, domain.SyncOK, g.opts.Now()), writeWait) {
			return
		}
		s.clearStale(topic)
		g.recomputeStaleRatio()
	}
}

// replay sends the topic's events after lastAck and reports how many went
// out. ok is false once the session can no longer take messages.
func (g *Gateway) replay(ctx context.Context, s *session, topic domain.Module, lastAck *string) (sent int, ok bool) {
	for _, ev := range g.hub.MessagesAfter(lastAck) {
		if ev.Module != topic {
			continue
		}
		if !s.sendWait(ctx, ev, writeWait) {
			return sent, false
		}
		s.mu.Lock()
		s.noteDeliveredLocked(ev)
		s.mu.Unlock()
		sent++
	}
	return sent, true
}

// syncSnapshot sends a snapshot for topic. Events up to the hub sequence
// seen before the snapshot was built count as delivered.
func (g *Gateway) syncSnapshot(ctx context.Context, s *session, topic domain.Module) bool {
	mark := g.hub.Seq()
	snap, err := g.hub.Snapshot(ctx, topic)
	if err != nil {
		g.opts.Logger.Warn("snapshot failed", "session", s.id, "module", topic, "err", err)
		s.sendWait(ctx, protocol.NewSyncStatusError(topic, err), writeWait)
		return false
	}
	if !s.sendWait(ctx, snap, writeWait) {
		return false
	}
	s.mu.Lock()
	if mark > s.delivered[topic] {
		s.delivered[topic] = mark
	}
	s.mu.Unlock()
	return true
}

// catchUp delivers the cycle's events that fan-out skipped, each followed by
// its fresh stale_state, and hands the topics back to fan-out once nothing
// is left. Events at or below floor predate the cycle.
func (g *Gateway) catchUp(ctx context.Context, s *session, topics []domain.Module, floor uint64) {
	stuck := false
	for {
		s.mu.Lock()
		var pending []protocol.EventMessage
		if !s.closed && !stuck {
			for _, ev := range g.hub.MessagesAfter(nil) {
				if !s.syncing[ev.Module] || ev.Seq <= floor || ev.Seq <= s.delivered[ev.Module] {
					continue
				}
				pending = append(pending, ev)
			}
		}
		if len(pending) == 0 {
			for _, t := range topics {
				delete(s.syncing, t)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, ev := range pending {
			if !g.deliverWait(ctx, s, ev) {
				stuck = true
				break
			}
		}
	}
}

// deliverWait sends ev and its fresh stale_state outside the fan-out path.
func (g *Gateway) deliverWait(ctx context.Context, s *session, ev protocol.EventMessage) bool {
	if !s.sendWait(ctx, ev, writeWait) {
		return false
	}
	s.mu.Lock()
	s.noteDeliveredLocked(ev)
	fresh := protocol.NewStaleState(ev.Module, false, s.lastUpdate, protocol.ReasonFreshEventReceived)
	s.mu.Unlock()
	ok := s.sendWait(ctx, fresh, writeWait)
	g.recomputeStaleRatio()
	return ok
}

// fanOut runs on the publisher's goroutine for every hub event.
func (g *Gateway) fanOut(ev protocol.EventMessage) {
	g.mu.RLock()
	targets := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		targets = append(targets, s)
	}
	g.mu.RUnlock()

	changed := false
	for _, s := range targets {
		s.mu.Lock()
		if !s.subscribedLocked(ev.Module) || s.syncing[ev.Module] || ev.Seq <= s.delivered[ev.Module] {
			s.mu.Unlock()
			continue
		}
		if s.push(ev) {
			s.noteDeliveredLocked(ev)
			s.push(protocol.NewStaleState(ev.Module, false, s.lastUpdate, protocol.ReasonFreshEventReceived))
			changed = true
		}
		s.mu.Unlock()
	}
	if changed {
		g.recomputeStaleRatio()
	}
}

func (g *Gateway) sweepLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Sweep evicts every session whose last heartbeat is older than the
// heartbeat timeout. Each evicted session is told its topics went stale and
// is then closed with code 4000.
func (g *Gateway) Sweep() int {
	now := g.opts.Now()
	timeout := g.HeartbeatTimeout()

	g.mu.RLock()
	var expired []*session
	for _, s := range g.sessions {
		s.mu.Lock()
		if now.Sub(s.lastHeartbeat) > timeout {
			expired = append(expired, s)
		}
		s.mu.Unlock()
	}
	g.mu.RUnlock()

	for _, s := range expired {
		if !g.detach(s, ReasonHeartbeatTimeout) {
			continue
		}
		s.mu.Lock()
		for _, topic := range s.topics {
			s.push(protocol.NewStaleState(topic, true, s.lastUpdate, protocol.ReasonHeartbeatTimeout))
		}
		s.mu.Unlock()
		s.markClosed(ReasonHeartbeatTimeout, protocol.CloseHeartbeatTimeout)
		g.opts.Logger.Info("session evicted", "session", s.id, "reason", ReasonHeartbeatTimeout)
	}
	return len(expired)
}

func (g *Gateway) attach(s *session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	n := len(g.sessions)
	g.mu.Unlock()
	if g.opts.Metrics != nil {
		g.opts.Metrics.SetSessions(n)
	}
	g.recomputeStaleRatio()
}

// detach removes s from the session table. It reports false when s was
// already gone.
func (g *Gateway) detach(s *session, reason string) bool {
	g.mu.Lock()
	_, ok := g.sessions[s.id]
	delete(g.sessions, s.id)
	n := len(g.sessions)
	g.mu.Unlock()
	if !ok {
		return false
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.IncSessionsClosed(reason)
		g.opts.Metrics.SetSessions(n)
	}
	g.recomputeStaleRatio()
	return true
}

func (g *Gateway) recomputeStaleRatio() {
	ratio := g.Stats().StaleRatio
	if g.opts.Metrics != nil {
		g.opts.Metrics.SetStaleSessionRatio(ratio)
	}
}

func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.sessions) == 0 {
		return Stats{}
	}
	stale := 0
	for _, s := range g.sessions {
		s.mu.Lock()
		if len(s.stale) > 0 {
			stale++
		}
		s.mu.Unlock()
	}
	return Stats{Sessions: len(g.sessions), StaleRatio: float64(stale) / float64(len(g.sessions))}
}

// SessionIDs lists open sessions, sorted.
func (g *Gateway) SessionIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close detaches from the hub, stops the sweeper and closes every session
// with 1001 going away.
func (g *Gateway) Close() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.unsubscribe()
		g.wg.Wait()

		g.mu.RLock()
		open := make([]*session, 0, len(g.sessions))
		for _, s := range g.sessions {
			open = append(open, s)
		}
		g.mu.RUnlock()
		for _, s := range open {
			if g.detach(s, ReasonShutdown) {
				s.markClosed(ReasonShutdown, websocket.CloseGoingAway)
			}
		}
	})
}

func (g *Gateway) writeLoop(s *session, log *slog.Logger) {
	defer close(s.done)
	defer s.conn.Close()
	for {
		select {
		case item := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if item.closeCode != 0 {
				msg := websocket.FormatCloseMessage(item.closeCode, item.closeText)
				if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
					log.Debug("write close frame", "err", err)
				}
				return
			}
			if err := s.conn.WriteJSON(item.msg); err != nil {
				log.Debug("session write failed", "err", err)
				s.markClosed(ReasonClientClosed, 0)
				return
			}
			if ev, isEvent := item.msg.(protocol.EventMessage); isEvent && g.opts.Metrics != nil {
				if ms, ok := protocol.ParseEventLatency(ev, g.opts.Now()); ok {
					g.opts.Metrics.ObserveEventLatency(string(ev.Module), float64(ms))
				}
			}
		case <-s.abort:
			return
		}
	}
}

func validTopics(requested []string) []domain.Module {
	seen := map[domain.Module]bool{}
	var out []domain.Module
	for _, raw := range requested {
		m := domain.Module(raw)
		if !protocol.IsTopic(m) || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
