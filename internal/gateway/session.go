package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncline/internal/domain"
	"syncline/internal/protocol"
)

type outbound struct {
	msg       protocol.Outbound
	closeCode int
	closeText string
}

// session is one live connection. Everything below mu is guarded by it;
// the queue is drained by the session's single writer goroutine.
type session struct {
	id    string
	conn  *websocket.Conn
	queue chan outbound
	abort chan struct{}
	done  chan struct{}

	mu            sync.Mutex
	closed        bool
	closeReason   string
	abortOnce     sync.Once
	topics        []domain.Module
	stale         map[domain.Module]bool
	syncing       map[domain.Module]bool
	delivered     map[domain.Module]uint64
	lastHeartbeat time.Time
	lastAck       *string
	lastUpdate    *string
}

func newSession(id string, conn *websocket.Conn, buffer int, now time.Time) *session {
	s := &session{
		id:            id,
		conn:          conn,
		queue:         make(chan outbound, buffer),
		abort:         make(chan struct{}),
		done:          make(chan struct{}),
		stale:         map[domain.Module]bool{},
		syncing:       map[domain.Module]bool{},
		delivered:     map[domain.Module]uint64{},
		lastHeartbeat: now,
	}
	for _, t := range protocol.Topics {
		s.stale[t] = true
	}
	return s
}

// push queues msg without blocking. A full queue marks the session as a
// slow consumer and aborts its writer. Callers hold mu.
func (s *session) push(msg protocol.Outbound) bool {
	if s.closed {
		return false
	}
	select {
	case s.queue <- outbound{msg: msg}:
		return true
	default:
		s.slowLocked()
		return false
	}
}

// sendWait queues msg, waiting up to wait for the writer to make room. A
// writer that stays full for the whole wait marks the session a slow
// consumer. Callers must not hold mu.
func (s *session) sendWait(ctx context.Context, msg protocol.Outbound, wait time.Duration) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.queue <- outbound{msg: msg}:
		return true
	case <-s.abort:
		return false
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		s.mu.Lock()
		s.slowLocked()
		s.mu.Unlock()
		return false
	}
}

func (s *session) slowLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.closeReason = ReasonSlowConsumer
	s.abortOnce.Do(func() { close(s.abort) })
}

func (s *session) send(msg protocol.Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(msg)
}

// markClosed stops further sends and, given a close code, queues a close
// frame behind whatever is already pending. It returns the reason the
// session first closed with.
func (s *session) markClosed(reason string, code int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeReason
	}
	s.closed = true
	s.closeReason = reason
	if code == 0 {
		s.abortOnce.Do(func() { close(s.abort) })
		return reason
	}
	select {
	case s.queue <- outbound{closeCode: code, closeText: reason}:
	default:
		s.abortOnce.Do(func() { close(s.abort) })
	}
	return reason
}

func (s *session) subscribedLocked(m domain.Module) bool {
	for _, t := range s.topics {
		if t == m {
			return true
		}
	}
	return false
}

// noteDeliveredLocked records ev as the newest delivery for its topic.
func (s *session) noteDeliveredLocked(ev protocol.EventMessage) {
	if ev.Seq > s.delivered[ev.Module] {
		s.delivered[ev.Module] = ev.Seq
	}
	id := ev.EventID
	s.lastAck = &id
	at := ev.OccurredAt
	s.lastUpdate = &at
	delete(s.stale, ev.Module)
}

func (s *session) clearStale(m domain.Module) {
	s.mu.Lock()
	delete(s.stale, m)
	s.mu.Unlock()
}
