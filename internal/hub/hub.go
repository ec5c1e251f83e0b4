// Package hub owns the in-process realtime event log. Mutations published
// through the hub are appended to a bounded replay log and handed to every
// registered listener in publish order.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncline/internal/domain"
	"syncline/internal/protocol"
)

const (
	DefaultCapacity         = 1000
	DefaultSnapshotPageSize = 200
)

// Store is the slice of the repository the hub needs.
type Store interface {
	ApplyWorkflowTransition(ctx context.Context, in domain.TransitionInput) (domain.WorkflowTransitionResult, error)
	ListWorkflows(ctx context.Context, q domain.WorkflowQuery) (domain.WorkflowPage, error)
	ListStories(ctx context.Context, projectID string) ([]domain.StorySummary, error)
	ListProjects(ctx context.Context) ([]domain.ProjectSummary, error)
}

type SyncChecker interface {
	Check(ctx context.Context) (domain.SyncStatusPayload, error)
}

type Recorder interface {
	IncEventsPublished(module string)
}

type Options struct {
	Capacity         int
	SnapshotPageSize int
	Now              func() time.Time
	Logger           *slog.Logger
	Metrics          Recorder
}

type listenerEntry struct {
	id uint64
	fn func(protocol.EventMessage)
}

type Hub struct {
	store Store
	sync  SyncChecker
	opts  Options
	epoch string

	// publishMu serializes publishes so listeners observe log order.
	publishMu sync.Mutex

	mu           sync.RWMutex
	ring         []protocol.EventMessage
	head         int
	size         int
	seq          uint64
	version      int64
	listeners    []listenerEntry
	nextListener uint64
}

func New(store Store, checker SyncChecker, opts Options) *Hub {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SnapshotPageSize <= 0 {
		opts.SnapshotPageSize = DefaultSnapshotPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		store:   store,
		sync:    checker,
		opts:    opts,
		epoch:   strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		ring:    make([]protocol.EventMessage, opts.Capacity),
		version: 1,
	}
}

// Version is the snapshot version; it grows by one on every publish.
func (h *Hub) Version() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// Len is the number of events currently held in the replay log.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Seq is the sequence number of the newest published event, zero before the
// first publish.
func (h *Hub) Seq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func (h *Hub) Capacity() int {
	return h.opts.Capacity
}

// Snapshot builds the full current state for one topic. The version is read
// before the data so the data is never older than the version it claims.
func (h *Hub) Snapshot(ctx context.Context, module domain.Module) (protocol.SnapshotMessage, error) {
	version := h.Version()

	var data any
	switch module {
	case domain.ModuleWorkflow:
		page, err := h.store.ListWorkflows(ctx, domain.WorkflowQuery{Page: 1, PageSize: h.opts.SnapshotPageSize})
		if err != nil {
			return protocol.SnapshotMessage{}, fmt.Errorf("workflow snapshot: %w", err)
		}
		data = map[string]any{"workflows": page.Items}
	case domain.ModuleStory:
		stories, err := h.store.ListStories(ctx, "")
		if err != nil {
			return protocol.SnapshotMessage{}, fmt.Errorf("story snapshot: %w", err)
		}
		data = map[string]any{"stories": stories}
	case domain.ModuleProject:
		projects, err := h.store.ListProjects(ctx)
		if err != nil {
			return protocol.SnapshotMessage{}, fmt.Errorf("project snapshot: %w", err)
		}
		data = map[string]any{"projects": projects}
	case domain.ModuleSync:
		payload := domain.SyncStatusPayload{
			Modules:      []domain.SyncModuleStatus{},
			Warnings:     []domain.ConsistencyWarning{},
			CheckedAtUTC: domain.FormatTime(h.opts.Now()),
		}
		if h.sync != nil {
			var err error
			payload, err = h.sync.Check(ctx)
			if err != nil {
				return protocol.SnapshotMessage{}, fmt.Errorf("sync snapshot: %w", err)
			}
		}
		data = payload
	default:
		return protocol.SnapshotMessage{}, fmt.Errorf("no snapshot for module %q", module)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return protocol.SnapshotMessage{}, fmt.Errorf("encode %s snapshot: %w", module, err)
	}
	return protocol.NewSnapshot(module, version, raw, h.opts.Now()), nil
}

// MessagesAfter returns the log suffix strictly after lastAck. A nil lastAck
// returns the whole log; an id the log no longer (or never) held returns an
// empty slice, meaning the caller has to fall back to a snapshot.
func (h *Hub) MessagesAfter(lastAck *string) []protocol.EventMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if lastAck == nil || *lastAck == "" {
		return h.sliceFrom(0)
	}
	n, ok := h.parseEventID(*lastAck)
	if !ok {
		return []protocol.EventMessage{}
	}
	oldest := h.seq - uint64(h.size) + 1
	if h.size == 0 || n < oldest || n > h.seq {
		return []protocol.EventMessage{}
	}
	return h.sliceFrom(int(n - oldest + 1))
}

// sliceFrom copies the log from logical offset off to the newest entry.
// Callers hold mu.
func (h *Hub) sliceFrom(off int) []protocol.EventMessage {
	if off >= h.size {
		return []protocol.EventMessage{}
	}
	out := make([]protocol.EventMessage, 0, h.size-off)
	for i := off; i < h.size; i++ {
		out = append(out, h.ring[(h.head+i)%len(h.ring)])
	}
	return out
}

func (h *Hub) eventID(n uint64) string {
	return "evt-" + h.epoch + "-" + strconv.FormatUint(n, 10)
}

func (h *Hub) parseEventID(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, "evt-"+h.epoch+"-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// OnMessage registers a listener for every later publish. Listeners run
// synchronously on the publishing goroutine in registration order. The
// returned func unregisters it and is safe to call more than once.
func (h *Hub) OnMessage(fn func(protocol.EventMessage)) func() {
	h.mu.Lock()
	h.nextListener++
	id := h.nextListener
	h.listeners = append(h.listeners, listenerEntry{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, l := range h.listeners {
			if l.id == id {
				h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
				return
			}
		}
	}
}

// PublishTransition applies a workflow transition through the store and
// broadcasts it. A rejected transition leaves the log untouched.
func (h *Hub) PublishTransition(ctx context.Context, in domain.TransitionInput) (domain.WorkflowTransitionResult, error) {
	result, err := h.store.ApplyWorkflowTransition(ctx, in)
	if err != nil {
		return domain.WorkflowTransitionResult{}, err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return result, fmt.Errorf("encode transition event: %w", err)
	}
	h.publish(protocol.EventMessage{
		Type:       protocol.TypeEvent,
		Module:     domain.ModuleWorkflow,
		EntityType: "workflow",
		EntityID:   result.Workflow.ID,
		EventType:  protocol.EventWorkflowTransition,
		OccurredAt: result.Transition.OccurredAtUTC,
		Payload:    payload,
		LineageRef: "workflow-transition:" + result.Transition.ID,
	})
	return result, nil
}

// PublishStoryStatusChange broadcasts a story change the caller already
// applied, including its project rollup and cascaded workflow updates.
func (h *Hub) PublishStoryStatusChange(_ context.Context, change domain.StoryStatusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode story event: %w", err)
	}
	h.publish(protocol.EventMessage{
		Type:       protocol.TypeEvent,
		Module:     domain.ModuleStory,
		EntityType: "story",
		EntityID:   change.Story.ID,
		EventType:  protocol.EventStoryStatusChanged,
		OccurredAt: change.Story.UpdatedAt,
		Payload:    payload,
		LineageRef: fmt.Sprintf("story-status:%s:%s", change.Story.ID, change.Story.UpdatedAt),
	})
	return nil
}

func (h *Hub) publish(ev protocol.EventMessage) protocol.EventMessage {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	h.seq++
	ev.Seq = h.seq
	ev.EventID = h.eventID(h.seq)
	if h.size < len(h.ring) {
		h.ring[(h.head+h.size)%len(h.ring)] = ev
		h.size++
	} else {
		h.ring[h.head] = ev
		h.head = (h.head + 1) % len(h.ring)
	}
	h.version++
	listeners := append([]listenerEntry(nil), h.listeners...)
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.IncEventsPublished(string(ev.Module))
	}
	h.opts.Logger.Debug("event published", "event_id", ev.EventID, "module", ev.Module, "entity_id", ev.EntityID)

	for _, l := range listeners {
		l.fn(ev)
	}
	return ev
}
