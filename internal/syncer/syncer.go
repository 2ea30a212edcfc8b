// ABOUTME: Sync queue manager: drains queued mutations through registered handlers
// ABOUTME: Tracks idle/syncing/offline/error status and broadcasts snapshots to listeners

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiger900/tripsync/internal/netmon"
	"github.com/tiger900/tripsync/internal/store"
)

// Status is the sync manager's externally visible state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// maxAttempts is the threshold past which a queue entry's failures are
// logged at warning level. Entries are never dropped: a queued mutation
// is user data, and there is no recovery surface for silently deleting it.
const maxAttempts = 3

// Handler delivers one queued mutation to the remote side. A nil return
// removes the entry from the queue; any error leaves it queued with its
// attempt count incremented.
type Handler func(ctx context.Context, data json.RawMessage) error

// Result summarizes one queue drain.
type Result struct {
	Success int
	Failed  int
}

// Snapshot is the status payload delivered to listeners.
type Snapshot struct {
	Status       Status     `json:"status"`
	PendingCount int        `json:"pendingCount"`
	LastSync     *time.Time `json:"lastSync,omitempty"`
}

// Manager owns the sync queue drain loop. Handlers are registered per
// entity/action pair; ProcessQueue walks pending entries in creation order
// and dispatches each to its handler.
type Manager struct {
	queue   *store.QueueStore
	monitor netmon.Monitor
	logger  *slog.Logger

	mu          sync.Mutex
	handlers    map[string]Handler
	listeners   map[string]func(Snapshot)
	status      Status
	pending     int
	lastSync    *time.Time
	syncing     bool
	notifyQueue []notification
	notifying   bool
}

// notification is one snapshot bound for the listeners that were
// registered when it was produced.
type notification struct {
	snap      Snapshot
	listeners []func(Snapshot)
}

// New creates a sync manager. Pass nil logger for default.
func New(queue *store.QueueStore, monitor netmon.Monitor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queue:     queue,
		monitor:   monitor,
		logger:    logger.With("component", "syncer"),
		handlers:  make(map[string]Handler),
		listeners: make(map[string]func(Snapshot)),
		status:    StatusIdle,
	}
}

// RegisterHandler installs the handler for an entity/action pair.
// Registering twice replaces the previous handler.
func (m *Manager) RegisterHandler(entity, action string, h Handler) {
	key := entity + ":" + action

	m.mu.Lock()
	_, replaced := m.handlers[key]
	m.handlers[key] = h
	m.mu.Unlock()

	if replaced {
		m.logger.Warn("sync handler replaced", "entity", entity, "action", action)
	} else {
		m.logger.Debug("sync handler registered", "entity", entity, "action", action)
	}
}

// QueueSync records a mutation for later delivery and returns its queue ID.
// When the monitor reports online a drain starts immediately, fire and
// forget; offline entries wait for connectivity restoration (see Start).
func (m *Manager) QueueSync(ctx context.Context, action, entity string, data json.RawMessage) (int64, error) {
	id, err := m.queue.Add(ctx, action, entity, data)
	if err != nil {
		return 0, fmt.Errorf("queueing %s %s: %w", action, entity, err)
	}

	m.logger.Info("queued sync action", "id", id, "action", action, "entity", entity)
	m.refreshPending(ctx)

	if m.monitor.Online() {
		go func() {
			if _, err := m.ProcessQueue(context.WithoutCancel(ctx)); err != nil {
				m.logger.Error("sync pass failed", "error", err)
			}
		}()
	}
	return id, nil
}

// ProcessQueue drains pending entries in creation order. It returns
// immediately with an empty Result when a drain is already running or the
// monitor reports offline. Connectivity is rechecked before every entry so
// a drop mid-drain stops the pass.
func (m *Manager) ProcessQueue(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return Result{}, nil
	}
	if !m.monitor.Online() {
		m.setStatusLocked(StatusOffline)
		m.mu.Unlock()
		return Result{}, nil
	}
	m.syncing = true
	m.setStatusLocked(StatusSyncing)
	m.mu.Unlock()

	result, wentOffline, err := m.drain(ctx)
	m.refreshPending(ctx)

	m.mu.Lock()
	m.syncing = false
	now := time.Now().UTC()
	m.lastSync = &now
	switch {
	case wentOffline, !m.monitor.Online():
		// Connectivity can drop after the last per-entry check; rechecking
		// here keeps that transition from being swallowed by the pass
		m.setStatusLocked(StatusOffline)
	case err != nil || m.pending > 0:
		// Anything still queued after a pass is an error state, even when
		// nothing failed outright (e.g. entries with no handler yet).
		m.setStatusLocked(StatusError)
	default:
		m.setStatusLocked(StatusIdle)
	}
	m.mu.Unlock()

	if err != nil {
		return result, err
	}

	m.logger.Info("sync pass complete", "success", result.Success, "failed", result.Failed)
	return result, nil
}

func (m *Manager) drain(ctx context.Context) (Result, bool, error) {
	var result Result

	entries, err := m.queue.Pending(ctx)
	if err != nil {
		return result, false, fmt.Errorf("reading sync queue: %w", err)
	}

	for _, entry := range entries {
		if !m.monitor.Online() {
			m.logger.Info("connectivity lost mid-sync, stopping pass")
			return result, true, nil
		}

		key := entry.Entity + ":" + entry.Action
		m.mu.Lock()
		handler := m.handlers[key]
		m.mu.Unlock()

		if handler == nil {
			// Deliberately not an attempt: the entry waits, intact, for a
			// handler to be registered.
			m.logger.Warn("no handler for queued action",
				"id", entry.ID, "entity", entry.Entity, "action", entry.Action)
			continue
		}

		if err := m.dispatch(ctx, handler, entry.Data); err != nil {
			result.Failed++
			if markErr := m.queue.MarkAttempted(ctx, entry.ID); markErr != nil {
				return result, false, fmt.Errorf("recording attempt for entry %d: %w", entry.ID, markErr)
			}

			attempts := entry.Attempts + 1
			if attempts >= maxAttempts {
				m.logger.Warn("sync action keeps failing",
					"id", entry.ID, "entity", entry.Entity, "action", entry.Action,
					"attempts", attempts, "error", err)
			} else {
				m.logger.Info("sync action failed, will retry",
					"id", entry.ID, "entity", entry.Entity, "action", entry.Action,
					"attempts", attempts, "error", err)
			}
			continue
		}

		if err := m.queue.Remove(ctx, entry.ID); err != nil {
			return result, false, fmt.Errorf("removing synced entry %d: %w", entry.ID, err)
		}
		result.Success++
		m.logger.Debug("sync action delivered",
			"id", entry.ID, "entity", entry.Entity, "action", entry.Action)
	}

	return result, false, nil
}

// dispatch runs the handler with panic isolation so one broken handler
// cannot take down the drain loop.
func (m *Manager) dispatch(ctx context.Context, h Handler, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, data)
}

// RetryFailed re-runs the drain; failed entries stay queued so a retry
// is just another pass.
func (m *Manager) RetryFailed(ctx context.Context) (Result, error) {
	return m.ProcessQueue(ctx)
}

// ClearQueue drops every queued mutation. Destructive; exposed for
// explicit user action only.
func (m *Manager) ClearQueue(ctx context.Context) error {
	if err := m.queue.Clear(ctx); err != nil {
		return err
	}
	m.logger.Warn("sync queue cleared")
	m.refreshPending(ctx)
	return nil
}

// Status returns the current snapshot.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers a status listener. The current snapshot is delivered
// first; afterwards the listener runs on every status or pending-count
// change, in the order the changes happened. Listener panics are isolated.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := uuid.New().String()
	m.listeners[id] = fn
	m.enqueueLocked(notification{snap: m.snapshotLocked(), listeners: []func(Snapshot){fn}})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Start wires the connectivity monitor to the drain loop: restoration
// triggers a pass, loss flips the status to offline. The returned stop
// func detaches the subscription.
func (m *Manager) Start(ctx context.Context) (stop func()) {
	unsub := m.monitor.Subscribe(func(online bool) {
		if online {
			m.logger.Info("connectivity restored, processing sync queue")
			go func() {
				if _, err := m.ProcessQueue(ctx); err != nil {
					m.logger.Error("sync pass failed", "error", err)
				}
			}()
			return
		}

		m.mu.Lock()
		if !m.syncing {
			m.setStatusLocked(StatusOffline)
		}
		m.mu.Unlock()
	})

	m.refreshPending(ctx)
	if !m.monitor.Online() {
		m.mu.Lock()
		m.setStatusLocked(StatusOffline)
		m.mu.Unlock()
	}

	return unsub
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Status:       m.status,
		PendingCount: m.pending,
		LastSync:     m.lastSync,
	}
}

// setStatusLocked updates status and notifies listeners. Callers hold the
// lock; notification happens on a copy, outside it.
func (m *Manager) setStatusLocked(status Status) {
	m.status = status
	m.broadcastLocked()
}

func (m *Manager) broadcastLocked() {
	listeners := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.enqueueLocked(notification{snap: m.snapshotLocked(), listeners: listeners})
}

// enqueueLocked appends to the notification queue and ensures exactly one
// drainer goroutine is running. A single drainer means listeners observe
// snapshots in the order they were produced.
func (m *Manager) enqueueLocked(n notification) {
	m.notifyQueue = append(m.notifyQueue, n)
	if m.notifying {
		return
	}
	m.notifying = true
	go m.notifyLoop()
}

func (m *Manager) notifyLoop() {
	for {
		m.mu.Lock()
		if len(m.notifyQueue) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		n := m.notifyQueue[0]
		m.notifyQueue = m.notifyQueue[1:]
		m.mu.Unlock()

		for _, fn := range n.listeners {
			m.notifyOne(fn, n.snap)
		}
	}
}

func (m *Manager) notifyOne(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status listener panicked", "panic", r)
		}
	}()
	fn(snap)
}

func (m *Manager) refreshPending(ctx context.Context) {
	count, err := m.queue.Count(ctx)
	if err != nil {
		m.logger.Error("counting sync queue", "error", err)
		return
	}

	m.mu.Lock()
	if m.pending != count {
		m.pending = count
		m.broadcastLocked()
	}
	m.mu.Unlock()
}
