// ABOUTME: Connectivity monitoring for the sync subsystem
// ABOUTME: Probe polls a URL; Static is a settable monitor for tests and wiring

package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Monitor reports connectivity and notifies subscribers on transitions.
// The unsubscribe func returned by Subscribe is safe to call more than once.
type Monitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Probe monitors connectivity by periodically issuing a HEAD request
// against a known URL. It starts optimistic (online) until the first
// probe completes.
type Probe struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu          sync.Mutex
	online      bool
	subscribers map[string]func(bool)

	stop chan struct{}
	done chan struct{}
}

// NewProbe creates and starts a connectivity probe. Pass nil logger for default.
func NewProbe(url string, interval time.Duration, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Probe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With("component", "netmon"),

		online:      true,
		subscribers: make(map[string]func(bool)),

		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go p.loop()
	return p
}

// Online returns the most recently probed connectivity state.
func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe registers fn to be called on every connectivity transition.
func (p *Probe) Subscribe(fn func(online bool)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.New().String()
	p.subscribers[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

// Close stops the probe loop and waits for it to exit.
func (p *Probe) Close() {
	select {
	case <-p.stop:
		return
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *Probe) loop() {
	defer close(p.done)

	// Probe once immediately so the optimistic default is corrected fast
	p.check()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.check()
		}
	}
}

func (p *Probe) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, probeErr := p.client.Do(req)
		if probeErr == nil {
			resp.Body.Close()
			online = true
		}
	}

	p.setOnline(online)
}

func (p *Probe) setOnline(online bool) {
	p.mu.Lock()
	if p.online == online {
		p.mu.Unlock()
		return
	}
	p.online = online
	subs := make([]func(bool), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	p.logger.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Static is a monitor whose state is set directly. Used in tests and
// anywhere the connectivity signal comes from outside.
type Static struct {
	mu          sync.Mutex
	online      bool
	subscribers map[string]func(bool)
}

// NewStatic creates a static monitor with the given initial state.
func NewStatic(online bool) *Static {
	return &Static{
		online:      online,
		subscribers: make(map[string]func(bool)),
	}
}

// Online returns the current state.
func (s *Static) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline changes the state, notifying subscribers on transitions.
func (s *Static) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]func(bool), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn to be called on every transition.
func (s *Static) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

var (
	_ Monitor = (*Probe)(nil)
	_ Monitor = (*Static)(nil)
)
