// Package supervisor keeps the long-running components alive. Each
// component reports a heartbeat; one that goes quiet past the staleness
// threshold is cancelled and restarted in place. The rest of the
// process is unaffected.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultCheckInterval is how often heartbeats are inspected.
	DefaultCheckInterval = 10 * time.Second
	// DefaultStaleAfter is the silence threshold that triggers a restart.
	DefaultStaleAfter = 180 * time.Second
)

// Heartbeats is the shared liveness registry. Components call Beat
// through a closure bound to their name.
type Heartbeats struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewHeartbeats creates an empty registry.
func NewHeartbeats() *Heartbeats {
	return &Heartbeats{last: make(map[string]time.Time), now: time.Now}
}

// Beat records liveness for a component.
func (h *Heartbeats) Beat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[name] = h.now()
}

// BeatFunc returns a closure components use to report liveness.
func (h *Heartbeats) BeatFunc(name string) func() {
	return func() { h.Beat(name) }
}

// Snapshot copies the registry, for the status API.
func (h *Heartbeats) Snapshot() map[string]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]time.Time, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

// Alerter pushes restart notifications.
type Alerter interface {
	Notify(msg string)
}

// Component is one supervised goroutine. Run must return promptly when
// its context is cancelled.
type Component struct {
	Name string
	Run  func(ctx context.Context)
}

// Supervisor runs components and restarts the stale ones.
type Supervisor struct {
	hb         *Heartbeats
	alerter    Alerter
	interval   time.Duration
	staleAfter time.Duration

	mu         sync.Mutex
	components []Component
	cancels    map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a supervisor. alerter may be nil.
func New(hb *Heartbeats, alerter Alerter, interval, staleAfter time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Supervisor{
		hb:         hb,
		alerter:    alerter,
		interval:   interval,
		staleAfter: staleAfter,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Register adds a component. Must be called before Run.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
}

// Run starts every component and polls heartbeats until ctx is
// cancelled, then waits for all components to stop.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	for _, c := range s.components {
		s.startLocked(ctx, c)
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

// startLocked launches one component; the heartbeat clock starts now so
// a slow-starting component is not restarted immediately.
func (s *Supervisor) startLocked(ctx context.Context, c Component) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancels[c.Name] = cancel
	s.hb.Beat(c.Name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.Run(runCtx)
	}()
	log.Printf("supervisor: started %s", c.Name)
}

func (s *Supervisor) checkAll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	beats := s.hb.Snapshot()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.components {
		last, ok := beats[c.Name]
		if ok && now.Sub(last) < s.staleAfter {
			continue
		}
		age := now.Sub(last).Round(time.Second)
		msg := "supervisor: " + c.Name + " heartbeat stale (" + age.String() + "), restarting"
		log.Printf("CRITICAL: %s", msg)
		if s.alerter != nil {
			s.alerter.Notify(msg)
		}
		if cancel := s.cancels[c.Name]; cancel != nil {
			cancel()
		}
		s.startLocked(ctx, c)
	}
}
