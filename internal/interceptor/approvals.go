package interceptor

import (
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultApprovalTimeout is how long a permission request waits for a remote
// answer before it is denied.
const DefaultApprovalTimeout = 60 * time.Second

//nolint:gochecknoglobals // sentinel errors
var (
	ErrDuplicateRequest = errors.New("interceptor: duplicate request id")
	ErrApprovalsClosed  = errors.New("interceptor: approvals closed")
)

// Resolver receives the final outcome of a permission request. It is called
// exactly once per registered request.
type Resolver func(approved bool)

type pendingApproval struct {
	resolve  Resolver
	timer    clock.Timer
	deadline time.Time
}

// Approvals correlates permission requests with their answers. Each request
// resolves exactly once: by an external answer, by its deadline (denied), or
// by Close (denied).
type Approvals struct {
	clock   clock.WithDelayedExecution
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingApproval
	closed  bool
}

// NewApprovals creates an approval broker. A nil clock uses the wall clock.
func NewApprovals(clk clock.WithDelayedExecution, timeout time.Duration) *Approvals {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Approvals{
		clock:   clk,
		timeout: timeout,
		pending: make(map[string]*pendingApproval),
	}
}

// Request registers a resolver for id and arms its deadline.
func (a *Approvals) Request(id string, resolve Resolver) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrApprovalsClosed
	}
	if _, exists := a.pending[id]; exists {
		return ErrDuplicateRequest
	}

	p := &pendingApproval{
		resolve:  resolve,
		deadline: a.clock.Now().Add(a.timeout),
	}
	a.pending[id] = p
	p.timer = a.clock.AfterFunc(a.timeout, func() {
		a.finish(id, false)
	})

	return nil
}

// Resolve delivers an answer. It reports false when id is unknown or already
// resolved, in which case nothing happens.
func (a *Approvals) Resolve(id string, approved bool) bool {
	return a.finish(id, approved)
}

// Pending returns the number of unresolved requests.
func (a *Approvals) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Deadline returns when id will be auto-denied.
func (a *Approvals) Deadline(id string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[id]
	if !ok {
		return time.Time{}, false
	}
	return p.deadline, true
}

// Close denies every outstanding request, releases their timers and rejects
// further requests. Safe to call more than once.
func (a *Approvals) Close() {
	a.mu.Lock()
	a.closed = true
	drained := make([]*pendingApproval, 0, len(a.pending))
	for id, p := range a.pending {
		delete(a.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
		drained = append(drained, p)
	}
	a.mu.Unlock()

	for _, p := range drained {
		p.resolve(false)
	}
}

func (a *Approvals) finish(id string, approved bool) bool {
	a.mu.Lock()
	p, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	p.resolve(approved)
	return true
}
