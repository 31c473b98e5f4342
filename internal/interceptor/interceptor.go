// Package interceptor converts an agent process's terminal output into typed
// events and brokers remote approval for the permission prompts it prints.
package interceptor

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/gosuda/tether/internal/event"
)

// ErrInputClosed is returned when writing to a stopped interceptor.
var ErrInputClosed = errors.New("interceptor: input closed") //nolint:gochecknoglobals // sentinel error

// Sink receives every event the interceptor emits. Implementations must be
// safe for concurrent use: approval outcomes may be emitted from timer
// goroutines while output is being parsed.
type Sink interface {
	Emit(ev event.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev event.Event)

func (f SinkFunc) Emit(ev event.Event) { f(ev) }

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithClock sets the clock used for approval deadlines.
func WithClock(clk clock.WithDelayedExecution) Option {
	return func(i *Interceptor) {
		i.clock = clk
	}
}

// WithApprovalTimeout overrides DefaultApprovalTimeout.
func WithApprovalTimeout(d time.Duration) Option {
	return func(i *Interceptor) {
		i.timeout = d
	}
}

// WithIDGenerator overrides how requestIds and callIds are generated.
func WithIDGenerator(gen func() string) Option {
	return func(i *Interceptor) {
		i.newID = gen
	}
}

// Interceptor owns one session's parser, its pending approvals, and the
// agent's input stream.
type Interceptor struct {
	sessionID string
	sink      Sink
	clock     clock.WithDelayedExecution
	timeout   time.Duration
	newID     func() string

	parseMu sync.Mutex
	parser  *Parser

	approvals *Approvals

	inputMu sync.Mutex
	input   io.Writer
	closed  bool
}

// New creates an interceptor that writes approval answers and injected input
// to input and emits events to sink.
func New(sessionID string, input io.Writer, sink Sink, opts ...Option) *Interceptor {
	i := &Interceptor{
		sessionID: sessionID,
		sink:      sink,
		input:     input,
		timeout:   DefaultApprovalTimeout,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}

	i.parser = NewParser()
	i.parser.newID = i.newID
	i.approvals = NewApprovals(i.clock, i.timeout)

	return i
}

// SessionID returns the session this interceptor belongs to.
func (i *Interceptor) SessionID() string {
	return i.sessionID
}

// Feed parses a chunk of process output. Permission prompts are handed to
// the approval broker without blocking: the answer arrives later through
// HandleApproval or the deadline.
func (i *Interceptor) Feed(chunk []byte) {
	i.parseMu.Lock()
	outcomes := i.parser.Feed(chunk)
	i.parseMu.Unlock()

	i.dispatch(outcomes)
}

// Flush processes the trailing partial line and closes an open tool call.
func (i *Interceptor) Flush() {
	i.parseMu.Lock()
	outcomes := i.parser.Flush()
	i.parseMu.Unlock()

	i.dispatch(outcomes)
}

// HandleApproval resolves a pending permission request owned by this
// interceptor. Unknown or already resolved ids report false and have no
// effect, which lets the connection manager broadcast answers to every
// session.
func (i *Interceptor) HandleApproval(requestID string, approved bool) bool {
	return i.approvals.Resolve(requestID, approved)
}

// PendingApprovals returns the number of unanswered permission requests.
func (i *Interceptor) PendingApprovals() int {
	return i.approvals.Pending()
}

// WriteInput injects a line of text into the agent's input stream.
func (i *Interceptor) WriteInput(text string) error {
	return i.write(text + "\n")
}

// Close stops accepting input and denies every pending approval. The
// resulting permission-response events are still emitted. Idempotent.
func (i *Interceptor) Close() {
	i.inputMu.Lock()
	i.closed = true
	i.inputMu.Unlock()

	i.approvals.Close()
}

func (i *Interceptor) dispatch(outcomes []Outcome) {
	for _, o := range outcomes {
		if o.Permission != nil {
			i.requestPermission(*o.Permission)
			continue
		}
		i.sink.Emit(o.Event)
	}
}

// requestPermission emits the request before registering it, so no answer
// (a deadline, a remote reply or Close) can be emitted ahead of it.
func (i *Interceptor) requestPermission(p Permission) {
	requestID := i.newID()

	i.sink.Emit(event.PermissionRequest{
		RequestID:   requestID,
		Tool:        p.Tool,
		Pattern:     p.Pattern,
		Description: p.Description,
	})

	err := i.approvals.Request(requestID, func(approved bool) {
		i.answer(requestID, approved)
	})
	if err != nil {
		// Closed broker: the session is going away, answer now.
		log.Debug().Err(err).Str("session_id", i.sessionID).Str("request_id", requestID).Msg("interceptor: approval not registered")
		i.answer(requestID, false)
	}
}

func (i *Interceptor) answer(requestID string, approved bool) {
	reply := "n"
	if approved {
		reply = "y"
	}

	if err := i.write(reply); err != nil && !errors.Is(err, ErrInputClosed) {
		log.Warn().Err(err).Str("session_id", i.sessionID).Str("request_id", requestID).Msg("interceptor: failed to write approval answer")
	}

	i.sink.Emit(event.PermissionResponse{RequestID: requestID, Approved: approved})
}

func (i *Interceptor) write(s string) error {
	i.inputMu.Lock()
	defer i.inputMu.Unlock()

	if i.closed || i.input == nil {
		return ErrInputClosed
	}
	if _, err := io.WriteString(i.input, s); err != nil {
		return fmt.Errorf("interceptor.write: %w", err)
	}
	return nil
}
