package agi

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Default configuration constants (SPEC_FULL §6). These are build-time
// defaults. Only the queue size can be overridden at construction
// (Options.MaxQueueSize); the timeout defaults are fixed and cannot be
// changed per Channel.
const (
	DefaultMaxQueueSize      = 100
	DefaultCommandTimeout    = 10 * time.Second
	DefaultMaxCallDuration   = 6 * time.Hour
	defaultGetOptionTimeout  = 60 * time.Second
	defaultRecordFileTimeout = 10 * time.Minute
)

// Unbounded is the sentinel timeout value meaning "no timer" (SPEC_FULL §9,
// design note "unbounded timeout"). Submit treats any zero or negative
// timeout as Unbounded as well.
const Unbounded time.Duration = -1

// writer is the minimal surface CommandQueue needs from the underlying
// socket: a single blocking write of the already-newline-terminated command.
type writer interface {
	Write(p []byte) (int, error)
}

// queuedCommand is the internal tuple described by SPEC_FULL §3.
type queuedCommand struct {
	id        string
	command   string
	timeout   time.Duration
	enqueued  time.Time
	replyCh   chan *Response
	errCh     chan error
}

// CommandQueue serializes command submissions onto a single socket, one
// in-flight command at a time, with backpressure and per-command timeouts
// (SPEC_FULL §4.4). It has no teacher precedent: every retrieved AGI binding
// is a synchronous one-command-at-a-time blocking call guarded by a mutex.
// This is the queued generalization of that same "one write at a time"
// guarantee, expressed as a worker goroutine draining a mutex-guarded slice
// and woken through a one-slot channel.
type CommandQueue struct {
	mu sync.Mutex

	w            writer
	maxQueueSize int
	bus          *eventBus
	log          *zap.Logger

	pending  []*queuedCommand
	inFlight *queuedCommand

	// staleDrainPending is set when a command times out while Asterisk may
	// still be working on it: the next worker iteration must discard that
	// late reply off q.responses before writing a new command to the wire,
	// or it would be misattributed to whatever is submitted next (SPEC_FULL
	// §5 "Cancellation and timeout"). Only ever touched by the single worker
	// goroutine, so it needs no locking.
	staleDrainPending bool

	alive     bool
	responses chan *Response
	wake      chan struct{}
	done      chan struct{}
}

// newCommandQueue constructs a CommandQueue bound to w. responses is fed by
// the channel's ResponseParser every time a non-hangup line arrives; the
// queue worker owns consuming it while a command is in flight.
func newCommandQueue(w writer, maxQueueSize int, bus *eventBus, log *zap.Logger) *CommandQueue {
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultMaxQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}

	q := &CommandQueue{
		w:            w,
		maxQueueSize: maxQueueSize,
		bus:          bus,
		log:          log,
		alive:        true,
		responses:    make(chan *Response, 1),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	go q.run()

	return q
}

// deliverResponse hands a parsed Response to the worker through the one-slot
// responses buffer. Called by the Channel's read loop. A response that
// arrives while no command is in flight stays buffered and is taken by the
// next command the worker processes (or by the stale-reply drain); while the
// buffer is full the call blocks until the worker takes it or the queue
// terminates.
func (q *CommandQueue) deliverResponse(r *Response) {
	select {
	case q.responses <- r:
	case <-q.done:
	}
}

// Submit enqueues command and blocks until it resolves, per SPEC_FULL §4.4.
// A zero or negative timeout argument is treated as Unbounded, per SPEC_FULL
// §8 "Boundaries".
func (q *CommandQueue) Submit(command string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = Unbounded
	}

	q.mu.Lock()
	if !q.alive {
		q.mu.Unlock()
		return nil, errors.Wrapf(ErrChannelDead, "submit %q", command)
	}
	if len(q.pending) >= q.maxQueueSize {
		q.mu.Unlock()
		return nil, errors.Wrapf(ErrQueueFull, "queue full, rejected %q", command)
	}

	qc := &queuedCommand{
		id:       uuid.NewString(),
		command:  command,
		timeout:  timeout,
		enqueued: time.Now(),
		replyCh:  make(chan *Response, 1),
		errCh:    make(chan error, 1),
	}
	q.pending = append(q.pending, qc)
	size := len(q.pending)
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Emit(EventCommandQueued, CommandQueuedEvent{Command: command, Size: size})
	}
	q.log.Debug("command queued", zap.String("command", command), zap.String("id", qc.id), zap.Int("size", size))

	q.wakeWorker()

	select {
	case resp := <-qc.replyCh:
		return resp, nil
	case err := <-qc.errCh:
		return nil, err
	}
}

// Clear drains the queue, rejecting every pending entry with ErrQueueCleared.
// It returns the number of entries rejected. The in-flight command (if any)
// is not affected; it still resolves or times out on its own.
func (q *CommandQueue) Clear() int {
	q.mu.Lock()
	rejected := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, qc := range rejected {
		qc.errCh <- errors.Wrapf(ErrQueueCleared, "cleared %q", qc.command)
	}

	if q.bus != nil {
		q.bus.Emit(EventQueueCleared, QueueClearedEvent{Reason: ReasonManual, Count: len(rejected)})
	}

	return len(rejected)
}

// Stats returns a snapshot of the queue's current size, whether a command is
// in flight, and the age of the oldest pending entry.
func (q *CommandQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{Size: len(q.pending), Processing: q.inFlight != nil}
	if len(q.pending) > 0 {
		stats.OldestAgeMs = time.Since(q.pending[0].enqueued).Milliseconds()
	}
	return stats
}

// terminate tears the queue down: channelAlive flips to false, every
// pending and in-flight submitter is rejected, and queueCleared fires with
// the given reason (SPEC_FULL §4.4 "Termination sweep"). Idempotent.
func (q *CommandQueue) terminate(reason CloseReason) {
	q.mu.Lock()
	if !q.alive {
		q.mu.Unlock()
		return
	}
	q.alive = false
	pending := q.pending
	q.pending = nil
	inFlight := q.inFlight
	q.mu.Unlock()

	close(q.done)

	var combined error
	for _, qc := range pending {
		err := errors.Wrapf(&ChannelTerminatedError{Command: qc.command, Reason: reason}, "terminated")
		combined = multierr.Append(combined, err)
		qc.errCh <- err
	}
	if inFlight != nil {
		err := errors.Wrapf(&ChannelTerminatedError{Command: inFlight.command, Reason: reason}, "terminated")
		inFlight.errCh <- err
	}

	if q.bus != nil {
		q.bus.Emit(EventQueueCleared, QueueClearedEvent{Reason: reason, Count: len(pending)})
	}
	if combined != nil {
		q.log.Debug("queue terminated", zap.String("reason", string(reason)), zap.Error(combined))
	}
}

func (q *CommandQueue) wakeWorker() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the queue's single logical worker (SPEC_FULL §5). It is the only
// goroutine that ever writes to the socket or reads q.responses, which is
// what gives the "at most one in-flight command" invariant its teeth
// without any additional locking around the write itself.
func (q *CommandQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			qc := q.popNext()
			if qc == nil {
				break
			}
			q.process(qc)
			// Yield explicitly between iterations so a burst of
			// instantaneous rejections (dead channel, queue full
			// races) cannot starve other goroutines waiting on this
			// channel's events (SPEC_FULL §9, design note
			// "setImmediate between queue iterations").
			runtime.Gosched()
		}

		if q.bus != nil {
			q.bus.Emit(EventQueueEmpty, nil)
		}
	}
}

func (q *CommandQueue) popNext() *queuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.alive || len(q.pending) == 0 {
		return nil
	}

	qc := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = qc
	return qc
}

func (q *CommandQueue) process(qc *queuedCommand) {
	start := time.Now()

	defer func() {
		q.mu.Lock()
		q.inFlight = nil
		q.mu.Unlock()
	}()

	if q.staleDrainPending {
		select {
		case r := <-q.responses:
			q.log.Debug("discarding late response for timed-out command", zap.Any("response", r))
		case <-q.done:
			return
		}
		q.staleDrainPending = false
	}

	if _, err := q.w.Write([]byte(qc.command + "\n")); err != nil {
		wrapped := errors.Wrapf(err, "write %q", qc.command)
		qc.errCh <- wrapped
		if q.bus != nil {
			q.bus.Emit(EventCommandFailed, CommandFailedEvent{Command: qc.command, Err: wrapped})
		}
		return
	}
	if q.bus != nil {
		q.bus.Emit(EventSend, qc.command)
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if qc.timeout != Unbounded {
		timer = time.NewTimer(qc.timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case resp := <-q.responses:
		qc.replyCh <- resp
		if q.bus != nil {
			q.bus.Emit(EventCommandProcessed, CommandProcessedEvent{
				Command:    qc.command,
				DurationMs: time.Since(start).Milliseconds(),
			})
		}
		q.log.Debug("command processed",
			zap.String("command", qc.command),
			zap.Duration("elapsed", time.Since(start)))

	case <-timeoutCh:
		err := &CommandTimeoutError{Command: qc.command, Timeout: qc.timeout.String()}
		qc.errCh <- err
		// Asterisk may still be processing qc and reply after the fact; that
		// reply must not be attributed to whatever is submitted next.
		q.staleDrainPending = true
		if q.bus != nil {
			q.bus.Emit(EventCommandFailed, CommandFailedEvent{Command: qc.command, Err: err})
			q.bus.Emit(EventTimeout, qc.command)
		}
		q.log.Debug("command timed out", zap.String("command", qc.command), zap.Duration("timeout", qc.timeout))

	case <-q.done:
		// terminate() already delivered ChannelTerminatedError to qc.errCh.
	}
}

// defaultTimeoutFor selects the context-sensitive default timeout for a
// command by its leading verb, per SPEC_FULL §4.4's table.
func defaultTimeoutFor(command string) time.Duration {
	upper := strings.ToUpper(command)
	switch {
	case strings.HasPrefix(upper, "STREAM FILE"),
		strings.HasPrefix(upper, "SAY "),
		strings.HasPrefix(upper, "GET DATA"),
		strings.HasPrefix(upper, "GET OPTION"):
		return defaultGetOptionTimeout
	case strings.HasPrefix(upper, "RECORD FILE"):
		return defaultRecordFileTimeout
	case strings.HasPrefix(upper, "EXEC"):
		return DefaultMaxCallDuration
	default:
		return DefaultCommandTimeout
	}
}
