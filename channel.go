package agi

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configures a Channel at construction time. The zero value is
// usable: every field falls back to the package defaults documented in
// SPEC_FULL §6.
type Options struct {
	// MaxQueueSize bounds the command queue's backlog (default DefaultMaxQueueSize).
	MaxQueueSize int

	// Logger receives structured logs for the channel and its command
	// queue. A nil Logger behaves like zap.NewNop(), matching the
	// teacher's nil-safe logger field.
	Logger *zap.Logger
}

// Channel is one AGI session: one bidirectional byte stream plus all state
// SPEC_FULL §3 describes. It owns a Framer, a HeaderParser pass, a
// ResponseParser, a CommandQueue, and the CommandLibrary verb methods
// (commands.go).
type Channel struct {
	ID string

	r io.Reader
	w io.Writer

	conn net.Conn

	framer *framer
	parser responseParser
	queue  *CommandQueue
	bus    *eventBus
	log    *zap.Logger

	mu       sync.RWMutex
	meta     *CallMetadata
	ready    bool
	alive    bool
}

// New constructs a Channel over r/w and immediately begins consuming the
// header block on a background goroutine, the same division of labor the
// teacher's NewWithEAGI performs synchronously in its constructor — except
// here header parsing and command processing are disjoint phases of one
// read loop instead of two separate blocking calls (SPEC_FULL §8, invariant
// 5), which is what lets the CommandQueue exist at all.
func New(r io.Reader, w io.Writer, opts Options) *Channel {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Channel{
		ID:     uuid.NewString(),
		r:      r,
		w:      w,
		framer: newFramer(),
		bus:    newEventBus(),
		log:    log,
		alive:  true,
	}

	c.queue = newCommandQueue(w, opts.MaxQueueSize, c.bus, log)

	go c.readLoop()

	return c
}

// NewConn returns a Channel bound to conn, closing conn itself on Close.
func NewConn(conn net.Conn, opts Options) *Channel {
	c := New(conn, conn, opts)
	c.conn = conn
	return c
}

// On registers a handler for one of the channel's closed set of events
// (SPEC_FULL §6, §9). Handlers are emit-and-forget; see eventBus.Emit.
func (c *Channel) On(name EventName, fn func(interface{})) {
	c.bus.On(name, fn)
}

// Metadata returns the parsed CallMetadata. It is safe to call only after
// the EventReady event has fired; before that it returns nil.
func (c *Channel) Metadata() *CallMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// Ready reports whether the header block has been fully consumed.
func (c *Channel) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Alive reports channelAlive (SPEC_FULL §3), which is monotonic true->false.
func (c *Channel) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

// Submit enqueues a raw command string with an explicit timeout, bypassing
// the per-verb default timeout table. Most callers should use the
// CommandLibrary methods in commands.go instead; Submit is exported for
// verbs this library doesn't wrap and for tests.
func (c *Channel) Submit(command string, timeout time.Duration) (*Response, error) {
	return c.queue.Submit(command, timeout)
}

// submitDefault submits command using the context-sensitive default timeout
// selected by its leading verb (SPEC_FULL §4.4).
func (c *Channel) submitDefault(command string) (*Response, error) {
	return c.queue.Submit(command, defaultTimeoutFor(command))
}

// ClearCommandQueue drains pending (not in-flight) commands, rejecting each
// with ErrQueueCleared, and returns the count rejected.
func (c *Channel) ClearCommandQueue() int {
	return c.queue.Clear()
}

// GetQueueStats returns a snapshot of the command queue.
func (c *Channel) GetQueueStats() QueueStats {
	return c.queue.Stats()
}

// Close terminates the channel locally: the queue is torn down, the socket
// (if any) is closed, and EventClose fires. Idempotent.
func (c *Channel) Close() error {
	c.die(ReasonManual)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Channel) die(reason CloseReason) {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	c.alive = false
	c.mu.Unlock()

	c.queue.terminate(reason)
	c.bus.Emit(EventClose, reason)
}

// readLoop is the channel's single reader: it consumes the header block
// once, then feeds every subsequent line to the ResponseParser, routing
// Responses to the CommandQueue and treating HANGUP as channel-terminal
// (SPEC_FULL §4.3, §5). It is the only goroutine that ever reads from r.
func (c *Channel) readLoop() {
	buf := make([]byte, 4096)

	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			c.bus.Emit(EventRecv, string(buf[:n]))
			for _, record := range c.framer.Feed(buf[:n]) {
				if !c.Ready() {
					c.handleHeader(record)
					continue
				}
				c.handleLine(record)
			}
		}
		if err != nil {
			if err != io.EOF {
				c.bus.Emit(EventError, errors.Wrap(err, "channel read"))
			}
			c.die(ReasonChannelClosed)
			return
		}
	}
}

func (c *Channel) handleHeader(record string) {
	meta := parseHeader(record)

	c.mu.Lock()
	c.meta = meta
	c.ready = true
	c.mu.Unlock()

	c.bus.Emit(EventReady, meta)
}

func (c *Channel) handleLine(line string) {
	result, err := c.parser.Parse(line)
	if err != nil {
		c.bus.Emit(EventError, err)
		return
	}

	if result.hangup {
		c.bus.Emit(EventHangup, nil)
		c.die(ReasonHangup)
		return
	}

	c.bus.Emit(EventResponse, result.response)
	c.queue.deliverResponse(result.response)
}
