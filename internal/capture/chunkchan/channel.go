// Package chunkchan implements the message link between a capture session and
// its chunk worker. The worker runs in its own goroutine and only ever sees
// copies of the posted payloads.
package chunkchan

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrChannelClosed  = errors.New("chunk channel closed")
	ErrQueueFull      = errors.New("chunk channel queue full")
	ErrUnexpectedKind = errors.New("only data messages can be posted to a worker")
)

// Policy decides what happens when a bounded queue is full.
type Policy string

const (
	// PolicyBlock makes the producer wait for room.
	PolicyBlock Policy = "block"
	// PolicyDropNewest discards the message that did not fit.
	PolicyDropNewest Policy = "drop-newest"
	// PolicyDropOldest evicts the oldest queued message to make room.
	PolicyDropOldest Policy = "drop-oldest"
)

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyBlock, PolicyDropNewest, PolicyDropOldest:
		return p, nil
	case "":
		return PolicyBlock, nil
	default:
		return "", errors.Errorf("unknown queue policy %q", s)
	}
}

const DefaultQueueSize = 64

// Options configures a Channel.
type Options struct {
	QueueSize int
	Policy    Policy

	// OnError is called from the worker goroutine when the transformer fails.
	OnError func(msg Message, err error)

	Logger *slog.Logger
}

// Stats are cumulative channel counters.
type Stats struct {
	Sent      uint64 // accepted by Post
	Processed uint64 // replies delivered on the inbound queue
	Dropped   uint64 // messages discarded by the queue policy
	Failed    uint64 // transformer errors
}

// Channel is a bidirectional, bounded message link to one worker goroutine.
// Replies are emitted in the order the worker processes posts, which for a
// single channel is post order.
type Channel struct {
	id          string
	transformer Transformer
	policy      Policy
	onError     func(Message, error)
	logger      *slog.Logger

	outbound chan Message
	inbound  chan Message

	mu     sync.RWMutex
	closed bool

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	sent      atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New starts a worker running t and returns its channel.
func New(t Transformer, opts Options) *Channel {
	if t == nil {
		t = Identity()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyBlock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:          id,
		transformer: t,
		policy:      opts.Policy,
		onError:     opts.OnError,
		logger:      opts.Logger.With("component", "chunk_channel", "channel", id),
		outbound:    make(chan Message, opts.QueueSize),
		inbound:     make(chan Message, opts.QueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	go c.run()
	return c
}

// ID returns the channel identifier.
func (c *Channel) ID() string { return c.id }

// Policy returns the queue policy.
func (c *Channel) Policy() Policy { return c.policy }

// Post hands a data message to the worker. The payload is copied. Depending
// on the policy a full queue blocks (until ctx is done), rejects with
// ErrQueueFull or evicts the oldest queued message.
func (c *Channel) Post(ctx context.Context, msg Message) error {
	if msg.Kind != KindData {
		return ErrUnexpectedKind
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrChannelClosed
	}

	msg = msg.clone()
	if err := c.enqueue(ctx, c.outbound, msg, c.quit); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// Messages returns the inbound stream of worker replies. It is closed after
// the worker stops.
func (c *Channel) Messages() <-chan Message {
	return c.inbound
}

// Stats returns a snapshot of the counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:      c.sent.Load(),
		Processed: c.processed.Load(),
		Dropped:   c.dropped.Load(),
		Failed:    c.failed.Load(),
	}
}

// Close stops accepting posts, lets the worker drain what is queued and
// waits for it to exit. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	<-c.done
	return nil
}

func (c *Channel) enqueue(ctx context.Context, q chan Message, msg Message, quit <-chan struct{}) error {
	switch c.policy {
	case PolicyDropNewest:
		select {
		case q <- msg:
			return nil
		default:
			c.dropped.Add(1)
			c.logger.Warn("Queue full, dropping newest message", "seq", msg.Seq, "kind", msg.Kind)
			return ErrQueueFull
		}

	case PolicyDropOldest:
		for {
			select {
			case q <- msg:
				return nil
			default:
			}
			select {
			case old := <-q:
				c.dropped.Add(1)
				c.logger.Warn("Queue full, evicting oldest message", "seq", old.Seq, "kind", old.Kind)
			default:
			}
		}

	default:
		select {
		case q <- msg:
			return nil
		default:
		}
		select {
		case q <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-quit:
			return ErrChannelClosed
		}
	}
}

func (c *Channel) run() {
	defer close(c.done)
	defer c.cancel()
	defer close(c.inbound)

	for {
		select {
		case msg := <-c.outbound:
			c.process(msg)
		case <-c.quit:
			// Wait for in-flight posts, then drain.
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()

			for {
				select {
				case msg := <-c.outbound:
					c.process(msg)
				default:
					s := c.Stats()
					c.logger.Debug("Chunk worker stopped",
						"sent", s.Sent, "processed", s.Processed, "dropped", s.Dropped, "failed", s.Failed)
					return
				}
			}
		}
	}
}

func (c *Channel) process(msg Message) {
	reply, err := c.transformer.Transform(c.ctx, msg)
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn("Chunk worker transform failed", "seq", msg.Seq, "error", err)
		if c.onError != nil {
			c.onError(msg, err)
		}
		return
	}
	if reply.Kind == "" {
		reply.Kind = KindProcessedData
	}

	// Nobody may be reading once Close was requested, so quit unblocks the send.
	if err := c.enqueue(context.Background(), c.inbound, reply, c.quit); err != nil {
		if !errors.Is(err, ErrQueueFull) {
			c.dropped.Add(1)
		}
		return
	}
	c.processed.Add(1)
}
