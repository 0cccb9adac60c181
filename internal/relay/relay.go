// Package relay implements the forwarding loop between a container's
// output stream and CloudWatch Logs: it cuts the byte stream into
// timestamped events, batches them within the PutLogEvents limits, and
// pushes batches while the container is still running.
package relay

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/shiplog/shiplog/internal/log"
)

// PutLogEvents limits. See the CloudWatch Logs API reference.
const (
	// eventOverheadBytes is the fixed per-event overhead counted against
	// the batch payload limit.
	eventOverheadBytes = 26
	// maxEventBytes caps a single event message.
	maxEventBytes = 256*1024 - eventOverheadBytes
	// maxBatchBytes caps the summed payload of one batch.
	maxBatchBytes = 1024 * 1024
	// maxBatchEvents caps the event count of one batch.
	maxBatchEvents = 10000
)

// Sender pushes one batch of events to the log stream.
type Sender interface {
	PutEvents(ctx context.Context, events []types.InputLogEvent) error
}

// Options tunes the relay.
type Options struct {
	// FlushInterval is how often pending events are pushed even if the
	// batch is not full. Zero means one second.
	FlushInterval time.Duration
	// MaxBatchEvents caps events per push; clamped to the API limit.
	MaxBatchEvents int
}

// Relay buffers container output as log events and flushes them to a
// Sender. It is an io.Writer so it can sit directly behind
// stdcopy.StdCopy. Writes cut complete lines into events; the trailing
// partial line is held until more bytes arrive or Close.
type Relay struct {
	sender    Sender
	interval  time.Duration
	batchSize int
	now       func() time.Time

	mu           sync.Mutex
	partial      []byte
	pending      []types.InputLogEvent
	pendingBytes []int
	closed       bool

	kick chan struct{}
}

// New creates a Relay pushing to sender.
func New(sender Sender, opts Options) *Relay {
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	batchSize := opts.MaxBatchEvents
	if batchSize <= 0 || batchSize > maxBatchEvents {
		batchSize = maxBatchEvents
	}
	return &Relay{
		sender:    sender,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
	}
}

// Write appends container output. Complete lines become events
// immediately; the rest waits for the next write or Close.
func (r *Relay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, io.ErrClosedPipe
	}

	r.partial = append(r.partial, p...)
	for {
		nl := bytes.IndexByte(r.partial, '\n')
		if nl < 0 {
			break
		}
		r.appendEvent(r.partial[:nl])
		r.partial = r.partial[nl+1:]
	}

	if len(r.pending) >= r.batchSize {
		r.notify()
	}
	return len(p), nil
}

// Close flushes the trailing partial line and lets Run drain and return.
// Safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if len(r.partial) > 0 {
		r.appendEvent(r.partial)
		r.partial = nil
	}
	r.notify()
	return nil
}

// Run pushes batches until the relay is closed and drained. A batch goes
// out when it is full or when the flush interval elapses with events
// pending. Returns the first send error, which abandons remaining events.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.kick:
		case <-ticker.C:
		}

		for {
			batch := r.takeBatch()
			if len(batch) == 0 {
				break
			}
			log.Debug("pushing log events", "count", len(batch))
			if err := r.sender.PutEvents(ctx, batch); err != nil {
				return err
			}
		}

		if r.drained() {
			return nil
		}
	}
}

// appendEvent turns one line into one or more events, splitting oversized
// lines on UTF-8 rune boundaries. Empty lines are dropped: CloudWatch
// rejects empty messages. Callers must hold r.mu.
func (r *Relay) appendEvent(line []byte) {
	ts := r.now().UnixMilli()
	for _, chunk := range splitMessage(line, maxEventBytes) {
		msg := string(chunk)
		r.pending = append(r.pending, types.InputLogEvent{
			Message:   aws.String(msg),
			Timestamp: aws.Int64(ts),
		})
		r.pendingBytes = append(r.pendingBytes, len(msg)+eventOverheadBytes)
	}
}

// takeBatch cuts a batch off the head of the pending queue, respecting
// the event count and payload size limits.
func (r *Relay) takeBatch() []types.InputLogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return nil
	}

	n := 0
	size := 0
	for n < len(r.pending) && n < r.batchSize {
		if size+r.pendingBytes[n] > maxBatchBytes {
			break
		}
		size += r.pendingBytes[n]
		n++
	}
	if n == 0 {
		// A single event never exceeds maxBatchBytes given maxEventBytes,
		// but guard against a zero-progress loop anyway.
		n = 1
	}

	batch := r.pending[:n:n]
	r.pending = r.pending[n:]
	r.pendingBytes = r.pendingBytes[n:]
	return batch
}

func (r *Relay) drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed && len(r.pending) == 0
}

func (r *Relay) notify() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// splitMessage splits b into chunks of at most max bytes without cutting
// a UTF-8 rune in half. When the window contains a newline, the split
// happens there. Empty chunks are dropped.
func splitMessage(b []byte, max int) [][]byte {
	var chunks [][]byte
	for len(b) > 0 {
		if len(b) <= max {
			chunks = append(chunks, b)
			break
		}

		end := max
		if nl := bytes.LastIndexByte(b[:end], '\n'); nl >= 0 {
			end = nl
		} else {
			for end > 0 && !utf8.RuneStart(b[end]) {
				end--
			}
			if end == 0 {
				// Not valid UTF-8 within the window. Cut at the raw limit
				// rather than looping forever.
				end = max
			}
		}

		if end > 0 {
			chunks = append(chunks, b[:end])
		}
		b = b[end:]
		// Drop the newline that served as the break point.
		if len(b) > 0 && b[0] == '\n' {
			b = b[1:]
		}
	}
	return chunks
}
