package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSender collects every pushed batch.
type captureSender struct {
	mu      sync.Mutex
	batches [][]types.InputLogEvent
	err     error
}

func (s *captureSender) PutEvents(ctx context.Context, events []types.InputLogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *captureSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, batch := range s.batches {
		for _, e := range batch {
			out = append(out, *e.Message)
		}
	}
	return out
}

// runRelay writes chunks, closes, and waits for the drain.
func runRelay(t *testing.T, r *Relay, chunks ...string) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background())
	}()

	for _, c := range chunks {
		_, err := r.Write([]byte(c))
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not drain")
	}
}

func TestRelayCutsLines(t *testing.T) {
	sender := &captureSender{}
	r := New(sender, Options{FlushInterval: 10 * time.Millisecond})

	runRelay(t, r, "first line\nsecond", " line\nthird line\n")

	assert.Equal(t, []string{"first line", "second line", "third line"}, sender.messages())
}

func TestRelayFlushesPartialLineOnClose(t *testing.T) {
	sender := &captureSender{}
	r := New(sender, Options{FlushInterval: 10 * time.Millisecond})

	runRelay(t, r, "no trailing newline")

	assert.Equal(t, []string{"no trailing newline"}, sender.messages())
}

func TestRelayDropsBlankLines(t *testing.T) {
	sender := &captureSender{}
	r := New(sender, Options{FlushInterval: 10 * time.Millisecond})

	runRelay(t, r, "a\n\n\nb\n")

	assert.Equal(t, []string{"a", "b"}, sender.messages())
}

func TestRelayPreservesOrder(t *testing.T) {
	sender := &captureSender{}
	r := New(sender, Options{FlushInterval: time.Millisecond, MaxBatchEvents: 3})

	var lines []string
	var input strings.Builder
	for i := 0; i < 100; i++ {
		line := strings.Repeat("x", i%7+1)
		lines = append(lines, line)
		input.WriteString(line)
		input.WriteByte('\n')
	}

	runRelay(t, r, input.String())

	assert.Equal(t, lines, sender.messages())
}

func TestRelayBatchSizeTrigger(t *testing.T) {
	sender := &captureSender{}
	// Long interval: only the batch-full path can push before Close.
	r := New(sender, Options{FlushInterval: time.Hour, MaxBatchEvents: 2})

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background())
	}()

	_, err := r.Write([]byte("one\ntwo\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sender.messages()) == 2
	}, 5*time.Second, 10*time.Millisecond, "full batch should push without waiting for the interval")

	require.NoError(t, r.Close())
	require.NoError(t, <-done)
}

func TestRelayTimestampsAreMilliseconds(t *testing.T) {
	sender := &captureSender{}
	r := New(sender, Options{FlushInterval: 10 * time.Millisecond})
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	runRelay(t, r, "hello\n")

	require.Len(t, sender.batches, 1)
	assert.Equal(t, fixed.UnixMilli(), *sender.batches[0][0].Timestamp)
}

func TestRelaySendErrorStopsRun(t *testing.T) {
	boom := errors.New("push failed")
	sender := &captureSender{err: boom}
	r := New(sender, Options{FlushInterval: time.Millisecond})

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background())
	}()

	_, err := r.Write([]byte("hello\n"))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on send error")
	}
}

func TestRelayWriteAfterClose(t *testing.T) {
	r := New(&captureSender{}, Options{})
	require.NoError(t, r.Close())

	_, err := r.Write([]byte("late\n"))
	assert.Error(t, err)
}

func TestSplitMessageShortPassesThrough(t *testing.T) {
	chunks := splitMessage([]byte("short"), 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short", string(chunks[0]))
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	chunks := splitMessage([]byte("aaaa\nbbbb\ncccc"), 11)
	require.Len(t, chunks, 2)
	assert.Equal(t, "aaaa\nbbbb", string(chunks[0]))
	assert.Equal(t, "cccc", string(chunks[1]))
}

func TestSplitMessageRespectsRuneBoundaries(t *testing.T) {
	// Each snowman is 3 bytes; a 7-byte window must back up to a rune start.
	input := []byte("☃☃☃☃") // 12 bytes
	chunks := splitMessage(input, 7)

	var rejoined []byte
	for _, c := range chunks {
		assert.True(t, len(c) <= 7, "chunk exceeds limit: %d bytes", len(c))
		assert.Truef(t, utf8.Valid(c), "chunk %q is not valid UTF-8", c)
		rejoined = append(rejoined, c...)
	}
	assert.Equal(t, input, rejoined)
}

func TestSplitMessageInvalidUTF8StillMakesProgress(t *testing.T) {
	// All continuation bytes: no rune start to back up to.
	input := make([]byte, 10)
	for i := range input {
		input[i] = 0x80
	}

	chunks := splitMessage(input, 4)
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	assert.Equal(t, len(input), total)
}

func TestSplitMessageOversizedLineInRelay(t *testing.T) {
	sender := &captureSender{}
	r := New(sender, Options{FlushInterval: 10 * time.Millisecond})

	long := strings.Repeat("a", maxEventBytes+100)
	runRelay(t, r, long+"\n")

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, maxEventBytes, len(msgs[0]))
	assert.Equal(t, 100, len(msgs[1]))
	assert.Equal(t, long, msgs[0]+msgs[1])
}
