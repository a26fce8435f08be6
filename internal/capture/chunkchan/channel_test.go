package chunkchan

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, c *Channel, n int) []Message {
	t.Helper()
	var out []Message
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestChannel_IdentityPreservesOrder(t *testing.T) {
	c := New(nil, Options{QueueSize: 4})
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Post(ctx, DataMessage(uint64(i), []byte{byte(i)})))
	}

	replies := collect(t, c, 20)
	require.Len(t, replies, 20)
	for i, r := range replies {
		assert.Equal(t, KindProcessedData, r.Kind)
		assert.Equal(t, uint64(i), r.Seq)
		assert.Equal(t, []byte{byte(i)}, r.Payload)
	}
}

func TestChannel_PostCopiesPayload(t *testing.T) {
	release := make(chan struct{})
	c := New(TransformFunc(func(_ context.Context, msg Message) (Message, error) {
		<-release
		return Message{Kind: KindProcessedData, Seq: msg.Seq, Payload: msg.Payload}, nil
	}), Options{QueueSize: 2})
	defer c.Close()

	payload := []byte("chunk")
	require.NoError(t, c.Post(context.Background(), DataMessage(0, payload)))
	payload[0] = 'X'
	close(release)

	replies := collect(t, c, 1)
	assert.Equal(t, []byte("chunk"), replies[0].Payload)
}

func TestChannel_RejectsNonDataPosts(t *testing.T) {
	c := New(nil, Options{})
	defer c.Close()

	err := c.Post(context.Background(), Message{Kind: KindProcessedData})
	assert.ErrorIs(t, err, ErrUnexpectedKind)
}

func TestChannel_DropNewestWhenFull(t *testing.T) {
	block := make(chan struct{})
	c := New(TransformFunc(func(_ context.Context, msg Message) (Message, error) {
		<-block
		return Message{Kind: KindProcessedData, Seq: msg.Seq}, nil
	}), Options{QueueSize: 1, Policy: PolicyDropNewest})

	ctx := context.Background()
	// First post is taken by the worker, second fills the queue.
	require.NoError(t, c.Post(ctx, DataMessage(0, nil)))
	require.Eventually(t, func() bool { return len(c.outbound) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, c.Post(ctx, DataMessage(1, nil)))

	err := c.Post(ctx, DataMessage(2, nil))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), c.Stats().Dropped)

	close(block)
	require.NoError(t, c.Close())
	assert.Equal(t, uint64(2), c.Stats().Sent)
}

func TestChannel_DropOldestEvicts(t *testing.T) {
	block := make(chan struct{})
	c := New(TransformFunc(func(_ context.Context, msg Message) (Message, error) {
		<-block
		return Message{Kind: KindProcessedData, Seq: msg.Seq}, nil
	}), Options{QueueSize: 1, Policy: PolicyDropOldest})

	ctx := context.Background()
	require.NoError(t, c.Post(ctx, DataMessage(0, nil)))
	require.Eventually(t, func() bool { return len(c.outbound) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, c.Post(ctx, DataMessage(1, nil)))
	require.NoError(t, c.Post(ctx, DataMessage(2, nil)))

	assert.Equal(t, uint64(1), c.Stats().Dropped)

	close(block)
	require.NoError(t, c.Close())

	var seqs []uint64
	for r := range c.Messages() {
		seqs = append(seqs, r.Seq)
	}
	// The inbound queue is bounded too, so reply 0 may itself be evicted.
	require.NotEmpty(t, seqs)
	assert.NotContains(t, seqs, uint64(1))
	assert.Equal(t, uint64(2), seqs[len(seqs)-1])
}

func TestChannel_BlockHonoursContext(t *testing.T) {
	block := make(chan struct{})
	c := New(TransformFunc(func(_ context.Context, msg Message) (Message, error) {
		<-block
		return msg, nil
	}), Options{QueueSize: 1, Policy: PolicyBlock})

	require.NoError(t, c.Post(context.Background(), DataMessage(0, nil)))
	require.Eventually(t, func() bool { return len(c.outbound) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, c.Post(context.Background(), DataMessage(1, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Post(ctx, DataMessage(2, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	c.Close()
}

func TestChannel_TransformErrorsAreReported(t *testing.T) {
	var reported atomic.Int32
	c := New(TransformFunc(func(_ context.Context, msg Message) (Message, error) {
		if msg.Seq%2 == 1 {
			return Message{}, errors.New("worker crashed")
		}
		return Message{Seq: msg.Seq, Payload: msg.Payload}, nil
	}), Options{OnError: func(Message, error) { reported.Add(1) }})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Post(ctx, DataMessage(uint64(i), []byte("x"))))
	}
	replies := collect(t, c, 2)
	require.NoError(t, c.Close())

	assert.Len(t, replies, 2)
	assert.Equal(t, KindProcessedData, replies[0].Kind)
	assert.Equal(t, int32(2), reported.Load())
	assert.Equal(t, uint64(2), c.Stats().Failed)
}

func TestChannel_CloseDrainsAndClosesInbound(t *testing.T) {
	c := New(nil, Options{QueueSize: 8})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Post(ctx, DataMessage(uint64(i), nil)))
	}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	n := 0
	for range c.Messages() {
		n++
	}
	assert.Equal(t, 5, n)
	assert.ErrorIs(t, c.Post(ctx, DataMessage(9, nil)), ErrChannelClosed)
}

func TestChannel_CloseDoesNotHangOnUnreadReplies(t *testing.T) {
	c := New(nil, Options{QueueSize: 1, Policy: PolicyBlock})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, c.Post(ctx, DataMessage(uint64(i), nil)))
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a full inbound queue")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyBlock, false},
		{"block", PolicyBlock, false},
		{" Drop-Oldest ", PolicyDropOldest, false},
		{"drop-newest", PolicyDropNewest, false},
		{"fifo", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessage_JSONShape(t *testing.T) {
	b, err := json.Marshal(DataMessage(3, []byte{1, 2}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"data","seq":3,"payload":"AQI="}`, string(b))

	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"processedData","seq":1,"payload":"AQI="}`), &m))
	assert.Equal(t, KindProcessedData, m.Kind)
	assert.Equal(t, []byte{1, 2}, m.Payload)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"bogus"}`), &m))
}
