package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Channel[int] = (*Buffered[int])(nil)
	_ Channel[int] = (*Unbuffered[int])(nil)
)

func TestBuffered_SendReceive(t *testing.T) {
	c := NewBuffered[string](2)
	c.Send("a")
	c.Send("b")

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "a", <-c.Receive())
	assert.Equal(t, "b", <-c.Receive())
}

func TestBuffered_TrySendFull(t *testing.T) {
	c := NewBuffered[int](1)

	assert.True(t, c.TrySend(1))
	assert.False(t, c.TrySend(2))
	assert.Equal(t, 1, <-c.Receive())
}

func TestBuffered_SendContextCancelled(t *testing.T) {
	c := NewBuffered[int](1)
	c.Send(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.SendContext(ctx, 2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.Len())
}

func TestBuffered_Close(t *testing.T) {
	c := NewBuffered[int](1)
	c.Send(7)
	c.Close()

	v, ok := <-c.Receive()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	_, ok = <-c.Receive()
	assert.False(t, ok)
}

func TestUnbuffered_TrySendWithoutReceiver(t *testing.T) {
	c := NewUnbuffered[int]()
	assert.False(t, c.TrySend(1))
	assert.Equal(t, 0, c.Len())
}

func TestUnbuffered_SendContextDelivers(t *testing.T) {
	c := NewUnbuffered[int]()

	got := make(chan int, 1)
	go func() { got <- <-c.Receive() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.SendContext(ctx, 42))
	assert.Equal(t, 42, <-got)
}

func TestUnbuffered_SendContextTimeout(t *testing.T) {
	c := NewUnbuffered[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.SendContext(ctx, 1), context.DeadlineExceeded)
}
