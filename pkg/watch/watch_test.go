package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueStartsEmpty(t *testing.T) {
	v := New[int]()
	_, ok := v.Get()
	assert.False(t, ok)
}

func TestValueSetAndGet(t *testing.T) {
	v := New[string]()
	v.Set("hello")

	val, ok := v.Get()
	assert.True(t, ok)
	assert.Equal(t, "hello", val)
}

func TestChangedFiresOnSet(t *testing.T) {
	v := NewWith(1)
	ch := v.Changed()

	select {
	case <-ch:
		t.Fatal("channel fired before a change")
	default:
	}

	v.Set(2)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("channel did not fire after a change")
	}
}

func TestReadersSeeOnlyLatestValue(t *testing.T) {
	v := New[int]()
	v.Set(1)
	v.Set(2)
	v.Set(3)

	val, ok := v.Get()
	assert.True(t, ok)
	assert.Equal(t, 3, val)
}

func TestWaitReturnsImmediatelyWhenSet(t *testing.T) {
	v := NewWith("ready")

	val, err := v.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", val)
}

func TestWaitBlocksUntilSet(t *testing.T) {
	v := New[string]()

	done := make(chan string, 1)
	go func() {
		val, err := v.Wait(context.Background())
		if err == nil {
			done <- val
		}
	}()

	time.Sleep(20 * time.Millisecond)
	v.Set("now")

	select {
	case val := <-done:
		assert.Equal(t, "now", val)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake up")
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	v := New[string]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := v.Wait(ctx)
	assert.Error(t, err)
}

func TestCounterKeepsHighestValue(t *testing.T) {
	c := NewCounter(0)

	c.SetMax(5)
	c.SetMax(3)

	assert.Equal(t, int64(5), c.Get())
}

func TestCounterNotifiesOnlyOnRaise(t *testing.T) {
	c := NewCounter(0)
	ch := c.Changed()

	c.SetMax(0)
	select {
	case <-ch:
		t.Fatal("channel fired without a raise")
	default:
	}

	c.SetMax(1)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("channel did not fire on a raise")
	}
}
