package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalFireWakesWaiters(t *testing.T) {
	s := NewSignal()
	ch := s.Wait()

	select {
	case <-ch:
		t.Fatal("signal fired before Fire was called")
	default:
	}

	s.Fire()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Fire")
	}
}

func TestSignalFireArmsNextRound(t *testing.T) {
	s := NewSignal()
	s.Fire()

	ch := s.Wait()
	select {
	case <-ch:
		t.Fatal("new Wait observed a stale fire")
	default:
	}
}

func TestQueueFansOutToEverySubscriber(t *testing.T) {
	q := NewQueue[int](4)
	a := q.Subscribe()
	b := q.Subscribe()

	q.Push(1)
	q.Push(2)
	q.Close()

	assert.Equal(t, []int{1, 2}, drain(t, a))
	assert.Equal(t, []int{1, 2}, drain(t, b))
}

func TestQueueLateSubscriberMissesEarlierPushes(t *testing.T) {
	q := NewQueue[int](4)
	a := q.Subscribe()
	q.Push(1)

	b := q.Subscribe()
	q.Push(2)
	q.Close()

	assert.Equal(t, []int{1, 2}, drain(t, a))
	assert.Equal(t, []int{2}, drain(t, b))
}

func TestQueueSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	q := NewQueue[int](4)
	q.Close()

	ch := q.Subscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func drain(t *testing.T, ch <-chan int) []int {
	t.Helper()
	var out []int
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-time.After(time.Second):
			require.Fail(t, "timed out draining channel")
			return out
		}
	}
}
