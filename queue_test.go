package xbot

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(pos string) *Message {
	return &Message{Position: pos, Payload: []byte(`{}`)}
}

func TestQueue_AddPop_FIFO(t *testing.T) {
	q := NewQueue(4)

	require.Nil(t, q.Pop())

	q.Add(msg("a"))
	q.Add(msg("b"))
	q.Add(msg("c"))
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, "a", q.Pop().Position)
	assert.Equal(t, "b", q.Pop().Position)
	assert.Equal(t, "c", q.Pop().Position)
	assert.Nil(t, q.Pop())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_CapacityInvariant(t *testing.T) {
	const capacity = 8
	q := NewQueue(capacity)

	for i := 0; i < capacity*3; i++ {
		q.Add(msg(fmt.Sprintf("m-%d", i)))
		assert.LessOrEqual(t, q.Len(), capacity)
	}
	assert.Equal(t, uint64(capacity*2), q.Dropped())
}

func TestQueue_OverflowDropsOldest(t *testing.T) {
	q := NewQueue(2)

	q.Add(msg("a"))
	q.Add(msg("b"))
	q.Add(msg("c")) // evicts a

	require.Equal(t, 2, q.Len())
	assert.Equal(t, "b", q.Pop().Position)
	assert.Equal(t, "c", q.Pop().Position)
	assert.Nil(t, q.Pop())
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestQueue_OverflowKeepsLastCInOrder(t *testing.T) {
	const capacity = 5
	const total = capacity + 7
	q := NewQueue(capacity)

	for i := 0; i < total; i++ {
		q.Add(msg(fmt.Sprintf("m-%d", i)))
	}

	// Exactly the last C inserted survive, in insertion order.
	for i := total - capacity; i < total; i++ {
		m := q.Pop()
		require.NotNil(t, m)
		assert.Equal(t, fmt.Sprintf("m-%d", i), m.Position)
	}
	assert.Nil(t, q.Pop())
}

func TestQueue_ConcurrentProducersSingleConsumer(t *testing.T) {
	const producers = 8
	const perProducer = 1000
	q := NewQueue(64)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Add(msg(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}

	producersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(producersDone)
	}()

	done := make(chan struct{})
	var popped uint64
	go func() {
		defer close(done)
		for {
			m := q.Pop()
			if m != nil {
				popped++
				continue
			}
			select {
			case <-producersDone:
				// Producers finished; drain what remains.
				for q.Pop() != nil {
					popped++
				}
				return
			default:
			}
		}
	}()

	<-done
	// Every message was either popped or evicted; none lost or duplicated.
	assert.Equal(t, uint64(producers*perProducer), popped+q.Dropped())
	assert.Equal(t, 0, q.Len())
}
