package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_FIFOSingleProducer(t *testing.T) {
	ch := NewChannel()
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Put(Record{Group: "g", Elapsed: float64(i)}))
	}
	ch.Close()

	var got []float64
	err := ch.Drain(context.Background(), func(r Record) error {
		got = append(got, r.Elapsed)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, got)
}

func TestChannel_ManyProducersLoseNothing(t *testing.T) {
	const producers = 16
	const perProducer = 500

	ch := NewChannel()
	received := make(map[string]int)
	drained := make(chan error, 1)
	go func() {
		drained <- ch.Drain(context.Background(), func(r Record) error {
			received[r.Group]++
			return nil
		})
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, ch.Put(Record{Group: fmt.Sprintf("g%d", p)}))
			}
		}(p)
	}
	wg.Wait()
	ch.Close()

	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}

	assert.Len(t, received, producers)
	for group, n := range received {
		assert.Equal(t, perProducer, n, "group %s", group)
	}
	assert.Equal(t, int64(producers*perProducer), ch.Accepted())
}

func TestChannel_PutAfterClose(t *testing.T) {
	ch := NewChannel()
	ch.Close()
	assert.ErrorIs(t, ch.Put(Record{}), ErrClosed)
}

func TestChannel_DrainStopsOnContext(t *testing.T) {
	ch := NewChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ch.Drain(ctx, func(Record) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_DrainPropagatesConsumerError(t *testing.T) {
	ch := NewChannel()
	require.NoError(t, ch.Put(Record{}))
	ch.Close()

	boom := fmt.Errorf("sink full")
	err := ch.Drain(context.Background(), func(Record) error { return boom })
	assert.Equal(t, boom, err)
}
