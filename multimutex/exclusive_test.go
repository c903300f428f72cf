package multimutex

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRunExclusiveMutualExclusion checks that no two bodies holding the same
// token ever run at the same time.
func TestRunExclusiveMutualExclusion(t *testing.T) {
	t.Parallel()

	m := NewManager()
	ctx := context.Background()

	var (
		inside  int32
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := m.RunExclusive(
				ctx, []string{CoinSpendingToken},
				func(context.Context) error {
					n := atomic.AddInt32(&inside, 1)
					require.EqualValues(t, 1, n)

					counter++

					atomic.AddInt32(&inside, -1)
					return nil
				},
			)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	require.False(t, m.Held(CoinSpendingToken))
}

// TestRunExclusiveFIFO checks that waiters of a token are served in arrival
// order.
func TestRunExclusiveFIFO(t *testing.T) {
	t.Parallel()

	m := NewManager()
	ctx := context.Background()

	unblock := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = m.RunExclusive(ctx, []string{"x"},
			func(context.Context) error {
				close(holding)
				<-unblock
				return nil
			},
		)
	}()
	<-holding

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := m.RunExclusive(ctx, []string{"x"},
				func(context.Context) error {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					return nil
				},
			)
			require.NoError(t, err)
		}()

		// Wait until the waiter is queued before starting the next.
		require.Eventually(t, func() bool {
			return m.numWaiters("x") == i+1
		}, time.Second, time.Millisecond)
	}

	close(unblock)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// TestRunExclusiveNoDeadlock runs callers with overlapping token sets given
// in different orders.
func TestRunExclusiveNoDeadlock(t *testing.T) {
	t.Parallel()

	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sets := [][]string{{"b", "a"}, {"a", "c"}, {"c", "b"}, {"c", "a", "b"}}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		tokens := sets[i%len(sets)]
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := m.RunExclusive(ctx, tokens,
				func(context.Context) error {
					return nil
				},
			)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, token := range []string{"a", "b", "c"} {
		require.False(t, m.Held(token))
	}
}

// TestRunExclusiveCancel checks that a cancelled waiter gives up without
// running its body and leaves the queue intact.
func TestRunExclusiveCancel(t *testing.T) {
	t.Parallel()

	m := NewManager()

	unblock := make(chan struct{})
	holding := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.RunExclusive(context.Background(), []string{"b"},
			func(context.Context) error {
				close(holding)
				<-unblock
				return nil
			},
		)
	}()
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- m.RunExclusive(ctx, []string{"a", "b"},
			func(context.Context) error {
				t.Error("body of cancelled waiter ran")
				return nil
			},
		)
	}()

	require.Eventually(t, func() bool {
		return m.numWaiters("b") == 1
	}, time.Second, time.Millisecond)

	// Token "a" was acquired before blocking on "b".
	require.True(t, m.Held("a"))

	cancel()
	require.ErrorIs(t, <-waitErr, context.Canceled)
	require.False(t, m.Held("a"))
	require.Zero(t, m.numWaiters("b"))

	close(unblock)
	require.NoError(t, <-done)
	require.False(t, m.Held("b"))
}

func TestSortTokens(t *testing.T) {
	t.Parallel()

	sorted := sortTokens([]string{"c", "a", "b", "a"})
	require.Equal(t, []string{"a", "b", "c"}, sorted)
	require.Empty(t, sortTokens(nil))
}

func TestKeyedMutex(t *testing.T) {
	t.Parallel()

	m := NewMutex[string]()

	var (
		wg      sync.WaitGroup
		counter = map[string]int{}
		mu      sync.Mutex
	)
	for i := 0; i < 100; i++ {
		key := []string{"p1", "p2"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()

			m.Lock(key)
			defer m.Unlock(key)

			mu.Lock()
			counter[key]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter["p1"])
	require.Equal(t, 50, counter["p2"])
	require.Empty(t, m.mutexes)
	require.Panics(t, func() { m.Unlock("p1") })
}
