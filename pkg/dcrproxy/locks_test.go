package dcrproxy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNamedLocksGetLock(t *testing.T) {
	locks := NewNamedLocks()
	require.Same(t, locks.GetLock("a"), locks.GetLock("a"))
	require.NotSame(t, locks.GetLock("a"), locks.GetLock("b"))
}

func TestNamedLocksLocker(t *testing.T) {
	lock := NewNamedLocks().Locker()

	unlock, err := lock("refresh:rt")
	require.NoError(t, err)

	// a second acquisition of the same key must wait for the release
	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		unlock2, err := lock("refresh:rt")
		require.NoError(t, err)
		close(acquired)
		unlock2()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	default:
	}

	unlock()
	wg.Wait()
	<-acquired

	// a different key is independent
	unlock3, err := lock("refresh:other")
	require.NoError(t, err)
	unlock3()
}
