package multimutex

import (
	"fmt"
	"sync"
)

// cntMutex is a mutex together with the number of goroutines holding or
// waiting for it.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// Mutex is a set of mutexes keyed by K. Only one goroutine at a time holds
// the mutex of a given key. Entries are dropped once nobody holds or waits
// for them.
type Mutex[K comparable] struct {
	mutexes map[K]*cntMutex
	mapMtx  sync.Mutex
}

// NewMutex creates a keyed mutex.
func NewMutex[K comparable]() *Mutex[K] {
	return &Mutex[K]{
		mutexes: make(map[K]*cntMutex),
	}
}

// Lock locks the mutex of the key, blocking until it is available.
func (c *Mutex[K]) Lock(key K) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[key]
	if ok {
		mtx.cnt++
	} else {
		mtx = &cntMutex{cnt: 1}
		c.mutexes[key] = mtx
	}
	c.mapMtx.Unlock()

	mtx.Lock()
}

// Unlock unlocks the mutex of the key. It is a run-time error if the key is
// not locked.
func (c *Mutex[K]) Unlock(key K) {
	c.mapMtx.Lock()

	mtx, ok := c.mutexes[key]
	if !ok {
		c.mapMtx.Unlock()
		panic(fmt.Sprintf("double unlock for key %v", key))
	}

	// Every other goroutine interested in the key has already bumped the
	// counter, so dropping the entry at zero is safe under mapMtx.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, key)
	}
	c.mapMtx.Unlock()

	mtx.Unlock()
}
