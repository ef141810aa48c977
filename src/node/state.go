package node

import (
	"sync"
	"sync/atomic"
)

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.goFunc
const WGLIMIT = 20

type state struct {
	shutdown int32
	wg       sync.WaitGroup
	wgCount  int32
}

func (b *state) isShutdown() bool {
	return atomic.LoadInt32(&b.shutdown) == 1
}

func (b *state) setShutdown() bool {
	return atomic.CompareAndSwapInt32(&b.shutdown, 0, 1)
}

// Start a goroutine and add it to waitgroup
func (b *state) goFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount < WGLIMIT {
		b.wg.Add(1)
		atomic.AddInt32(&b.wgCount, 1)
		go func() {
			defer b.wg.Done()
			atomic.AddInt32(&b.wgCount, -1)
			f()
		}()
	}
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}
