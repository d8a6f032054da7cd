package workflow

import (
	"hash/fnv"
	"sync"
)

// stripedLock serializes work per key using a fixed set of mutexes.
// Distinct keys may share a stripe; that only costs throughput.
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = 64
	}
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its unlock function
func (l *stripedLock) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
