package service

import (
	"hash/fnv"
	"sync"
)

const guardStripes = 64

// resourceGuard serializes read-modify-write sequences per resource inside
// one process. Cross-process exclusivity of holds comes from the lock store.
type resourceGuard struct {
	stripes [guardStripes]sync.Mutex
}

func (g *resourceGuard) lock(resourceID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(resourceID))
	mu := &g.stripes[h.Sum32()%guardStripes]
	mu.Lock()
	return mu.Unlock
}
