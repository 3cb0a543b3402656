package slots

import (
	"errors"
	"log"
	"sort"
	"sync"
)

// ErrNoSlotsAvailable is returned when every template slot is bound to a student.
var ErrNoSlotsAvailable = errors.New("no fingerprint slots available")

// Allocator tracks which template slots in [1, max] are taken. Its state is a
// cache of the slots referenced by persisted students: Load rebuilds it and
// Reserve/Release keep it current between loads.
type Allocator struct {
	mu   sync.Mutex
	max  int
	used map[int]struct{}
}

// NewAllocator creates an empty allocator over [1, max].
func NewAllocator(max int) *Allocator {
	return &Allocator{max: max, used: make(map[int]struct{})}
}

// Load replaces the occupied set. Ids outside the slot range are ignored.
func (a *Allocator) Load(occupied []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = make(map[int]struct{}, len(occupied))
	for _, id := range occupied {
		if id < 1 || id > a.max {
			log.Printf("Warning: ignoring out-of-range slot %d (max %d)", id, a.max)
			continue
		}
		a.used[id] = struct{}{}
	}
}

// Reserve takes the lowest free slot.
func (a *Allocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := 1; id <= a.max; id++ {
		if _, taken := a.used[id]; !taken {
			a.used[id] = struct{}{}
			return id, nil
		}
	}
	return 0, ErrNoSlotsAvailable
}

// Release frees id. Releasing a free slot does nothing.
func (a *Allocator) Release(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, id)
}

// Occupied returns the taken slots in ascending order.
func (a *Allocator) Occupied() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int, 0, len(a.used))
	for id := range a.used {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Free reports how many slots remain.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max - len(a.used)
}

// Max is the size of the slot space.
func (a *Allocator) Max() int {
	return a.max
}
