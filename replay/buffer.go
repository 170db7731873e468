package replay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	erand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/zeu5/dist-rl-driving/core"
)

var (
	ErrInsufficientData = errors.New("insufficient data in replay buffer")
	ErrInvalidCapacity  = errors.New("replay buffer capacity must be positive")
)

// defaultSeenWindow bounds how many ingested episode keys are remembered for
// deduplication.
const defaultSeenWindow = 4096

// Buffer is a fixed capacity ring of transitions. Once full, every Add
// overwrites the oldest surviving entry. Safe for concurrent use.
type Buffer struct {
	mtx      sync.Mutex
	entries  []core.Transition
	head     int
	size     int
	capacity int

	seen *lru.Cache[string, struct{}]
	src  erand.Source
}

func NewBuffer(capacity int, seed uint64) (*Buffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	seen, err := lru.New[string, struct{}](defaultSeenWindow)
	if err != nil {
		return nil, fmt.Errorf("replay: creating dedup window: %w", err)
	}
	return &Buffer{
		entries:  make([]core.Transition, capacity),
		capacity: capacity,
		seen:     seen,
		src:      erand.NewSource(seed),
	}, nil
}

func (b *Buffer) Add(t core.Transition) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.add(t)
}

func (b *Buffer) add(t core.Transition) {
	idx := (b.head + b.size) % b.capacity
	b.entries[idx] = t
	if b.size < b.capacity {
		b.size++
		return
	}
	b.head = (b.head + 1) % b.capacity
}

// Ingest appends the transitions of one episode unless an episode with the
// same key was already ingested. Delivery from workers is at-least-once, so a
// retried result must not be counted twice. It reports whether the
// transitions were added.
func (b *Buffer) Ingest(key string, transitions []core.Transition) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if key != "" {
		if found, _ := b.seen.ContainsOrAdd(key, struct{}{}); found {
			return false
		}
	}
	for _, t := range transitions {
		b.add(t)
	}
	return true
}

// Sample draws n distinct entries uniformly at random. It never returns a
// short batch.
func (b *Buffer) Sample(n int) ([]core.Transition, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if n <= 0 {
		return nil, fmt.Errorf("replay: invalid batch size %d", n)
	}
	if b.size < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, b.size, n)
	}
	idxs := make([]int, n)
	sampleuv.WithoutReplacement(idxs, b.size, b.src)
	out := make([]core.Transition, n)
	for i, idx := range idxs {
		out[i] = b.entries[(b.head+idx)%b.capacity]
	}
	return out, nil
}

// Snapshot returns the buffered transitions, oldest first.
func (b *Buffer) Snapshot() []core.Transition {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := make([]core.Transition, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%b.capacity]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.size
}

func (b *Buffer) Capacity() int {
	return b.capacity
}

// Reset empties the buffer. The dedup window is kept so an episode drained
// by training is not ingested again.
func (b *Buffer) Reset() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.entries = make([]core.Transition, b.capacity)
	b.head = 0
	b.size = 0
}
