package dispatcher

import (
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/calcnode/internal/invoker"
)

// ErrDuplicateInvoker is returned by Pool.Add for an ID already in the pool.
var ErrDuplicateInvoker = errors.New("invoker already in pool")

// Pool is the set of invokers the dispatcher may place jobs on. It is an
// explicit object owned by one Dispatcher.
type Pool struct {
	mu       sync.RWMutex
	invokers map[string]invoker.Invoker
}

func NewPool() *Pool {
	return &Pool{invokers: make(map[string]invoker.Invoker)}
}

func (p *Pool) Add(inv invoker.Invoker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.invokers[inv.ID()]; ok {
		return ErrDuplicateInvoker
	}
	p.invokers[inv.ID()] = inv
	return nil
}

// Remove drops the invoker with id and returns it.
func (p *Pool) Remove(id string) (invoker.Invoker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invokers[id]
	if ok {
		delete(p.invokers, id)
	}
	return inv, ok
}

func (p *Pool) Get(id string) (invoker.Invoker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inv, ok := p.invokers[id]
	return inv, ok
}

// List returns a snapshot ordered by invoker ID.
func (p *Pool) List() []invoker.Invoker {
	p.mu.RLock()
	list := make([]invoker.Invoker, 0, len(p.invokers))
	for _, inv := range p.invokers {
		list = append(list, inv)
	}
	p.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.invokers)
}
