package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps instances in process memory. It serves single-process
// deployments and tests; ttl is ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance // service → addr → instance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAddr, ok := m.instances[serviceName]
	if !ok {
		byAddr = make(map[string]ServiceInstance)
		m.instances[serviceName] = byAddr
	}
	byAddr[instance.Addr] = instance
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byAddr, ok := m.instances[serviceName]; ok {
		delete(byAddr, addr)
		m.notifyLocked(serviceName)
	}
	return nil
}

// Discover returns instances sorted by address.
func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(serviceName), nil
}

// Watch emits the full instance list after every change until ctx is done.
// A slow reader only ever sees the latest list.
func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				m.watchers[serviceName] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) listLocked(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(m.instances[serviceName]))
	for _, inst := range m.instances[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

func (m *MemoryRegistry) notifyLocked(serviceName string) {
	list := m.listLocked(serviceName)
	for _, ch := range m.watchers[serviceName] {
		// drop a stale pending list, keep the newest
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
