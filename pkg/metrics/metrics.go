package metrics

import "sync"

// Collector captures counters and gauges emitted by the engine.
type Collector interface {
	IncCounter(name string, delta float64)
	SetGauge(name string, value float64)
}

// Nop discards everything. Default when no collector is configured.
type Nop struct{}

func (Nop) IncCounter(string, float64) {}
func (Nop) SetGauge(string, float64)   {}

// InMemory accumulates metrics in maps, for tests and the admin endpoint.
type InMemory struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

func NewInMemory() *InMemory {
	return &InMemory{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (m *InMemory) IncCounter(name string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

func (m *InMemory) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *InMemory) Counter(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

func (m *InMemory) Gauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name]
}

// Snapshot returns a copy of all counters and gauges.
func (m *InMemory) Snapshot() (counters, gauges map[string]float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters = make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return counters, gauges
}
