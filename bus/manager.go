package bus

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/registry"
	"github.com/CIRISAI/ciris-bus-fabric/telemetry"
)

// QueueHealthThreshold is the fraction of queue capacity, at or above
// which a bus is reported unhealthy even while running.
const QueueHealthThreshold = 0.9

// queuedBus is the subset of a typed bus's lifecycle BusManager drives
// directly; CommunicationBus, MemoryBus, and ToolBus all satisfy it through
// their embedded *BaseBus.
type queuedBus interface {
	Start()
	Stop()
	Stats() Stats
	CollectTelemetry() map[string]interface{}
}

// BusManager owns every typed bus plus the shared registry they dispatch
// through. It starts and stops each bus independently so a single bus
// failing to start never blocks the others, and aggregates telemetry and
// health across the fleet.
type BusManager struct {
	Registry   *registry.Registry
	LLM        *LLMBus
	Wise       *WiseBus
	Communication *CommunicationBus
	Memory     *MemoryBus
	Tool       *ToolBus
	RuntimeControl *RuntimeControlBus

	logger core.Logger

	mu      sync.Mutex
	running bool
}

// ManagerOption configures a BusManager.
type ManagerOption func(*BusManager)

// WithManagerLogger overrides the manager's logger.
func WithManagerLogger(logger core.Logger) ManagerOption {
	return func(m *BusManager) { m.logger = logger }
}

// NewBusManager constructs every typed bus over reg and wires them into one
// manager.
func NewBusManager(reg *registry.Registry, opts ...ManagerOption) *BusManager {
	m := &BusManager{
		Registry:       reg,
		LLM:            NewLLMBus(reg),
		Wise:           NewWiseBus(reg),
		Communication:  NewCommunicationBus(reg),
		Memory:         NewMemoryBus(reg),
		Tool:           NewToolBus(reg),
		RuntimeControl: NewRuntimeControlBus(reg),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		logger := core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"ciris-bus-fabric",
		)
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("fabric/bus/manager")
		}
		m.logger = logger
	}
	return m
}

func (m *BusManager) queuedBuses() map[string]queuedBus {
	return map[string]queuedBus{
		"communication":   m.Communication,
		"memory":          m.Memory,
		"tool":            m.Tool,
		"runtime_control": m.RuntimeControl,
	}
}

// Start launches every queue-backed bus. A single bus panicking during
// startup is isolated and logged; the rest still start. LLMBus and WiseBus
// dispatch synchronously at the call site and have no queue to start.
func (m *BusManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	for name, b := range m.queuedBuses() {
		m.startOne(name, b)
	}
	m.logger.Info("bus manager started", map[string]interface{}{
		"operation": "bus_manager_start",
	})
}

func (m *BusManager) startOne(name string, b queuedBus) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("bus failed to start", map[string]interface{}{
				"operation": "bus_manager_start",
				"bus":       name,
				"panic":     r,
			})
			telemetry.Counter("bus_manager.start_failed", "module", telemetry.ModuleFabric, "bus", name)
		}
	}()
	b.Start()
}

// Stop shuts down every queue-backed bus, isolating failures per bus the
// same way Start does.
func (m *BusManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	for name, b := range m.queuedBuses() {
		m.stopOne(name, b)
	}
	m.logger.Info("bus manager stopped", map[string]interface{}{
		"operation": "bus_manager_stop",
	})
}

func (m *BusManager) stopOne(name string, b queuedBus) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("bus failed to stop cleanly", map[string]interface{}{
				"operation": "bus_manager_stop",
				"bus":       name,
				"panic":     r,
			})
		}
	}()
	b.Stop()
}

// GetStats returns every bus's collect_telemetry map keyed by bus name.
func (m *BusManager) GetStats() map[string]map[string]interface{} {
	stats := map[string]map[string]interface{}{
		"llm":             m.LLM.CollectTelemetry(),
		"wise_authority":  m.Wise.CollectTelemetry(),
		"communication":   m.Communication.CollectTelemetry(),
		"memory":          m.Memory.CollectTelemetry(),
		"tool":            m.Tool.CollectTelemetry(),
		"runtime_control": m.RuntimeControl.CollectTelemetry(),
	}
	return stats
}

// GetTotalQueueSize sums the queue depth of every queue-backed bus.
func (m *BusManager) GetTotalQueueSize() int {
	total := 0
	for _, b := range m.queuedBuses() {
		total += b.Stats().QueueSize
	}
	return total
}

// RegisterPrometheus registers this manager's queue depths and the shared
// registry's lookup counters as gauges on exp, for deployments that scrape
// Prometheus directly instead of running an OTLP collector.
func (m *BusManager) RegisterPrometheus(exp *telemetry.PrometheusExporter) error {
	for name, b := range m.queuedBuses() {
		busName := name
		bus := b
		if err := exp.RegisterGaugeFunc(
			"ciris_bus_queue_depth",
			"current number of messages queued on this bus",
			prometheus.Labels{"bus": busName},
			func() float64 { return float64(bus.Stats().QueueSize) },
		); err != nil {
			return err
		}
		if err := exp.RegisterGaugeFunc(
			"ciris_bus_dropped_total",
			"messages dropped by this bus because its queue was full",
			prometheus.Labels{"bus": busName},
			func() float64 { return float64(bus.Stats().Dropped) },
		); err != nil {
			return err
		}
	}
	if err := exp.RegisterGaugeFunc(
		"ciris_registry_open_breakers",
		"providers currently past their circuit breaker threshold",
		nil,
		func() float64 { return float64(m.Registry.Metrics().OpenBreakers) },
	); err != nil {
		return err
	}
	return exp.RegisterGaugeFunc(
		"ciris_registry_lookup_hit_rate",
		"fraction of registry lookups served without a miss",
		nil,
		func() float64 { return m.Registry.Metrics().HitRate },
	)
}

// HealthCheck reports the manager as healthy iff it is running and every
// queue-backed bus sits below QueueHealthThreshold of its capacity.
func (m *BusManager) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return false
	}
	for _, b := range m.queuedBuses() {
		stats := b.Stats()
		if stats.QueueCap == 0 {
			continue
		}
		if float64(stats.QueueSize)/float64(stats.QueueCap) >= QueueHealthThreshold {
			return false
		}
	}
	return true
}
