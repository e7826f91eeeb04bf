//revive:disable:var-naming
//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "securestorage"

// Prometheus exposes application metrics and can be injected into the command,
// replication and host layers. It implements command.Metrics,
// replication.Metrics and host.Metrics through method set compatibility,
// without importing those packages.
type Prometheus struct {
	commandDuration          *prometheus.HistogramVec
	commandTotal             *prometheus.CounterVec
	replicationSignalTotal   *prometheus.CounterVec
	replicationOffset        *prometheus.GaugeVec
	replicationReplicas      *prometheus.GaugeVec
	replicationSyncTotal     *prometheus.CounterVec
	replicationSinkErrors    *prometheus.CounterVec
	hostConnectedClients     *prometheus.GaugeVec
	hostRejectedConnections  *prometheus.CounterVec
	hostCommandPanicsTotal   *prometheus.CounterVec
	hostUnknownCommandsTotal *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them on reg, reusing
// collectors that are already registered. Every series carries node_id.
func NewPrometheus(reg prometheus.Registerer, nodeID string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	node := prometheus.Labels{"node_id": nodeID}

	m := &Prometheus{
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "command",
				Name:        "duration_seconds",
				Help:        "Time spent executing secure.* commands, store access included.",
				Buckets:     []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
				ConstLabels: node,
			},
			[]string{"command", "result"},
		),
		commandTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "command",
				Name:        "total",
				Help:        "secure.* command outcomes (ok, arity_error, decoding_error, store_unavailable, error).",
				ConstLabels: node,
			},
			[]string{"command", "result"},
		),
		replicationSignalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "replication",
				Name:        "signals_total",
				Help:        "Completed writes handed to the replicator.",
				ConstLabels: node,
			},
			[]string{"command"},
		),
		replicationOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "replication",
				Name:        "offset",
				Help:        "Offset of the newest backlog entry.",
				ConstLabels: node,
			},
			nil,
		),
		replicationReplicas: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "replication",
				Name:        "connected_replicas",
				Help:        "Replicas currently subscribed to the backlog.",
				ConstLabels: node,
			},
			nil,
		),
		replicationSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "replication",
				Name:        "syncs_total",
				Help:        "Replica sync requests by mode (full, partial, error).",
				ConstLabels: node,
			},
			[]string{"mode"},
		),
		replicationSinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "replication",
				Name:        "sink_errors_total",
				Help:        "Backlog entries a sink failed to publish.",
				ConstLabels: node,
			},
			[]string{"sink"},
		),
		hostConnectedClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "host",
				Name:        "connected_clients",
				Help:        "Open RESP client connections.",
				ConstLabels: node,
			},
			nil,
		),
		hostRejectedConnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "host",
				Name:        "rejected_connections_total",
				Help:        "Connections refused because the client limit was reached.",
				ConstLabels: node,
			},
			nil,
		),
		hostCommandPanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "host",
				Name:        "command_panics_total",
				Help:        "Command handlers that panicked and were recovered by the host.",
				ConstLabels: node,
			},
			[]string{"command"},
		),
		hostUnknownCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "host",
				Name:        "unknown_commands_total",
				Help:        "Invocations of commands no module registered.",
				ConstLabels: node,
			},
			nil,
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseHistogramVec(reg, &m.commandDuration); err != nil {
		return fmt.Errorf("register command duration histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.commandTotal); err != nil {
		return fmt.Errorf("register command counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.replicationSignalTotal); err != nil {
		return fmt.Errorf("register replication signal counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.replicationOffset); err != nil {
		return fmt.Errorf("register replication offset gauge: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.replicationReplicas); err != nil {
		return fmt.Errorf("register connected replicas gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.replicationSyncTotal); err != nil {
		return fmt.Errorf("register replica sync counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.replicationSinkErrors); err != nil {
		return fmt.Errorf("register sink error counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.hostConnectedClients); err != nil {
		return fmt.Errorf("register connected clients gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.hostRejectedConnections); err != nil {
		return fmt.Errorf("register rejected connections counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.hostCommandPanicsTotal); err != nil {
		return fmt.Errorf("register command panics counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.hostUnknownCommandsTotal); err != nil {
		return fmt.Errorf("register unknown commands counter: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

// --- command.Metrics ---

func (m *Prometheus) ObserveCommand(name, result string, d time.Duration) {
	m.commandDuration.WithLabelValues(name, result).Observe(d.Seconds())
	m.commandTotal.WithLabelValues(name, result).Inc()
}

func (m *Prometheus) IncReplicationSignal(name string) {
	m.replicationSignalTotal.WithLabelValues(name).Inc()
}

// --- replication.Metrics ---

func (m *Prometheus) SetReplicationOffset(offset uint64) {
	m.replicationOffset.WithLabelValues().Set(float64(offset))
}

func (m *Prometheus) SetConnectedReplicas(n int) {
	m.replicationReplicas.WithLabelValues().Set(float64(n))
}

func (m *Prometheus) IncReplicaSync(mode string) {
	m.replicationSyncTotal.WithLabelValues(mode).Inc()
}

func (m *Prometheus) IncSinkError(sink string) {
	m.replicationSinkErrors.WithLabelValues(sink).Inc()
}

// --- host.Metrics ---

func (m *Prometheus) SetConnectedClients(n int) {
	m.hostConnectedClients.WithLabelValues().Set(float64(n))
}

func (m *Prometheus) IncRejectedConnections() {
	m.hostRejectedConnections.WithLabelValues().Inc()
}

func (m *Prometheus) IncCommandPanics(name string) {
	m.hostCommandPanicsTotal.WithLabelValues(name).Inc()
}

func (m *Prometheus) IncUnknownCommands() {
	m.hostUnknownCommandsTotal.WithLabelValues().Inc()
}
