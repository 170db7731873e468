package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics may be nil; every method is a no-op then.
type Metrics struct {
	Iterations     prometheus.Counter
	TrainSteps     *prometheus.CounterVec // result=success|fail
	WorkerFailures *prometheus.CounterVec // worker
	Checkpoints    *prometheus.CounterVec // result=success|fail
	ReplaySize     prometheus.Gauge
	Epsilon        prometheus.Gauge
	PolicyVersion  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_iterations_total",
			Help: "Training iterations completed",
		}),
		TrainSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_train_steps_total",
				Help: "Training steps on the canonical policy by result",
			},
			[]string{"result"},
		),
		WorkerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_worker_failures_total",
				Help: "Iterations in which a worker contributed nothing",
			},
			[]string{"worker"},
		),
		Checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_checkpoints_total",
				Help: "Checkpoint saves by result",
			},
			[]string{"result"},
		),
		ReplaySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_replay_size",
			Help: "Transitions held by the replay buffer",
		}),
		Epsilon: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_epsilon_used",
			Help: "Exploration rate of the last iteration's rollouts, before decay",
		}),
		PolicyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_policy_version",
			Help: "Version of the canonical policy",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Iterations, m.TrainSteps, m.WorkerFailures, m.Checkpoints, m.ReplaySize, m.Epsilon, m.PolicyVersion)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "fail"
	}
	return "success"
}

func (m *Metrics) trained(err error) {
	if m == nil {
		return
	}
	m.TrainSteps.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) workerFailed(id string) {
	if m == nil {
		return
	}
	m.WorkerFailures.WithLabelValues(id).Inc()
}

func (m *Metrics) checkpointed(err error) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) iteration(s IterationSummary) {
	if m == nil {
		return
	}
	m.Iterations.Inc()
	m.ReplaySize.Set(float64(s.BufferSize))
	m.Epsilon.Set(s.Epsilon)
	m.PolicyVersion.Set(float64(s.Version))
}
