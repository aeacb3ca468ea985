// Package liveness implements worker heartbeat tracking and the
// UNREACHABLE transition, generalizing a timeout-scan loop pattern from
// per-job deadlines to per-worker heartbeat deadlines.
package liveness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/allocator"
	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/metrics"
	"github.com/ChuLiYu/clustermgr/internal/proto"
	"github.com/ChuLiYu/clustermgr/internal/registry"
	"github.com/ChuLiYu/clustermgr/internal/transport"
)

// DefaultThreshold is the default missed-heartbeat deadline: 5 missed pings
// at the default 15s ping interval.
const DefaultThreshold = 75 * time.Second

const defaultTickInterval = time.Second

// OfferRescinder removes and returns a worker's live offers, so the caller
// can notify each owning framework. Implemented by whichever component
// registers offers — the Coordinator's Dispatcher side in practice, kept as
// a narrow interface here so liveness does not need to import it.
type OfferRescinder interface {
	RescindWorkerOffers(worker ids.WorkerID) []registry.Offer
}

// Config configures a Monitor.
type Config struct {
	Registry  *registry.Registry
	Allocator *allocator.Allocator
	Offers    OfferRescinder
	Framework transport.FrameworkTransport
	Worker    transport.WorkerTransport
	Threshold time.Duration
	Tick      time.Duration
	Metrics   *metrics.Collector
}

// Monitor runs the heartbeat-deadline tick loop against its own ticker and
// stop channel.
type Monitor struct {
	reg       *registry.Registry
	alloc     *allocator.Allocator
	offers    OfferRescinder
	fwT       transport.FrameworkTransport
	wkT       transport.WorkerTransport
	threshold time.Duration
	tick      time.Duration
	metrics   *metrics.Collector

	mu          sync.Mutex
	unreachable map[ids.WorkerID]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
	log    *slog.Logger
}

// New constructs a Monitor that has not yet been started.
func New(cfg Config) *Monitor {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = defaultTickInterval
	}
	return &Monitor{
		reg:         cfg.Registry,
		alloc:       cfg.Allocator,
		offers:      cfg.Offers,
		fwT:         cfg.Framework,
		wkT:         cfg.Worker,
		threshold:   threshold,
		tick:        tick,
		metrics:     cfg.Metrics,
		unreachable: make(map[ids.WorkerID]struct{}),
		stopCh:      make(chan struct{}),
		log:         slog.With("component", "liveness"),
	}
}

// Start launches the background tick loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the tick loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Scan(time.Now())
		}
	}
}

// Scan marks every worker whose last heartbeat is older than the threshold
// as UNREACHABLE: its tasks transition to TASK_UNREACHABLE, its offers are
// rescinded, and the allocator drops its ephemeral per-worker state.
// Workers already marked unreachable are skipped so a repeated scan does
// not re-send rescinds or duplicate status updates.
func (m *Monitor) Scan(now time.Time) {
	for _, w := range m.reg.Workers() {
		if !w.Active {
			continue
		}
		if now.Sub(w.LastHeartbeat) < m.threshold {
			continue
		}

		m.mu.Lock()
		_, already := m.unreachable[w.ID]
		if !already {
			m.unreachable[w.ID] = struct{}{}
		}
		m.mu.Unlock()
		if already {
			continue
		}

		m.markUnreachable(w)
	}
}

func (m *Monitor) markUnreachable(w registry.Worker) {
	for key := range w.Tasks {
		if _, err := m.reg.UpdateTaskState(key, registry.TaskUnreachable, nil, "", time.Now()); err == nil {
			m.fwT.Status(key.FrameworkID, proto.StatusUpdate{
				FrameworkID: key.FrameworkID,
				TaskID:      key.TaskID,
				State:       registry.TaskUnreachable,
			})
		}
	}

	if m.offers != nil {
		for _, o := range m.offers.RescindWorkerOffers(w.ID) {
			m.fwT.Rescind(o.FrameworkID, proto.RescindOffer{OfferID: o.ID})
		}
	}
	m.alloc.WorkerRemoved(w.ID)
	m.log.Warn("worker marked unreachable", "worker", w.ID, "since", w.LastHeartbeat)
}

// Heartbeat records a heartbeat and clears any UNREACHABLE mark so the next
// Scan treats the worker as live again.
func (m *Monitor) Heartbeat(id ids.WorkerID, at time.Time) bool {
	m.mu.Lock()
	delete(m.unreachable, id)
	m.mu.Unlock()
	return m.reg.Heartbeat(id, at)
}

// Reregistered folds a re-registering worker's reported executors/tasks back
// into the Registry: tasks the coordinator still knows about return to
// their reported state; tasks unknown to the coordinator are killed rather
// than silently adopted; tasks the coordinator still has on this worker but
// the worker's report omits are declared lost, since the worker's report is
// authoritative for what actually survived its restart.
func (m *Monitor) Reregistered(id ids.WorkerID, msg proto.ReregisterWorker) {
	m.mu.Lock()
	delete(m.unreachable, id)
	m.mu.Unlock()

	reported := make(map[ids.TaskKey]struct{}, len(msg.Tasks))
	for _, t := range msg.Tasks {
		reported[t.Key] = struct{}{}
		if _, ok := m.reg.Task(t.Key); ok {
			m.reg.UpdateTaskState(t.Key, t.State, nil, "", time.Now())
			continue
		}
		m.wkT.Kill(id, proto.KillTask{FrameworkID: t.Key.FrameworkID, TaskID: t.Key.TaskID})
	}

	if w, ok := m.reg.Worker(id); ok {
		for key := range w.Tasks {
			if _, ok := reported[key]; ok {
				continue
			}
			if _, err := m.reg.UpdateTaskState(key, registry.TaskLost, nil, "", time.Now()); err == nil {
				m.fwT.Status(key.FrameworkID, proto.StatusUpdate{
					FrameworkID: key.FrameworkID,
					TaskID:      key.TaskID,
					State:       registry.TaskLost,
				})
				if m.metrics != nil {
					m.metrics.RecordTaskTerminal(registry.TaskLost.String())
				}
			}
		}
	}
}
