// Package scheduler implements framework registration, launch/kill
// validation, and the status-update pipeline, generalizing a dispatch/result
// loop pattern from job dispatch to these three protocols.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/allocator"
	"github.com/ChuLiYu/clustermgr/internal/errs"
	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/metrics"
	"github.com/ChuLiYu/clustermgr/internal/proto"
	"github.com/ChuLiYu/clustermgr/internal/registry"
	"github.com/ChuLiYu/clustermgr/internal/transport"
)

// frameworkConn tracks the bits of registration state the reregister state
// machine needs beyond what Registry already stores.
type frameworkConn struct {
	pid               string
	disconnectedSince time.Time
	failoverTimeout   time.Duration
}

// Master is the scheduler-protocol actor. It is the single writer of
// Registry's Framework/Offer/Task maps along that protocol's edges, the way
// a dispatch controller is the sole caller into its job store.
type Master struct {
	mu sync.Mutex

	reg     *registry.Registry
	alloc   *allocator.Allocator
	fwIDs   *ids.Generator
	fwT     transport.FrameworkTransport
	wkT     transport.WorkerTransport
	conns   map[ids.FrameworkID]*frameworkConn
	pending map[string]*ackWait
	metrics *metrics.Collector

	stopCh chan struct{}
	wg     sync.WaitGroup

	log *slog.Logger
}

// Config configures a Master.
type Config struct {
	Registry           *registry.Registry
	Allocator          *allocator.Allocator
	Epoch              int64
	FrameworkTransport transport.FrameworkTransport
	WorkerTransport    transport.WorkerTransport
	Metrics            *metrics.Collector
}

// New constructs a Master bound to one coordinator epoch.
func New(cfg Config) *Master {
	return &Master{
		reg:     cfg.Registry,
		alloc:   cfg.Allocator,
		fwIDs:   ids.NewGenerator(cfg.Epoch),
		fwT:     cfg.FrameworkTransport,
		wkT:     cfg.WorkerTransport,
		conns:   make(map[ids.FrameworkID]*frameworkConn),
		pending: make(map[string]*ackWait),
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
		log:     slog.With("component", "scheduler"),
	}
}

// Start launches the failover-timeout reaper.
func (m *Master) Start() {
	m.wg.Add(1)
	go m.reapLoop()
}

// Stop halts the reaper and cancels any in-flight status-update retries.
func (m *Master) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.mu.Lock()
	for _, w := range m.pending {
		close(w.cancel)
	}
	m.pending = make(map[string]*ackWait)
	m.mu.Unlock()
}

// Register assigns a new FrameworkID of the form "<epoch>-<counter>" and
// activates it.
func (m *Master) Register(info proto.FrameworkInfo, pid string) ids.FrameworkID {
	id := m.fwIDs.NextFramework()
	m.reg.RegisterFramework(id, info.Owner, info.FailoverTimeout)
	m.alloc.FrameworkAdded(id, info.Weight)

	m.mu.Lock()
	m.conns[id] = &frameworkConn{pid: pid, failoverTimeout: info.FailoverTimeout}
	m.mu.Unlock()

	m.fwT.Registered(id, proto.FrameworkRegistered{FrameworkID: id})
	return id
}

// Reregister validates id against the active set and applies a four-way
// state machine: unknown id, known-but-disconnected, known-connected with
// failover, known-connected without failover.
func (m *Master) Reregister(id ids.FrameworkID, info proto.FrameworkInfo, failover bool, pid string) error {
	fw, known := m.reg.Framework(id)
	if !known {
		// Unknown id: accept as new, reusing the caller's id; the id's epoch
		// is not checked.
		m.reg.RegisterFramework(id, info.Owner, info.FailoverTimeout)
		m.alloc.FrameworkAdded(id, info.Weight)
		m.mu.Lock()
		m.conns[id] = &frameworkConn{pid: pid, failoverTimeout: info.FailoverTimeout}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok {
		conn = &frameworkConn{failoverTimeout: info.FailoverTimeout}
		m.conns[id] = conn
	}

	if !fw.Active {
		// Known id, disconnected: reattach pid, cancel the failover timer.
		conn.pid = pid
		conn.disconnectedSince = time.Time{}
		if err := m.reg.SetFrameworkActive(id, true); err != nil {
			return err
		}
		return nil
	}

	if failover {
		// Known id, connected, failover=true: replace pid, error the old one.
		previous := conn.pid
		conn.pid = pid
		if previous != "" {
			m.fwT.Error(id, proto.FrameworkError{Message: "framework failed over to a new instance"})
		}
		return nil
	}

	// Known id, connected, failover=false: reject.
	return errs.Rejected(errs.ReasonFrameworkInactive)
}

// Unregister removes a framework entirely.
func (m *Master) Unregister(id ids.FrameworkID) {
	m.reg.RemoveFramework(id)
	m.alloc.FrameworkRemoved(id)
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

// Disconnect marks a framework inactive without removing it: its tasks keep
// running.
func (m *Master) Disconnect(id ids.FrameworkID) {
	m.reg.SetFrameworkActive(id, false)
	m.mu.Lock()
	if conn, ok := m.conns[id]; ok {
		conn.disconnectedSince = time.Now()
	}
	m.mu.Unlock()
}

// reapLoop removes frameworks whose failover timeout has elapsed while
// disconnected, mirroring a timeout-sweep loop shape.
func (m *Master) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapExpired(time.Now())
		}
	}
}

func (m *Master) reapExpired(now time.Time) {
	m.mu.Lock()
	var expired []ids.FrameworkID
	for id, conn := range m.conns {
		if conn.disconnectedSince.IsZero() || conn.failoverTimeout <= 0 {
			continue
		}
		if now.Sub(conn.disconnectedSince) >= conn.failoverTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		for _, t := range m.reg.TasksByFramework(id) {
			m.reg.UpdateTaskState(t.Key, registry.TaskLost, nil, "", now)
			if m.metrics != nil {
				m.metrics.RecordTaskTerminal(registry.TaskLost.String())
			}
		}
		m.Unregister(id)
		m.log.Info("framework removed after failover timeout", "framework", id)
	}
}
