package scheduler

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/proto"
)

const (
	ackBackoffStart = 500 * time.Millisecond
	ackBackoffCap   = 30 * time.Second
)

// ackWait tracks one status update awaiting the framework's acknowledgement.
// The retry goroutine resends on a doubling backoff until AckStatusUpdate
// cancels it or the framework's failover timeout elapses, whichever first,
// guaranteeing at-least-once status delivery.
type ackWait struct {
	cancel chan struct{}
	sentAt time.Time
}

func ackKey(fw ids.FrameworkID, uuid string) string {
	return fmt.Sprintf("%s/%s", fw, uuid)
}

// ProcessStatusUpdate records a worker-reported status transition and begins
// forwarding it to the owning framework with retry.
func (m *Master) ProcessStatusUpdate(update proto.WorkerStatusUpdate) error {
	u := update.Update
	key := ids.TaskKey{FrameworkID: u.FrameworkID, TaskID: u.TaskID}
	if _, err := m.reg.UpdateTaskState(key, u.State, u.Data, u.UUID, time.Now()); err != nil {
		return err
	}
	if m.metrics != nil && u.State.Terminal() {
		m.metrics.RecordTaskTerminal(u.State.String())
	}
	m.startAck(u)
	return nil
}

func (m *Master) startAck(u proto.StatusUpdate) {
	k := ackKey(u.FrameworkID, u.UUID)
	cancel := make(chan struct{})

	m.mu.Lock()
	if _, inflight := m.pending[k]; inflight {
		m.mu.Unlock()
		return
	}
	m.pending[k] = &ackWait{cancel: cancel, sentAt: time.Now()}
	deadline := m.ackDeadline(u.FrameworkID)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.retryAck(u, cancel, deadline)
}

// ackDeadline must be called with m.mu held.
func (m *Master) ackDeadline(fw ids.FrameworkID) time.Time {
	if conn, ok := m.conns[fw]; ok && conn.failoverTimeout > 0 {
		return time.Now().Add(conn.failoverTimeout)
	}
	return time.Time{}
}

func (m *Master) retryAck(u proto.StatusUpdate, cancel chan struct{}, deadline time.Time) {
	defer m.wg.Done()
	backoff := ackBackoffStart
	for {
		m.fwT.Status(u.FrameworkID, u)

		wait := backoff
		backoff *= 2
		if backoff > ackBackoffCap {
			backoff = ackBackoffCap
		}
		timer := time.NewTimer(wait)
		select {
		case <-cancel:
			timer.Stop()
			return
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if !deadline.IsZero() && time.Now().After(deadline) {
				m.mu.Lock()
				delete(m.pending, ackKey(u.FrameworkID, u.UUID))
				m.mu.Unlock()
				return
			}
		}
	}
}

// AckStatusUpdate cancels the retry loop for uuid once the framework has
// acknowledged it.
func (m *Master) AckStatusUpdate(fw ids.FrameworkID, uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ackKey(fw, uuid)
	if w, ok := m.pending[k]; ok {
		close(w.cancel)
		delete(m.pending, k)
		if m.metrics != nil {
			m.metrics.ObserveStatusUpdateAck(time.Since(w.sentAt).Seconds())
		}
	}
}
