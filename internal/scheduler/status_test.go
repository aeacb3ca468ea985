package scheduler

import (
	"testing"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/proto"
	"github.com/ChuLiYu/clustermgr/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessStatusUpdateAppliesToRegistry(t *testing.T) {
	m, _, _ := newTestMaster(t)
	defer m.Stop()

	_, err := m.reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)
	fwID := m.Register(proto.FrameworkInfo{Owner: "alice"}, "pid-1")
	key := ids.TaskKey{FrameworkID: fwID, TaskID: "t1"}
	require.NoError(t, m.reg.AddTask(&registry.Task{Key: key, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskStaging}))

	err = m.ProcessStatusUpdate(proto.WorkerStatusUpdate{Update: proto.StatusUpdate{
		FrameworkID: fwID, TaskID: "t1", State: registry.TaskRunning, UUID: "u1",
	}})
	require.NoError(t, err)

	task, ok := m.reg.Task(key)
	require.True(t, ok)
	assert.Equal(t, registry.TaskRunning, task.State)

	m.AckStatusUpdate(fwID, "u1")
}

func TestAckStatusUpdateStopsRetries(t *testing.T) {
	m, fwT, _ := newTestMaster(t)
	defer m.Stop()

	_, err := m.reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)
	fwID := m.Register(proto.FrameworkInfo{Owner: "alice"}, "pid-1")
	key := ids.TaskKey{FrameworkID: fwID, TaskID: "t1"}
	require.NoError(t, m.reg.AddTask(&registry.Task{Key: key, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskStaging}))

	require.NoError(t, m.ProcessStatusUpdate(proto.WorkerStatusUpdate{Update: proto.StatusUpdate{
		FrameworkID: fwID, TaskID: "t1", State: registry.TaskRunning, UUID: "u1",
	}}))

	require.Eventually(t, func() bool { return fwT.statusCount() >= 1 }, time.Second, time.Millisecond)

	m.AckStatusUpdate(fwID, "u1")
	count := fwT.statusCount()

	time.Sleep(ackBackoffStart + 100*time.Millisecond)
	assert.Equal(t, count, fwT.statusCount(), "no further sends once acknowledged")
}

func TestDuplicateStatusUpdateDoesNotStartASecondRetryLoop(t *testing.T) {
	m, _, _ := newTestMaster(t)
	defer m.Stop()

	_, err := m.reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)
	fwID := m.Register(proto.FrameworkInfo{Owner: "alice"}, "pid-1")
	key := ids.TaskKey{FrameworkID: fwID, TaskID: "t1"}
	require.NoError(t, m.reg.AddTask(&registry.Task{Key: key, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskStaging}))

	update := proto.WorkerStatusUpdate{Update: proto.StatusUpdate{FrameworkID: fwID, TaskID: "t1", State: registry.TaskRunning, UUID: "u1"}}
	require.NoError(t, m.ProcessStatusUpdate(update))
	// a second delivery of the same uuid must not spawn a duplicate retry
	// goroutine; startAck is called directly, so the registry is not involved
	m.startAck(update.Update)

	m.mu.Lock()
	n := len(m.pending)
	m.mu.Unlock()
	assert.Equal(t, 1, n)

	m.AckStatusUpdate(fwID, "u1")
}
