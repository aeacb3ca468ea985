package liveness

import (
	"testing"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/allocator"
	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/proto"
	"github.com/ChuLiYu/clustermgr/internal/registry"
	"github.com/ChuLiYu/clustermgr/internal/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vec(cpu, mem string) resources.Vector {
	v := resources.New()
	v["cpus"] = resources.NewScalar(cpu)
	v["mem"] = resources.NewScalar(mem)
	return v
}

type fakeFrameworkTransport struct {
	statuses []proto.StatusUpdate
	rescinds []proto.RescindOffer
}

func (f *fakeFrameworkTransport) Registered(ids.FrameworkID, proto.FrameworkRegistered) {}
func (f *fakeFrameworkTransport) Offers(ids.FrameworkID, proto.ResourceOffers)          {}
func (f *fakeFrameworkTransport) Rescind(fw ids.FrameworkID, msg proto.RescindOffer) {
	f.rescinds = append(f.rescinds, msg)
}
func (f *fakeFrameworkTransport) Status(fw ids.FrameworkID, msg proto.StatusUpdate) {
	f.statuses = append(f.statuses, msg)
}
func (f *fakeFrameworkTransport) ExecutorMessage(ids.FrameworkID, proto.ExecutorToFrameworkMessage) {}
func (f *fakeFrameworkTransport) Error(ids.FrameworkID, proto.FrameworkError)                       {}
func (f *fakeFrameworkTransport) LostWorker(ids.FrameworkID, proto.LostWorker)                      {}

type fakeWorkerTransport struct {
	kill []proto.KillTask
}

func (w *fakeWorkerTransport) Registered(ids.WorkerID, proto.WorkerRegistered)     {}
func (w *fakeWorkerTransport) Reregistered(ids.WorkerID, proto.WorkerReregistered) {}
func (w *fakeWorkerTransport) Launch(ids.WorkerID, proto.LaunchTask)               {}
func (w *fakeWorkerTransport) Kill(id ids.WorkerID, msg proto.KillTask) {
	w.kill = append(w.kill, msg)
}
func (w *fakeWorkerTransport) Shutdown(ids.WorkerID, proto.Shutdown) {}
func (w *fakeWorkerTransport) Ping(ids.WorkerID, proto.PingWorker)   {}

type fakeOfferRescinder struct {
	offers []registry.Offer
}

func (f *fakeOfferRescinder) RescindWorkerOffers(worker ids.WorkerID) []registry.Offer {
	var out []registry.Offer
	for _, o := range f.offers {
		if o.WorkerID == worker {
			out = append(out, o)
		}
	}
	return out
}

func newTestMonitor(t *testing.T, threshold time.Duration) (*Monitor, *registry.Registry, *fakeFrameworkTransport, *fakeWorkerTransport, *fakeOfferRescinder) {
	t.Helper()
	reg := registry.New()
	alloc := allocator.New(allocator.Config{Registry: reg})
	fwT := &fakeFrameworkTransport{}
	wkT := &fakeWorkerTransport{}
	rescinder := &fakeOfferRescinder{}
	m := New(Config{
		Registry:  reg,
		Allocator: alloc,
		Offers:    rescinder,
		Framework: fwT,
		Worker:    wkT,
		Threshold: threshold,
	})
	return m, reg, fwT, wkT, rescinder
}

func TestScanMarksStaleWorkerUnreachable(t *testing.T) {
	m, reg, fwT, _, rescinder := newTestMonitor(t, 75*time.Second)

	_, err := reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)
	reg.Heartbeat("w1", time.Now().Add(-2*time.Minute))

	fwID := ids.FrameworkID("fw1")
	reg.RegisterFramework(fwID, "alice", 0)
	key := ids.TaskKey{FrameworkID: fwID, TaskID: "t1"}
	require.NoError(t, reg.AddTask(&registry.Task{Key: key, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskRunning}))
	rescinder.offers = []registry.Offer{{ID: "o1", FrameworkID: fwID, WorkerID: "w1", Resources: vec("1", "1Gi")}}

	m.Scan(time.Now())

	task, ok := reg.Task(key)
	require.True(t, ok)
	assert.Equal(t, registry.TaskUnreachable, task.State)

	require.Len(t, fwT.statuses, 1)
	assert.Equal(t, registry.TaskUnreachable, fwT.statuses[0].State)
	require.Len(t, fwT.rescinds, 1)
	assert.Equal(t, ids.OfferID("o1"), fwT.rescinds[0].OfferID)
}

func TestScanSkipsFreshWorker(t *testing.T) {
	m, reg, fwT, _, _ := newTestMonitor(t, 75*time.Second)

	_, err := reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)
	reg.Heartbeat("w1", time.Now())

	m.Scan(time.Now())

	assert.Empty(t, fwT.statuses)
}

func TestScanDoesNotDuplicateOnRepeatedPass(t *testing.T) {
	m, reg, fwT, _, _ := newTestMonitor(t, 75*time.Second)

	_, err := reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)
	reg.Heartbeat("w1", time.Now().Add(-2*time.Minute))

	fwID := ids.FrameworkID("fw1")
	reg.RegisterFramework(fwID, "alice", 0)
	key := ids.TaskKey{FrameworkID: fwID, TaskID: "t1"}
	require.NoError(t, reg.AddTask(&registry.Task{Key: key, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskRunning}))

	m.Scan(time.Now())
	m.Scan(time.Now())

	assert.Len(t, fwT.statuses, 1, "repeated scans must not re-send the same unreachable transition")
}

func TestHeartbeatClearsUnreachableMark(t *testing.T) {
	m, reg, fwT, _, _ := newTestMonitor(t, 75*time.Second)

	_, err := reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)
	reg.Heartbeat("w1", time.Now().Add(-2*time.Minute))

	fwID := ids.FrameworkID("fw1")
	reg.RegisterFramework(fwID, "alice", 0)
	key := ids.TaskKey{FrameworkID: fwID, TaskID: "t1"}
	require.NoError(t, reg.AddTask(&registry.Task{Key: key, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskRunning}))

	m.Scan(time.Now())
	require.Len(t, fwT.statuses, 1)

	m.Heartbeat("w1", time.Now())
	reg.Heartbeat("w1", time.Now().Add(-2*time.Minute)) // go stale again
	m.Scan(time.Now())

	assert.Len(t, fwT.statuses, 2, "clearing the mark lets the next genuine staleness re-trigger")
}

func TestReregisteredReconcilesKnownAndUnknownTasks(t *testing.T) {
	m, reg, _, wkT, _ := newTestMonitor(t, 75*time.Second)

	_, err := reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)

	fwID := ids.FrameworkID("fw1")
	reg.RegisterFramework(fwID, "alice", 0)
	known := ids.TaskKey{FrameworkID: fwID, TaskID: "known"}
	require.NoError(t, reg.AddTask(&registry.Task{Key: known, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskUnreachable}))

	m.Reregistered("w1", proto.ReregisterWorker{
		WorkerID: "w1",
		Tasks: []registry.Task{
			{Key: known, WorkerID: "w1", State: registry.TaskRunning},
			{Key: ids.TaskKey{FrameworkID: fwID, TaskID: "ghost"}, WorkerID: "w1", State: registry.TaskRunning},
		},
	})

	task, ok := reg.Task(known)
	require.True(t, ok)
	assert.Equal(t, registry.TaskRunning, task.State)

	require.Len(t, wkT.kill, 1)
	assert.Equal(t, ids.TaskID("ghost"), wkT.kill[0].TaskID)
}

func TestReregisteredDeclaresUnreportedTaskLost(t *testing.T) {
	m, reg, fwT, _, _ := newTestMonitor(t, 75*time.Second)

	_, err := reg.RegisterWorker("w1", "host1", 1000, vec("4", "4Gi"))
	require.NoError(t, err)

	fwID := ids.FrameworkID("fw1")
	reg.RegisterFramework(fwID, "alice", 0)
	t1 := ids.TaskKey{FrameworkID: fwID, TaskID: "t1"}
	t2 := ids.TaskKey{FrameworkID: fwID, TaskID: "t2"}
	require.NoError(t, reg.AddTask(&registry.Task{Key: t1, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskUnreachable}))
	require.NoError(t, reg.AddTask(&registry.Task{Key: t2, WorkerID: "w1", Resources: vec("1", "1Gi"), State: registry.TaskUnreachable}))

	// w1 disconnected with {t1, t2} and comes back reporting only t1.
	m.Reregistered("w1", proto.ReregisterWorker{
		WorkerID: "w1",
		Tasks: []registry.Task{
			{Key: t1, WorkerID: "w1", State: registry.TaskRunning},
		},
	})

	task1, ok := reg.Task(t1)
	require.True(t, ok)
	assert.Equal(t, registry.TaskRunning, task1.State)

	_, ok = reg.Task(t2)
	require.False(t, ok, "a terminal transition removes the task from the registry")

	require.Len(t, fwT.statuses, 1)
	assert.Equal(t, ids.TaskID("t2"), fwT.statuses[0].TaskID)
	assert.Equal(t, registry.TaskLost, fwT.statuses[0].State)
}
