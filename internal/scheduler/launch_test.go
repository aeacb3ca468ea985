package scheduler

import (
	"testing"

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

func setupOffer(t *testing.T, m *Master, capacity resources.Vector) (ids.FrameworkID, ids.OfferID) {
	t.Helper()
	_, err := m.reg.RegisterWorker("w1", "host1", 1000, capacity)
	require.NoError(t, err)
	fwID := m.Register(proto.FrameworkInfo{Owner: "alice"}, "pid-1")
	offerID := ids.OfferID("o1")
	require.NoError(t, m.reg.AddOffer(&registry.Offer{ID: offerID, FrameworkID: fwID, WorkerID: "w1", Resources: capacity}))
	return fwID, offerID
}

func TestLaunchTasksAcceptsWithinBudget(t *testing.T) {
	m, _, wkT := newTestMaster(t)
	fwID, offerID := setupOffer(t, m, vec("4", "4Gi"))

	err := m.LaunchTasks(proto.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offerID,
		Tasks: []proto.TaskInfo{
			{TaskID: "t1", WorkerID: "w1", Resources: vec("1", "1Gi")},
			{TaskID: "t2", WorkerID: "w1", Resources: vec("1", "1Gi")},
		},
	})
	require.NoError(t, err)
	assert.Len(t, wkT.launch, 2)

	_, ok := m.reg.Offer(offerID)
	assert.False(t, ok, "offer should be consumed")

	task, ok := m.reg.Task(ids.TaskKey{FrameworkID: fwID, TaskID: "t1"})
	require.True(t, ok)
	assert.Equal(t, registry.TaskStaging, task.State)
}

func TestLaunchTasksDeclinesOverBudgetTaskAndReturnsOffer(t *testing.T) {
	m, fwT, wkT := newTestMaster(t)
	fwID, offerID := setupOffer(t, m, vec("1", "1Gi"))

	err := m.LaunchTasks(proto.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offerID,
		Tasks: []proto.TaskInfo{
			{TaskID: "t1", WorkerID: "w1", Resources: vec("2", "2Gi")},
		},
	})
	require.NoError(t, err, "a per-task decline is not a batch error")
	assert.Empty(t, wkT.launch)

	require.Len(t, fwT.statuses, 1)
	assert.Equal(t, ids.TaskID("t1"), fwT.statuses[0].TaskID)
	assert.Equal(t, registry.TaskLost, fwT.statuses[0].State)

	_, ok := m.reg.Offer(offerID)
	assert.False(t, ok, "offer should still be returned even on rejection")
}

func TestLaunchTasksEvaluatesEachTaskIndependently(t *testing.T) {
	m, fwT, wkT := newTestMaster(t)
	fwID, offerID := setupOffer(t, m, vec("2", "2Gi"))

	err := m.LaunchTasks(proto.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offerID,
		Tasks: []proto.TaskInfo{
			{TaskID: "fits", WorkerID: "w1", Resources: vec("1", "1Gi")},
			{TaskID: "too-big", WorkerID: "w1", Resources: vec("5", "5Gi")},
			{TaskID: "also-fits", WorkerID: "w1", Resources: vec("1", "1Gi")},
		},
	})
	require.NoError(t, err)

	require.Len(t, wkT.launch, 2, "tasks that fit launch even though one in the batch was declined")
	require.Len(t, fwT.statuses, 1)
	assert.Equal(t, ids.TaskID("too-big"), fwT.statuses[0].TaskID)
	assert.Equal(t, registry.TaskLost, fwT.statuses[0].State)

	_, ok := m.reg.Task(ids.TaskKey{FrameworkID: fwID, TaskID: "fits"})
	assert.True(t, ok)
	_, ok = m.reg.Task(ids.TaskKey{FrameworkID: fwID, TaskID: "also-fits"})
	assert.True(t, ok)
}

func TestLaunchTasksRejectsOfferFromWrongFramework(t *testing.T) {
	m, fwT, _ := newTestMaster(t)
	_, offerID := setupOffer(t, m, vec("4", "4Gi"))

	err := m.LaunchTasks(proto.LaunchTasks{
		FrameworkID: "someone-else",
		OfferID:     offerID,
		Tasks:       []proto.TaskInfo{{TaskID: "t1", WorkerID: "w1", Resources: vec("1", "1Gi")}},
	})
	require.Error(t, err)
	require.Len(t, fwT.statuses, 1, "the framework still learns its task was lost")
	assert.Equal(t, registry.TaskLost, fwT.statuses[0].State)
}

func TestLaunchTasksDeclinesAllOnRescindedOffer(t *testing.T) {
	m, fwT, _ := newTestMaster(t)
	fwID, _ := setupOffer(t, m, vec("4", "4Gi"))

	err := m.LaunchTasks(proto.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     "no-such-offer",
		Tasks:       []proto.TaskInfo{{TaskID: "t1", WorkerID: "w1", Resources: vec("1", "1Gi")}},
	})
	require.Error(t, err)
	require.Len(t, fwT.statuses, 1)
	assert.Equal(t, registry.TaskLost, fwT.statuses[0].State)
}

func TestLaunchTasksChargesExecutorOnlyOnce(t *testing.T) {
	m, _, wkT := newTestMaster(t)
	fwID, offerID := setupOffer(t, m, vec("4", "1100Mi"))

	execRes := vec("0", "100Mi")
	err := m.LaunchTasks(proto.LaunchTasks{
		FrameworkID: fwID,
		OfferID:     offerID,
		Tasks: []proto.TaskInfo{
			{TaskID: "t1", WorkerID: "w1", ExecutorID: "e1", ExecutorResources: execRes, Resources: vec("1", "500Mi")},
			{TaskID: "t2", WorkerID: "w1", ExecutorID: "e1", ExecutorResources: execRes, Resources: vec("1", "500Mi")},
		},
	})
	require.NoError(t, err)

	_, ok := m.reg.Executor(ids.ExecutorKey{FrameworkID: fwID, ExecutorID: "e1"})
	require.True(t, ok)
	assert.Len(t, wkT.launch, 2, "t2 fits only if the executor's resources were charged once")
}

func TestDeclineReturnsOfferAsRefusal(t *testing.T) {
	m, _, _ := newTestMaster(t)
	fwID, offerID := setupOffer(t, m, vec("4", "4Gi"))

	err := m.Decline(fwID, offerID, nil)
	require.NoError(t, err)

	_, ok := m.reg.Offer(offerID)
	assert.False(t, ok)

	m.alloc.OfferReturned(fwID, "w1", true) // idempotent shape check, no panic
}
