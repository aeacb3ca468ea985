package scheduler

import (
	"github.com/ChuLiYu/clustermgr/internal/errs"
	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/proto"
	"github.com/ChuLiYu/clustermgr/internal/registry"
)

// LaunchTasks validates and commits one LaunchTasks batch against its offer.
// Each task is evaluated independently against what remains of the offer's
// resources, in request order: a task that fits is reserved and launched; a
// task that doesn't is declined on its own, via a TASK_LOST status update,
// without blocking the rest of the batch. A task may name an executor id
// already running on the worker, or not yet running, in which case its
// ExecutorResources are charged once per batch rather than once per task.
func (m *Master) LaunchTasks(req proto.LaunchTasks) error {
	offer, ok := m.reg.Offer(req.OfferID)
	if !ok {
		m.declineTasks(req.FrameworkID, req.Tasks, errs.ReasonOfferRescinded)
		return errs.Rejected(errs.ReasonOfferRescinded)
	}
	if offer.FrameworkID != req.FrameworkID {
		m.declineTasks(req.FrameworkID, req.Tasks, errs.ReasonUnknownFramework)
		return errs.Rejected(errs.ReasonUnknownFramework)
	}

	for _, f := range req.Filters {
		m.alloc.AddFilter(req.FrameworkID, f.WorkerID, f.Threshold, f.Duration)
	}

	if len(req.Tasks) == 0 {
		m.reg.RemoveOffer(offer.ID)
		m.alloc.OfferReturned(req.FrameworkID, offer.WorkerID, true)
		return nil
	}

	remaining := offer.Resources
	declaredThisBatch := make(map[ids.ExecutorKey]bool)
	needsExecutor := make(map[ids.ExecutorKey]proto.TaskInfo)
	var accepted []proto.TaskInfo

	for _, t := range req.Tasks {
		need := t.Resources
		key := ids.ExecutorKey{FrameworkID: req.FrameworkID, ExecutorID: t.ExecutorID}
		newExecutor := false
		if t.ExecutorID != "" {
			if _, running := m.reg.Executor(key); !running && !declaredThisBatch[key] {
				newExecutor = true
				need = need.Add(t.ExecutorResources)
			}
		}

		if !remaining.Contains(need) {
			m.declineTasks(req.FrameworkID, []proto.TaskInfo{t}, errs.ReasonInsufficientRes)
			continue
		}
		remaining = remaining.Sub(need)
		if newExecutor {
			declaredThisBatch[key] = true
			needsExecutor[key] = t
		}
		accepted = append(accepted, t)
	}

	for key, t := range needsExecutor {
		m.reg.AddExecutor(&registry.Executor{
			Key:       key,
			WorkerID:  offer.WorkerID,
			Resources: t.ExecutorResources,
			State:     "RUNNING",
		})
	}
	for _, t := range accepted {
		taskKey := ids.TaskKey{FrameworkID: req.FrameworkID, TaskID: t.TaskID}
		m.reg.AddTask(&registry.Task{
			Key:        taskKey,
			WorkerID:   offer.WorkerID,
			ExecutorID: t.ExecutorID,
			Resources:  t.Resources,
			State:      registry.TaskStaging,
		})
		m.wkT.Launch(offer.WorkerID, proto.LaunchTask{Task: t})
		if m.metrics != nil {
			m.metrics.RecordTaskLaunched()
		}
	}

	m.reg.RemoveOffer(offer.ID)
	m.alloc.OfferReturned(req.FrameworkID, offer.WorkerID, len(accepted) == 0)
	return nil
}

// declineTasks notifies the owning framework that each of tasks has been
// lost for reason, via the same TASK_LOST status-update path a worker-side
// failure would use.
func (m *Master) declineTasks(fw ids.FrameworkID, tasks []proto.TaskInfo, reason string) {
	for _, t := range tasks {
		m.fwT.Status(fw, proto.StatusUpdate{
			FrameworkID: fw,
			TaskID:      t.TaskID,
			State:       registry.TaskLost,
			Data:        []byte(reason),
		})
		if m.metrics != nil {
			m.metrics.RecordTaskTerminal(registry.TaskLost.String())
		}
	}
}

// Kill forwards a kill request to the task's current worker.
func (m *Master) Kill(fw ids.FrameworkID, taskID ids.TaskID) error {
	key := ids.TaskKey{FrameworkID: fw, TaskID: taskID}
	task, ok := m.reg.Task(key)
	if !ok {
		return errs.Rejected(errs.ReasonUnknownTask)
	}
	m.wkT.Kill(task.WorkerID, proto.KillTask{FrameworkID: fw, TaskID: taskID})
	return nil
}

// Decline returns an offer without launching anything (the explicit decline
// path, as distinct from an implicit decline via an empty LaunchTasks
// batch).
func (m *Master) Decline(fw ids.FrameworkID, offerID ids.OfferID, filters []proto.Filter) error {
	offer, ok := m.reg.Offer(offerID)
	if !ok {
		return errs.Rejected(errs.ReasonOfferRescinded)
	}
	for _, f := range filters {
		m.alloc.AddFilter(fw, f.WorkerID, f.Threshold, f.Duration)
	}
	m.reg.RemoveOffer(offerID)
	m.alloc.OfferReturned(fw, offer.WorkerID, true)
	return nil
}

// ReviveOffers clears a framework's filters.
func (m *Master) ReviveOffers(fw ids.FrameworkID) {
	m.alloc.OffersRevived(fw)
}
