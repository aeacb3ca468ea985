// Package registry implements the authoritative in-memory maps of
// Frameworks, Workers, Offers, Tasks, and Executors, generalizing a
// "one map is the single source of truth, a few owning methods keep every
// index in sync" design from one entity kind to five.
package registry

import (
	"time"

	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/resources"
)

// TaskState is the task lifecycle enum.
type TaskState int

const (
	TaskStaging TaskState = iota
	TaskStarting
	TaskRunning
	TaskFinished
	TaskFailed
	TaskKilled
	TaskLost
	TaskUnreachable
)

func (s TaskState) String() string {
	switch s {
	case TaskStaging:
		return "STAGING"
	case TaskStarting:
		return "STARTING"
	case TaskRunning:
		return "RUNNING"
	case TaskFinished:
		return "FINISHED"
	case TaskFailed:
		return "FAILED"
	case TaskKilled:
		return "KILLED"
	case TaskLost:
		return "LOST"
	case TaskUnreachable:
		return "UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is FINISHED, FAILED, KILLED or LOST, which end
// the task's transitions. UNREACHABLE is not terminal, so a task in it can
// still move on when its worker re-registers.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost:
		return true
	default:
		return false
	}
}

// StatusEntry is one entry in a task's ordered status history.
type StatusEntry struct {
	State TaskState
	Data  []byte
	UUID  string
	At    time.Time
}

// Framework is one registered scheduler. Its per-worker filter set is
// deliberately not stored here: the Allocator has exclusive ownership of
// filter timers as ephemeral derived state, so internal/allocator tracks
// filters itself rather than Registry mirroring them.
type Framework struct {
	ID             ids.FrameworkID
	Owner          string
	FailoverTimeout time.Duration
	RegisteredAt   time.Time
	ReregisteredAt time.Time
	Active         bool
	Total          resources.Vector
	CompletedTasks *Ring
}

func newFramework(id ids.FrameworkID, owner string, failover time.Duration, completedCap int) *Framework {
	return &Framework{
		ID:              id,
		Owner:           owner,
		FailoverTimeout: failover,
		RegisteredAt:    time.Time{},
		Active:          true,
		Total:           resources.New(),
		CompletedTasks:  NewRing(completedCap),
	}
}

// Worker is one node advertising capacity.
type Worker struct {
	ID            ids.WorkerID
	Host          string
	Port          int
	Capacity      resources.Vector
	Offered       resources.Vector
	Used          resources.Vector
	Active        bool
	LastHeartbeat time.Time
	Offers        map[ids.OfferID]struct{}
	Executors     map[ids.FrameworkID]map[ids.ExecutorID]*Executor
	Tasks         map[ids.TaskKey]*Task
}

func newWorker(id ids.WorkerID, host string, port int, capacity resources.Vector) *Worker {
	return &Worker{
		ID:        id,
		Host:      host,
		Port:      port,
		Capacity:  capacity,
		Offered:   resources.New(),
		Used:      resources.New(),
		Active:    true,
		Offers:    make(map[ids.OfferID]struct{}),
		Executors: make(map[ids.FrameworkID]map[ids.ExecutorID]*Executor),
		Tasks:     make(map[ids.TaskKey]*Task),
	}
}

// Free returns capacity - offered - used.
func (w *Worker) Free() resources.Vector {
	return w.Capacity.Sub(w.Offered).Sub(w.Used)
}

// Offer is a time-limited resource reservation.
type Offer struct {
	ID          ids.OfferID
	FrameworkID ids.FrameworkID
	WorkerID    ids.WorkerID
	Resources   resources.Vector
	CreatedAt   time.Time
}

// Task is one unit of work launched against an offer.
type Task struct {
	Key        ids.TaskKey
	WorkerID   ids.WorkerID
	ExecutorID ids.ExecutorID
	Resources  resources.Vector
	State      TaskState
	History    []StatusEntry
}

// Executor is a long-lived worker-side process hosting tasks for one
// framework.
type Executor struct {
	Key       ids.ExecutorKey
	WorkerID  ids.WorkerID
	Resources resources.Vector
	State     string
}
