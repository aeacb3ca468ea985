// Package proto holds the plain Go message types exchanged across the
// Framework-facing and Worker-facing protocol boundaries. No wire codec
// lives here — that is a deliberately out-of-scope concern; internal/transport
// consumes these as typed Go values only.
package proto

import (
	"time"

	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/registry"
	"github.com/ChuLiYu/clustermgr/internal/resources"
)

// --- Framework-facing: framework -> coordinator ---

type FrameworkInfo struct {
	Owner           string
	FailoverTimeout time.Duration
	Weight          float64
}

type RegisterFramework struct {
	Info FrameworkInfo
}

type ReregisterFramework struct {
	FrameworkID ids.FrameworkID
	Info        FrameworkInfo
	Failover    bool
}

type UnregisterFramework struct {
	FrameworkID ids.FrameworkID
}

type DeactivateFramework struct {
	FrameworkID ids.FrameworkID
}

type ResourceRequest struct {
	FrameworkID ids.FrameworkID
	Requests    []resources.Vector
}

type TaskInfo struct {
	TaskID    ids.TaskID
	WorkerID  ids.WorkerID
	Resources resources.Vector

	// ExecutorID is empty if the task runs in the worker's default
	// executor. ExecutorResources is only consulted the first time this
	// executor id is seen not-yet-running on the worker within a single
	// LaunchTasks batch; later tasks in the same batch reusing it are not
	// charged for it again.
	ExecutorID        ids.ExecutorID
	ExecutorResources resources.Vector
}

type LaunchTasks struct {
	FrameworkID ids.FrameworkID
	OfferID     ids.OfferID
	Tasks       []TaskInfo
	Filters     []Filter
}

// Filter mirrors allocator.filterEntry's wire shape without importing the
// allocator package, keeping proto free of any component's internals.
type Filter struct {
	WorkerID  ids.WorkerID
	Threshold resources.Vector
	Duration  time.Duration
}

type ReviveOffers struct {
	FrameworkID ids.FrameworkID
}

type KillTask struct {
	FrameworkID ids.FrameworkID
	TaskID      ids.TaskID
}

type FrameworkToExecutorMessage struct {
	FrameworkID ids.FrameworkID
	ExecutorID  ids.ExecutorID
	Data        []byte
}

// --- Framework-facing: coordinator -> framework ---

type FrameworkRegistered struct {
	FrameworkID ids.FrameworkID
}

type ResourceOffers struct {
	Offers []registry.Offer
}

type RescindOffer struct {
	OfferID ids.OfferID
}

type StatusUpdate struct {
	FrameworkID ids.FrameworkID
	TaskID      ids.TaskID
	State       registry.TaskState
	Data        []byte
	UUID        string
}

type ExecutorToFrameworkMessage struct {
	FrameworkID ids.FrameworkID
	ExecutorID  ids.ExecutorID
	Data        []byte
}

type FrameworkError struct {
	Code    int
	Message string
}

type LostWorker struct {
	WorkerID ids.WorkerID
}

// --- Worker-facing: worker -> coordinator ---

type WorkerInfo struct {
	Hostname string
	Port     int
	Capacity resources.Vector
}

type RegisterWorker struct {
	WorkerID ids.WorkerID
	Info     WorkerInfo
}

type ReregisterWorker struct {
	WorkerID  ids.WorkerID
	Info      WorkerInfo
	Executors []registry.Executor
	Tasks     []registry.Task
}

type UnregisterWorker struct {
	WorkerID ids.WorkerID
}

type WorkerStatusUpdate struct {
	Update StatusUpdate
	Pid    string
}

type ExecutorExited struct {
	WorkerID   ids.WorkerID
	ExecutorID ids.ExecutorID
	Code       int
}

type PingWorker struct {
	WorkerID ids.WorkerID
}

// --- Worker-facing: coordinator -> worker ---

type WorkerRegistered struct {
	WorkerID ids.WorkerID
}

type WorkerReregistered struct {
	WorkerID ids.WorkerID
}

type LaunchTask struct {
	Task TaskInfo
}

type Shutdown struct{}
