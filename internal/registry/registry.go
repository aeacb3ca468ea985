package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/errs"
	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/resources"
)

// DefaultCompletedTasksCapacity is the per-framework completed-task ring
// size.
const DefaultCompletedTasksCapacity = 100

// Registry owns every Framework/Worker/Offer/Task/Executor entity. All
// mutations are expected to be serialized through the owning Coordinator
// actor's event loop; Registry itself only guarantees that its own methods
// are individually safe to call concurrently.
type Registry struct {
	mu sync.RWMutex

	frameworks map[ids.FrameworkID]*Framework
	workers    map[ids.WorkerID]*Worker
	offers     map[ids.OfferID]*Offer

	hostPorts map[string]map[int]struct{}

	taskIndex     map[ids.TaskKey]ids.WorkerID
	executorIndex map[ids.ExecutorKey]ids.WorkerID
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		frameworks:    make(map[ids.FrameworkID]*Framework),
		workers:       make(map[ids.WorkerID]*Worker),
		offers:        make(map[ids.OfferID]*Offer),
		hostPorts:     make(map[string]map[int]struct{}),
		taskIndex:     make(map[ids.TaskKey]ids.WorkerID),
		executorIndex: make(map[ids.ExecutorKey]ids.WorkerID),
	}
}

// --- Frameworks ---

// RegisterFramework creates a new Framework entry.
func (r *Registry) RegisterFramework(id ids.FrameworkID, owner string, failover time.Duration) *Framework {
	r.mu.Lock()
	defer r.mu.Unlock()
	fw := newFramework(id, owner, failover, DefaultCompletedTasksCapacity)
	fw.RegisteredAt = time.Now()
	r.frameworks[id] = fw
	return fw
}

// Framework returns a snapshot copy of the framework, or false if unknown.
func (r *Registry) Framework(id ids.FrameworkID) (Framework, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fw, ok := r.frameworks[id]
	if !ok {
		return Framework{}, false
	}
	return *fw, true
}

// SetFrameworkActive toggles the active flag (disconnect/reattach).
func (r *Registry) SetFrameworkActive(id ids.FrameworkID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fw, ok := r.frameworks[id]
	if !ok {
		return errs.Rejected(errs.ReasonUnknownFramework)
	}
	fw.Active = active
	if active {
		fw.ReregisteredAt = time.Now()
	}
	return nil
}

// RemoveFramework deletes a framework (unregister, or failover timeout
// expiry).
func (r *Registry) RemoveFramework(id ids.FrameworkID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.frameworks, id)
}

// Frameworks returns a snapshot of every registered framework.
func (r *Registry) Frameworks() []Framework {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Framework, 0, len(r.frameworks))
	for _, fw := range r.frameworks {
		out = append(out, *fw)
	}
	return out
}

// --- Workers ---

// RegisterWorker creates a new Worker entry, rejecting a duplicate
// host:port pair.
func (r *Registry) RegisterWorker(id ids.WorkerID, host string, port int, capacity resources.Vector) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ports, ok := r.hostPorts[host]; ok {
		if _, taken := ports[port]; taken {
			return nil, errs.ErrDuplicate
		}
	} else {
		r.hostPorts[host] = make(map[int]struct{})
	}
	r.hostPorts[host][port] = struct{}{}

	w := newWorker(id, host, port, capacity)
	w.LastHeartbeat = time.Now()
	r.workers[id] = w
	return w, nil
}

// Worker returns a snapshot copy of the worker, or false if unknown. Nested
// maps are copied one level deep so callers cannot mutate live state.
func (r *Registry) Worker(id ids.WorkerID) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return cloneWorker(w), true
}

func cloneWorker(w *Worker) Worker {
	cp := *w
	cp.Offers = make(map[ids.OfferID]struct{}, len(w.Offers))
	for k := range w.Offers {
		cp.Offers[k] = struct{}{}
	}
	cp.Tasks = make(map[ids.TaskKey]*Task, len(w.Tasks))
	for k, v := range w.Tasks {
		t := *v
		cp.Tasks[k] = &t
	}
	cp.Executors = make(map[ids.FrameworkID]map[ids.ExecutorID]*Executor, len(w.Executors))
	for fid, execs := range w.Executors {
		m := make(map[ids.ExecutorID]*Executor, len(execs))
		for eid, e := range execs {
			ce := *e
			m[eid] = &ce
		}
		cp.Executors[fid] = m
	}
	return cp
}

// Workers returns a snapshot of every registered worker, active or not.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, cloneWorker(w))
	}
	return out
}

// RemoveWorker deletes a worker and its host:port reservation.
func (r *Registry) RemoveWorker(id ids.WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	if ports, ok := r.hostPorts[w.Host]; ok {
		delete(ports, w.Port)
		if len(ports) == 0 {
			delete(r.hostPorts, w.Host)
		}
	}
	for key := range w.Tasks {
		delete(r.taskIndex, key)
	}
	for fid, execs := range w.Executors {
		for eid := range execs {
			delete(r.executorIndex, ids.ExecutorKey{FrameworkID: fid, ExecutorID: eid})
		}
	}
	delete(r.workers, id)
}

// Heartbeat records a heartbeat for worker id.
func (r *Registry) Heartbeat(id ids.WorkerID, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.LastHeartbeat = at
	return true
}

// --- Offers ---

// AddOffer reserves offer.Resources from the worker's free pool and records
// the offer; while live, its resources are reserved from the worker's free
// pool.
func (r *Registry) AddOffer(o *Offer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[o.WorkerID]
	if !ok {
		return errs.Rejected(errs.ReasonUnknownWorker)
	}
	fw, ok := r.frameworks[o.FrameworkID]
	if !ok {
		return errs.Rejected(errs.ReasonUnknownFramework)
	}
	w.Offered = w.Offered.Add(o.Resources)
	w.Offers[o.ID] = struct{}{}
	fw.Total = fw.Total.Add(o.Resources)
	r.offers[o.ID] = o
	return nil
}

// Offer returns the offer, or false if it is not live; subsequent
// references to a rescinded offer fail with Rejected(offer_rescinded).
func (r *Registry) Offer(id ids.OfferID) (Offer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.offers[id]
	if !ok {
		return Offer{}, false
	}
	return *o, true
}

// RemoveOffer releases an offer's reservation back to the worker's free pool
// and removes it (destroyed by launch, decline, rescind, or owner removal).
// Callers converting the offer into running work call AddTask / AddExecutor
// separately, which re-reserves from the same freed pool as Used instead
// of Offered.
func (r *Registry) RemoveOffer(id ids.OfferID) (Offer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[id]
	if !ok {
		return Offer{}, false
	}
	delete(r.offers, id)
	if w, ok := r.workers[o.WorkerID]; ok {
		w.Offered = w.Offered.Sub(o.Resources)
		delete(w.Offers, id)
	}
	if fw, ok := r.frameworks[o.FrameworkID]; ok {
		fw.Total = fw.Total.Sub(o.Resources)
	}
	return *o, true
}

// TasksByFramework returns a snapshot of every live task belonging to fw,
// across every worker.
func (r *Registry) TasksByFramework(fw ids.FrameworkID) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for key, wid := range r.taskIndex {
		if key.FrameworkID != fw {
			continue
		}
		if t, ok := r.workers[wid].Tasks[key]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// --- Tasks ---

// AddTask reserves t.Resources as Used on its worker and indexes it,
// enforcing the cross-worker (framework_id, task_id) uniqueness invariant.
func (r *Registry) AddTask(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.taskIndex[t.Key]; exists {
		return errs.ErrDuplicate
	}
	w, ok := r.workers[t.WorkerID]
	if !ok {
		return errs.Rejected(errs.ReasonUnknownWorker)
	}
	fw, ok := r.frameworks[t.Key.FrameworkID]
	if !ok {
		return errs.Rejected(errs.ReasonUnknownFramework)
	}
	w.Used = w.Used.Add(t.Resources)
	w.Tasks[t.Key] = t
	r.taskIndex[t.Key] = t.WorkerID
	fw.Total = fw.Total.Add(t.Resources)
	return nil
}

// Task returns a snapshot copy of the task, or false if unknown.
func (r *Registry) Task(key ids.TaskKey) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wid, ok := r.taskIndex[key]
	if !ok {
		return Task{}, false
	}
	w := r.workers[wid]
	t, ok := w.Tasks[key]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// UpdateTaskState appends a status entry and transitions the task's state.
// A transition into a terminal state releases the task's resources back to
// the worker and the owning framework, and moves the task into the
// framework's bounded completed-task ring.
func (r *Registry) UpdateTaskState(key ids.TaskKey, state TaskState, data []byte, uuid string, at time.Time) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wid, ok := r.taskIndex[key]
	if !ok {
		return Task{}, errs.Rejected(errs.ReasonUnknownTask)
	}
	w := r.workers[wid]
	t, ok := w.Tasks[key]
	if !ok {
		return Task{}, errs.Rejected(errs.ReasonUnknownTask)
	}
	if t.State.Terminal() {
		return Task{}, fmt.Errorf("registry: task %v already terminal at %s", key, t.State)
	}

	t.History = append(t.History, StatusEntry{State: state, Data: data, UUID: uuid, At: at})
	t.State = state

	if state.Terminal() {
		w.Used = w.Used.Sub(t.Resources)
		delete(w.Tasks, key)
		delete(r.taskIndex, key)
		if fw, ok := r.frameworks[key.FrameworkID]; ok {
			fw.Total = fw.Total.Sub(t.Resources)
			cp := *t
			fw.CompletedTasks.Push(&cp)
		}
	}
	return *t, nil
}

// --- Executors ---

// AddExecutor reserves e.Resources as Used and indexes the executor.
func (r *Registry) AddExecutor(e *Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executorIndex[e.Key]; exists {
		return errs.ErrDuplicate
	}
	w, ok := r.workers[e.WorkerID]
	if !ok {
		return errs.Rejected(errs.ReasonUnknownWorker)
	}
	fw, ok := r.frameworks[e.Key.FrameworkID]
	if !ok {
		return errs.Rejected(errs.ReasonUnknownFramework)
	}
	if w.Executors[e.Key.FrameworkID] == nil {
		w.Executors[e.Key.FrameworkID] = make(map[ids.ExecutorID]*Executor)
	}
	w.Executors[e.Key.FrameworkID][e.Key.ExecutorID] = e
	r.executorIndex[e.Key] = e.WorkerID
	w.Used = w.Used.Add(e.Resources)
	fw.Total = fw.Total.Add(e.Resources)
	return nil
}

// Executor returns the executor for key on its worker, if running.
func (r *Registry) Executor(key ids.ExecutorKey) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wid, ok := r.executorIndex[key]
	if !ok {
		return Executor{}, false
	}
	w := r.workers[wid]
	e, ok := w.Executors[key.FrameworkID][key.ExecutorID]
	if !ok {
		return Executor{}, false
	}
	return *e, true
}
