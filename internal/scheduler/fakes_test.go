package scheduler

import (
	"sync"

	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/proto"
)

// fakeFrameworkTransport records every message sent to it, guarded by a
// mutex since the status-update retry goroutine calls Status concurrently
// with the test's own assertions.
type fakeFrameworkTransport struct {
	mu           sync.Mutex
	registered   []proto.FrameworkRegistered
	statuses     []proto.StatusUpdate
	errors       []proto.FrameworkError
}

func (f *fakeFrameworkTransport) Registered(fw ids.FrameworkID, msg proto.FrameworkRegistered) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, msg)
}
func (f *fakeFrameworkTransport) Offers(ids.FrameworkID, proto.ResourceOffers)         {}
func (f *fakeFrameworkTransport) Rescind(ids.FrameworkID, proto.RescindOffer)          {}
func (f *fakeFrameworkTransport) Status(fw ids.FrameworkID, msg proto.StatusUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, msg)
}
func (f *fakeFrameworkTransport) ExecutorMessage(ids.FrameworkID, proto.ExecutorToFrameworkMessage) {}
func (f *fakeFrameworkTransport) Error(fw ids.FrameworkID, msg proto.FrameworkError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, msg)
}
func (f *fakeFrameworkTransport) LostWorker(ids.FrameworkID, proto.LostWorker) {}

func (f *fakeFrameworkTransport) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

// fakeWorkerTransport records every message sent to it.
type fakeWorkerTransport struct {
	mu      sync.Mutex
	launch  []proto.LaunchTask
	kill    []proto.KillTask
}

func (w *fakeWorkerTransport) Registered(ids.WorkerID, proto.WorkerRegistered)     {}
func (w *fakeWorkerTransport) Reregistered(ids.WorkerID, proto.WorkerReregistered) {}
func (w *fakeWorkerTransport) Launch(id ids.WorkerID, msg proto.LaunchTask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.launch = append(w.launch, msg)
}
func (w *fakeWorkerTransport) Kill(id ids.WorkerID, msg proto.KillTask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kill = append(w.kill, msg)
}
func (w *fakeWorkerTransport) Shutdown(ids.WorkerID, proto.Shutdown) {}
func (w *fakeWorkerTransport) Ping(ids.WorkerID, proto.PingWorker)   {}

func (w *fakeWorkerTransport) killCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.kill)
}
