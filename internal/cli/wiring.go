package cli

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/allocator"
	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/proto"
	"github.com/ChuLiYu/clustermgr/internal/registry"
)

// loggingTransport implements transport.FrameworkTransport and
// transport.WorkerTransport by logging the dispatched message. Wire
// encoding and delivery to an actual framework/worker process is explicitly
// out of scope for this module; a real deployment swaps this out for a
// transport built against whatever RPC mechanism fronts the cluster.
type loggingTransport struct {
	log *slog.Logger
}

func newLoggingTransport() *loggingTransport {
	return &loggingTransport{log: slog.With("component", "transport")}
}

func (t *loggingTransport) Registered(fw ids.FrameworkID, msg proto.FrameworkRegistered) {
	t.log.Info("-> framework registered", "framework", fw)
}
func (t *loggingTransport) Offers(fw ids.FrameworkID, msg proto.ResourceOffers) {
	t.log.Info("-> resource offers", "framework", fw, "count", len(msg.Offers))
}
func (t *loggingTransport) Rescind(fw ids.FrameworkID, msg proto.RescindOffer) {
	t.log.Info("-> rescind offer", "framework", fw, "offer", msg.OfferID)
}
func (t *loggingTransport) Status(fw ids.FrameworkID, msg proto.StatusUpdate) {
	t.log.Info("-> status update", "framework", fw, "task", msg.TaskID, "state", msg.State)
}
func (t *loggingTransport) ExecutorMessage(fw ids.FrameworkID, msg proto.ExecutorToFrameworkMessage) {
	t.log.Info("-> executor message", "framework", fw)
}
func (t *loggingTransport) Error(fw ids.FrameworkID, msg proto.FrameworkError) {
	t.log.Warn("-> framework error", "framework", fw, "message", msg.Message)
}
func (t *loggingTransport) LostWorker(fw ids.FrameworkID, msg proto.LostWorker) {
	t.log.Info("-> lost worker", "framework", fw, "worker", msg.WorkerID)
}
func (t *loggingTransport) Reregistered(w ids.WorkerID, msg proto.WorkerReregistered) {
	t.log.Info("-> worker reregistered", "worker", w)
}
func (t *loggingTransport) Launch(w ids.WorkerID, msg proto.LaunchTask) {
	t.log.Info("-> launch task", "worker", w, "task", msg.Task.TaskID)
}
func (t *loggingTransport) Kill(w ids.WorkerID, msg proto.KillTask) {
	t.log.Info("-> kill task", "worker", w, "task", msg.TaskID)
}
func (t *loggingTransport) Shutdown(w ids.WorkerID, msg proto.Shutdown) {
	t.log.Info("-> shutdown", "worker", w)
}
func (t *loggingTransport) Ping(w ids.WorkerID, msg proto.PingWorker) {
	t.log.Info("-> ping", "worker", w)
}

// workerTransportAdapter adapts loggingTransport to transport.WorkerTransport.
// It exists only because FrameworkTransport and WorkerTransport both declare
// a differently-typed "Registered" method, which Go cannot overload on a
// single receiver; every other method is promoted unchanged from the
// embedded *loggingTransport.
type workerTransportAdapter struct {
	*loggingTransport
}

func (a workerTransportAdapter) Registered(w ids.WorkerID, msg proto.WorkerRegistered) {
	a.log.Info("-> worker registered", "worker", w)
}

// offerBook fills the allocator.Dispatcher and liveness.OfferRescinder
// roles: it mints Offer ids, records offers in the Registry, and notifies
// the framework transport, owning the one path from "decision made" to
// "Registry updated and framework notified".
type offerBook struct {
	mu   sync.Mutex
	reg  *registry.Registry
	ids  *ids.Generator
	fwT  *loggingTransport
	byWK map[ids.WorkerID]map[ids.OfferID]struct{}
}

func newOfferBook(reg *registry.Registry, gen *ids.Generator, fwT *loggingTransport) *offerBook {
	return &offerBook{
		reg:  reg,
		ids:  gen,
		fwT:  fwT,
		byWK: make(map[ids.WorkerID]map[ids.OfferID]struct{}),
	}
}

// Dispatch implements allocator.Dispatcher.
func (b *offerBook) Dispatch(fw ids.FrameworkID, decisions []allocator.Decision) {
	offers := make([]registry.Offer, 0, len(decisions))
	for _, d := range decisions {
		o := &registry.Offer{
			ID:          b.ids.NextOffer(),
			FrameworkID: d.Framework,
			WorkerID:    d.Worker,
			Resources:   d.Resources,
			CreatedAt:   time.Now(),
		}
		if err := b.reg.AddOffer(o); err != nil {
			continue
		}
		b.mu.Lock()
		if b.byWK[o.WorkerID] == nil {
			b.byWK[o.WorkerID] = make(map[ids.OfferID]struct{})
		}
		b.byWK[o.WorkerID][o.ID] = struct{}{}
		b.mu.Unlock()
		offers = append(offers, *o)
	}
	if len(offers) == 0 {
		return
	}
	b.fwT.Offers(fw, proto.ResourceOffers{Offers: offers})
}

// RescindWorkerOffers implements liveness.OfferRescinder by removing every
// offer this book knows about for worker from the Registry and returning
// them so the caller can notify the owning frameworks.
func (b *offerBook) RescindWorkerOffers(worker ids.WorkerID) []registry.Offer {
	b.mu.Lock()
	offerIDs := b.byWK[worker]
	delete(b.byWK, worker)
	b.mu.Unlock()

	var out []registry.Offer
	for id := range offerIDs {
		if o, ok := b.reg.RemoveOffer(id); ok {
			out = append(out, o)
		}
	}
	return out
}
