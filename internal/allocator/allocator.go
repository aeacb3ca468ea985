// Package allocator implements the DRF offer engine. It owns only ephemeral
// derived state — free-resource views, refuser sets, filter timers — and
// reacts to lifecycle events from the Registry/Coordinator the way a
// controller reacts to ticks with a background goroutine per concern.
package allocator

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/ids"
	"github.com/ChuLiYu/clustermgr/internal/metrics"
	"github.com/ChuLiYu/clustermgr/internal/registry"
	"github.com/ChuLiYu/clustermgr/internal/resources"
)

// DefaultMinCPU and DefaultMinMem are the minimum free thresholds a worker
// must clear to be offered at all.
const (
	DefaultMinCPU = "1"
	DefaultMinMem = "32Mi"
)

const defaultBatchLimit = 100

// Decision is one (worker, resources, framework) triple the allocator has
// chosen to offer.
type Decision struct {
	Framework ids.FrameworkID
	Worker    ids.WorkerID
	Resources resources.Vector
}

// Dispatcher receives one framework's lot of decisions, sized at most
// Config.BatchLimit (default 100).
// The Coordinator implements this to mint
// Offer ids, register them in the Registry, and send ResourceOffers.
type Dispatcher interface {
	Dispatch(fw ids.FrameworkID, decisions []Decision)
}

type filterEntry struct {
	Framework ids.FrameworkID
	Threshold resources.Vector
	Expiry    time.Time
}

// FrameworkWeight pairs a framework id with its DRF weight (default 1.0),
// the allocator's own narrow view of what the Registry tracks fully.
type FrameworkWeight struct {
	ID     ids.FrameworkID
	Weight float64
}

// Config configures an Allocator.
type Config struct {
	Registry     *registry.Registry
	Dispatcher   Dispatcher
	TickInterval time.Duration
	BatchLimit   int
	MinFree      resources.Vector // defaults to DefaultMinCPU/DefaultMinMem
	Metrics      *metrics.Collector
}

// Allocator runs the offer loop on a ticker against its own stop channel.
type Allocator struct {
	mu sync.Mutex

	reg        *registry.Registry
	dispatcher Dispatcher
	tick       time.Duration
	batchLimit int
	minFree    resources.Vector
	metrics    *metrics.Collector

	frameworks map[ids.FrameworkID]float64 // weight, 0 entries default to 1.0
	refusers   map[ids.WorkerID]map[ids.FrameworkID]struct{}
	filters    map[ids.WorkerID][]filterEntry
	lastFree   map[ids.WorkerID]resources.Vector

	stopCh chan struct{}
	wg     sync.WaitGroup

	log *slog.Logger
}

// New constructs an Allocator that has not yet been started.
func New(cfg Config) *Allocator {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	batch := cfg.BatchLimit
	if batch <= 0 {
		batch = defaultBatchLimit
	}
	minFree := cfg.MinFree
	if minFree == nil {
		minFree = resources.New()
		minFree["cpus"] = resources.NewScalar(DefaultMinCPU)
		minFree["mem"] = resources.NewScalar(DefaultMinMem)
	}
	return &Allocator{
		reg:        cfg.Registry,
		dispatcher: cfg.Dispatcher,
		tick:       tick,
		batchLimit: batch,
		minFree:    minFree,
		metrics:    cfg.Metrics,
		frameworks: make(map[ids.FrameworkID]float64),
		refusers:   make(map[ids.WorkerID]map[ids.FrameworkID]struct{}),
		filters:    make(map[ids.WorkerID][]filterEntry),
		lastFree:   make(map[ids.WorkerID]resources.Vector),
		stopCh:     make(chan struct{}),
		log:        slog.With("component", "allocator"),
	}
}

// Start launches the background tick loop.
func (a *Allocator) Start() {
	a.wg.Add(1)
	go a.tickLoop()
}

// Stop halts the tick loop and waits for it to exit.
func (a *Allocator) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Allocator) tickLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// FrameworkAdded registers a framework's DRF weight (default 1.0).
func (a *Allocator) FrameworkAdded(id ids.FrameworkID, weight float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if weight <= 0 {
		weight = 1.0
	}
	a.frameworks[id] = weight
}

// FrameworkRemoved prunes a framework's ephemeral state.
func (a *Allocator) FrameworkRemoved(id ids.FrameworkID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.frameworks, id)
	for w, set := range a.refusers {
		delete(set, id)
		if len(set) == 0 {
			delete(a.refusers, w)
		}
	}
}

// WorkerRemoved prunes a worker's ephemeral state.
func (a *Allocator) WorkerRemoved(id ids.WorkerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.refusers, id)
	delete(a.filters, id)
	delete(a.lastFree, id)
}

// OfferReturned records a decline as a refusal; other return reasons
// (rescind, launch) do not mark the framework a refuser.
func (a *Allocator) OfferReturned(fw ids.FrameworkID, worker ids.WorkerID, declined bool) {
	if !declined {
		return
	}
	if a.metrics != nil {
		a.metrics.RecordOfferDeclined()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refusers[worker] == nil {
		a.refusers[worker] = make(map[ids.FrameworkID]struct{})
	}
	a.refusers[worker][fw] = struct{}{}
}

// AddFilter withholds offers of resources <= threshold on worker from
// framework until now+duration.
func (a *Allocator) AddFilter(fw ids.FrameworkID, worker ids.WorkerID, threshold resources.Vector, duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filters[worker] = append(a.filters[worker], filterEntry{Framework: fw, Threshold: threshold, Expiry: time.Now().Add(duration)})
}

// OffersRevived clears every filter belonging to fw.
func (a *Allocator) OffersRevived(fw ids.FrameworkID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for w, entries := range a.filters {
		kept := entries[:0]
		for _, e := range entries {
			if e.Framework != fw {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(a.filters, w)
		} else {
			a.filters[w] = kept
		}
	}
}

// Tick runs one offer-loop pass: expire filters, clear stale refuser sets,
// then compute and dispatch new offers.
func (a *Allocator) Tick() {
	tickStart := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.ObserveAllocatorTick(time.Since(tickStart).Seconds())
		}
	}()

	a.mu.Lock()
	a.expireFilters(time.Now())
	a.mu.Unlock()

	workers := a.reg.Workers()
	a.clearGrownRefusers(workers)
	if a.metrics != nil {
		a.metrics.SetWorkersActive(len(workers))
		a.mu.Lock()
		a.metrics.SetFrameworksActive(len(a.frameworks))
		a.mu.Unlock()
	}

	batches := a.computeOffers(workers)
	for fw, decisions := range batches {
		if a.metrics != nil {
			for range decisions {
				a.metrics.RecordOfferSent()
			}
		}
		for start := 0; start < len(decisions); start += a.batchLimit {
			end := start + a.batchLimit
			if end > len(decisions) {
				end = len(decisions)
			}
			a.dispatcher.Dispatch(fw, decisions[start:end])
		}
	}
}

func (a *Allocator) expireFilters(now time.Time) {
	for w, entries := range a.filters {
		kept := entries[:0]
		for _, e := range entries {
			if e.Expiry.After(now) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(a.filters, w)
		} else {
			a.filters[w] = kept
		}
	}
}

// clearGrownRefusers clears a worker's refuser set when either the worker's
// free resources grow or every currently-known framework is in the set.
func (a *Allocator) clearGrownRefusers(workers []registry.Worker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	knownFrameworks := len(a.frameworks)
	for _, w := range workers {
		free := w.Free()
		if prev, ok := a.lastFree[w.ID]; ok && grew(prev, free) {
			delete(a.refusers, w.ID)
		}
		a.lastFree[w.ID] = free
		if knownFrameworks > 0 && len(a.refusers[w.ID]) >= knownFrameworks {
			delete(a.refusers, w.ID)
		}
	}
}

// grew reports whether any scalar resource's value increased from prev to
// next (ranges/sets are not part of the DRF accounting this guards).
func grew(prev, next resources.Vector) bool {
	for name, v := range next {
		if v.Kind != resources.KindScalar {
			continue
		}
		old := prev.Get(name)
		if v.Scalar.Cmp(old.Scalar) > 0 {
			return true
		}
	}
	return false
}

// computeOffers runs the heap-based DRF offer loop: for each
// free-and-eligible worker, give its entire free chunk to the
// lowest-DRF-score framework that is neither a refuser nor filtered there.
func (a *Allocator) computeOffers(workers []registry.Worker) map[ids.FrameworkID][]Decision {
	a.mu.Lock()
	total := resources.New()
	for _, w := range workers {
		total = total.Add(w.Capacity)
	}
	entries := make([]*frameworkEntry, 0, len(a.frameworks))
	for id, weight := range a.frameworks {
		used := resources.New()
		if fw, ok := a.reg.Framework(id); ok {
			used = fw.Total
		}
		entries = append(entries, &frameworkEntry{ID: id, Weight: weight, Used: used, Pending: resources.New()})
	}
	refusers := a.refusers
	filters := a.filters
	a.mu.Unlock()

	h := &frameworkHeap{entries: entries, total: total}
	heap.Init(h)

	batches := make(map[ids.FrameworkID][]Decision)
	for _, w := range workers {
		if !w.Active {
			continue
		}
		free := w.Free()
		if !meetsMinimum(free, a.minFree) {
			continue
		}
		if len(h.entries) == 0 {
			continue
		}

		var skipped []*frameworkEntry
		var chosen *frameworkEntry
		for h.Len() > 0 {
			candidate := h.entries[0]
			if eligible(candidate, w.ID, free, refusers, filters) {
				chosen = candidate
				break
			}
			skipped = append(skipped, heap.Pop(h).(*frameworkEntry))
		}
		for _, s := range skipped {
			heap.Push(h, s)
		}
		if chosen == nil {
			continue
		}

		batches[chosen.ID] = append(batches[chosen.ID], Decision{Framework: chosen.ID, Worker: w.ID, Resources: free})
		chosen.Pending = chosen.Pending.Add(free)
		h.fixTop()
	}
	return batches
}

func meetsMinimum(free, min resources.Vector) bool {
	for name, v := range min {
		if v.Kind != resources.KindScalar {
			continue
		}
		if !free.MeetsMinimum(name, v.Scalar) {
			return false
		}
	}
	return true
}

func eligible(e *frameworkEntry, worker ids.WorkerID, free resources.Vector, refusers map[ids.WorkerID]map[ids.FrameworkID]struct{}, filters map[ids.WorkerID][]filterEntry) bool {
	if set, ok := refusers[worker]; ok {
		if _, refused := set[e.ID]; refused {
			return false
		}
	}
	for _, f := range filters[worker] {
		if f.Framework == e.ID && f.Threshold.Contains(free) {
			return false
		}
	}
	return true
}
