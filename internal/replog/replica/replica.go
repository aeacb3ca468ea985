// Package replica implements a single node's durable, append-only record
// store with cache and recovery. A Replica serves promise/write/commit/learn
// to its owning Coordinator and read/missing/beginning/ending/promised to
// any caller.
package replica

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/ChuLiYu/clustermgr/internal/metrics"
	lru "github.com/hashicorp/golang-lru/simplelru"
)

// DefaultCacheCapacity is the default LRU capacity.
const DefaultCacheCapacity = 100_000

// PromiseAck is returned by Promise: the current log end (for `promise(id,
// none)`), or the action previously recorded at the requested position (for
// `promise(id, Some(p))`).
type PromiseAck struct {
	End    int64
	Action *Action // nil for a none-position promise
}

// Replica is the actor owning one log file. All exported methods are safe
// for concurrent use; internally a single mutex serializes access, the way
// a write-ahead log guards its file with one sync.Mutex.
type Replica struct {
	mu   sync.Mutex
	path string
	file *os.File

	promised int64 // monotonically non-decreasing
	begin    int64 // positions < begin are truncated
	nextPos  int64 // end = nextPos - 1; nextPos == begin means an empty log

	offsets map[int64]int64 // position -> file byte offset, rebuilt on open
	holes   map[int64]struct{}
	cache   *lru.LRU // position -> *Action

	log     *slog.Logger
	metrics *metrics.Collector

	// onLearned is invoked (outside the lock) whenever commit() learns a
	// new action, so the owner can fire-and-forget a Learned broadcast to
	// peers.
	onLearned func(Action)
}

// Open opens or creates the log file at path, replaying it to rebuild
// promised/begin/nextPos/offsets/holes, truncating any partial trailing
// record.
func Open(path string, cacheCapacity int) (*Replica, error) {
	if cacheCapacity <= 0 {
		cacheCapacity = DefaultCacheCapacity
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replica: open %s: %w", path, err)
	}
	cache, err := lru.NewLRU(cacheCapacity, nil)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("replica: new cache: %w", err)
	}

	r := &Replica{
		path:    path,
		file:    file,
		nextPos: 0,
		offsets: make(map[int64]int64),
		holes:   make(map[int64]struct{}),
		cache:   cache,
		log:     slog.With("component", "replica", "path", path),
	}
	if err := r.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// SetLearnedCallback wires the fire-and-forget Learned broadcast hook. Must
// be called before concurrent use begins.
func (r *Replica) SetLearnedCallback(cb func(Action)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLearned = cb
}

// SetMetrics wires the Collector this replica reports promise/write counts
// and cache size to. Must be called before concurrent use begins.
func (r *Replica) SetMetrics(c *metrics.Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = c
}

// recover replays the file sequentially, rebuilding in-memory metadata and
// truncating a corrupt/partial trailing record.
func (r *Replica) recover() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("replica: seek start: %w", err)
	}
	br := bufio.NewReader(r.file)

	var offset int64
	var highest int64 = -1
	for {
		rec, n, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err == errPartialRecord {
			r.log.Warn("truncating partial trailing record", "offset", offset)
			if terr := r.file.Truncate(offset); terr != nil {
				return fmt.Errorf("replica: truncate partial tail: %w", terr)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("replica: recover: %w", err)
		}

		switch rec.kind {
		case recordPromise:
			if rec.promiseID > r.promised {
				r.promised = rec.promiseID
			}
		case recordAction:
			a := rec.action
			r.applyRecoveredAction(a, offset)
			if a.Position > highest {
				highest = a.Position
			}
			if a.PromisedID > r.promised {
				r.promised = a.PromisedID
			}
		}
		offset += int64(n)
	}

	if _, err := r.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("replica: seek end: %w", err)
	}
	r.nextPos = highest + 1
	if r.nextPos < r.begin {
		r.nextPos = r.begin
	}
	return nil
}

func (r *Replica) applyRecoveredAction(a Action, offset int64) {
	r.offsets[a.Position] = offset
	r.cache.Add(a.Position, &a)
	delete(r.holes, a.Position)

	if a.Learned && a.Payload.Kind == PayloadTruncate {
		if a.Payload.TruncateTo > r.begin {
			r.begin = a.Payload.TruncateTo
		}
	}
}

// markHoles records every position strictly between the previously known
// highest position and the newly written one as a hole, maintaining the
// invariant that either an action is known for p or p is in holes.
func (r *Replica) markHoles(upTo int64) {
	highest := r.nextPos - 1
	for p := highest + 1; p < upTo; p++ {
		if p < r.begin {
			continue
		}
		r.holes[p] = struct{}{}
	}
}

func (r *Replica) appendRecord(rec record) (int64, error) {
	buf, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}
	offset, err := r.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("replica: seek end: %w", err)
	}
	if _, err := r.file.Write(buf); err != nil {
		return 0, fmt.Errorf("replica: write: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return 0, fmt.Errorf("replica: sync: %w", err)
	}
	return offset, nil
}

// Promise handles both promise(id, none) and promise(id, Some(p)); at == nil
// means "none".
func (r *Replica) Promise(id int64, at *int64) (PromiseAck, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RecordReplicaPromise()
	}

	if at == nil {
		if id < r.promised {
			return PromiseAck{}, false
		}
		r.promised = id
		if _, err := r.appendRecord(record{kind: recordPromise, promiseID: id}); err != nil {
			r.log.Error("persist promise failed", "err", err)
		}
		return PromiseAck{End: r.nextPos - 1}, true
	}

	p := *at
	existing := r.getActionLocked(p)
	if existing == nil {
		r.markHoles(p + 1)
		placeholder := Action{Position: p, PromisedID: id}
		r.storeActionLocked(placeholder)
		if id > r.promised {
			r.promised = id
		}
		return PromiseAck{End: r.nextPos - 1, Action: nil}, true
	}
	if id < existing.PromisedID {
		return PromiseAck{}, false
	}
	prior := *existing
	existing.PromisedID = id
	r.storeActionLocked(*existing)
	if id > r.promised {
		r.promised = id
	}
	return PromiseAck{End: r.nextPos - 1, Action: &prior}, true
}

// Write persists (or re-persists) an action without marking it learned.
func (r *Replica) Write(a Action) (Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked(a, false)
}

// Commit persists an action and marks it learned, invoking the
// fire-and-forget Learned broadcast.
func (r *Replica) Commit(a Action) (Action, bool) {
	r.mu.Lock()
	result, ok := r.writeLocked(a, true)
	cb := r.onLearned
	r.mu.Unlock()
	if ok && cb != nil {
		cb(result)
	}
	return result, ok
}

func (r *Replica) writeLocked(a Action, learn bool) (Action, bool) {
	existing := r.getActionLocked(a.Position)
	guardID := r.promised
	if existing != nil {
		guardID = existing.PromisedID
	}
	if a.PromisedID < guardID {
		return Action{}, false
	}
	if existing != nil && existing.Learned {
		if !existing.Payload.equal(a.Payload) {
			return Action{}, false // never overwrite a learned action with a different payload
		}
	}

	// A fresh write always clears performed/learned/payload fields before
	// setting the new payload; since `a` already carries the new payload in
	// full, storing it as-is satisfies that directly.
	stored := a
	stored.Learned = stored.Learned || learn
	r.markHoles(a.Position)
	r.storeActionLocked(stored)
	if r.metrics != nil {
		r.metrics.RecordReplicaWrite()
	}
	return stored, true
}

func (r *Replica) storeActionLocked(a Action) {
	offset, err := r.appendRecord(record{kind: recordAction, action: a})
	if err != nil {
		r.log.Error("persist action failed", "err", err, "position", a.Position)
		return
	}
	r.offsets[a.Position] = offset
	r.cache.Add(a.Position, &a)
	if r.metrics != nil {
		r.metrics.SetReplicaCacheSize(r.cache.Len())
	}
	delete(r.holes, a.Position)
	if a.Position >= r.nextPos {
		r.nextPos = a.Position + 1
	}
	if a.Learned && a.Payload.Kind == PayloadTruncate && a.Payload.TruncateTo > r.begin {
		r.begin = a.Payload.TruncateTo
		r.evictBefore(r.begin)
	}
}

func (r *Replica) evictBefore(begin int64) {
	for p := range r.offsets {
		if p < begin {
			delete(r.offsets, p)
			r.cache.Remove(p)
			delete(r.holes, p)
		}
	}
	if r.metrics != nil {
		r.metrics.SetReplicaCacheSize(r.cache.Len())
	}
}

// Learn returns the learned action at position, if any.
func (r *Replica) Learn(position int64) (Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.getActionLocked(position)
	if a == nil || !a.Learned {
		return Action{}, false
	}
	return *a, true
}

func (r *Replica) getActionLocked(position int64) *Action {
	if v, ok := r.cache.Get(position); ok {
		return v.(*Action)
	}
	offset, ok := r.offsets[position]
	if !ok {
		return nil
	}
	a, err := r.readAt(offset)
	if err != nil {
		r.log.Error("cache-miss read failed", "err", err, "position", position)
		return nil
	}
	r.cache.Add(position, a)
	return a
}

func (r *Replica) readAt(offset int64) (*Action, error) {
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	br := bufio.NewReader(r.file)
	rec, _, err := readRecord(br)
	if err != nil {
		return nil, err
	}
	if rec.kind != recordAction {
		return nil, fmt.Errorf("replica: offset %d is not an action record", offset)
	}
	a := rec.action
	return &a, nil
}

// Read returns actions for [from, to], inclusive. It returns false if the
// range dips below begin (caller maps this to TruncatedRange).
func (r *Replica) Read(from, to int64) ([]Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if from < r.begin {
		return nil, false
	}
	out := make([]Action, 0, to-from+1)
	for p := from; p <= to; p++ {
		a := r.getActionLocked(p)
		if a == nil {
			continue
		}
		out = append(out, *a)
	}
	return out, true
}

// Missing returns the sorted list of positions in [begin, upTo] this replica
// has no record for at all (neither a placeholder nor a full action).
func (r *Replica) Missing(upTo int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for p := r.begin; p <= upTo; p++ {
		if _, known := r.offsets[p]; known {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Beginning returns the lowest non-truncated position.
func (r *Replica) Beginning() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begin
}

// Ending returns the highest known position, or begin-1 if the log is empty.
func (r *Replica) Ending() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextPos - 1
}

// Promised returns the current promise counter.
func (r *Replica) Promised() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.promised
}

// Close closes the underlying file.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
