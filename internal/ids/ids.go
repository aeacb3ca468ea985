// Package ids defines the opaque identifier types used across the cluster
// manager core: FrameworkID, WorkerID, OfferID, TaskID, ExecutorID.
//
// All of them are lexicographically comparable strings. A Generator mints
// FrameworkID, OfferID and ExecutorID values of the form "<epoch>-<counter>",
// unique within the lifetime of a coordinator epoch concatenated with a
// monotonically increasing counter; TaskID and WorkerID values are supplied
// by callers and are not minted here.
package ids

import (
	"fmt"
	"sync/atomic"
)

// FrameworkID identifies a registered scheduler.
type FrameworkID string

// WorkerID identifies a registered worker node.
type WorkerID string

// OfferID identifies a live resource offer.
type OfferID string

// TaskID identifies a task as assigned by its owning framework.
type TaskID string

// ExecutorID identifies a worker-side executor process.
type ExecutorID string

// TaskKey is the composite (framework, task) key the registry indexes tasks
// by; at-most-once task identity is enforced on this pair.
type TaskKey struct {
	FrameworkID FrameworkID
	TaskID      TaskID
}

// ExecutorKey is the composite (framework, executor) key executors are
// indexed by.
type ExecutorKey struct {
	FrameworkID FrameworkID
	ExecutorID  ExecutorID
}

// Generator mints epoch-scoped, monotonically increasing ids of the form
// "<epoch>-<counter>". One Generator is owned per coordinator epoch; a new
// epoch gets a new Generator so ids never collide across failovers.
type Generator struct {
	epoch   int64
	counter int64
}

// NewGenerator returns a Generator scoped to the given coordinator epoch.
func NewGenerator(epoch int64) *Generator {
	return &Generator{epoch: epoch}
}

// Next returns the next id string in this epoch, safe for concurrent use.
func (g *Generator) Next() string {
	n := atomic.AddInt64(&g.counter, 1)
	return fmt.Sprintf("%d-%d", g.epoch, n)
}

// NextFramework mints the next FrameworkID.
func (g *Generator) NextFramework() FrameworkID { return FrameworkID(g.Next()) }

// NextOffer mints the next OfferID.
func (g *Generator) NextOffer() OfferID { return OfferID(g.Next()) }

// NextExecutor mints the next ExecutorID.
func (g *Generator) NextExecutor() ExecutorID { return ExecutorID(g.Next()) }
