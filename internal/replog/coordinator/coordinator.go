// Package coordinator implements the single-writer Multi-Paxos coordinator
// driving a quorum of replicas. An instance is elected by collecting
// promises from a quorum of replicas (Elect); Group membership is not
// consulted. Only the elected instance accepts writes, and it becomes
// permanently invalid on Demoted, the way a Raft implementation reverts to
// Follower on seeing a higher term.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/clustermgr/internal/errs"
	"github.com/ChuLiYu/clustermgr/internal/replog/replica"
	"github.com/google/uuid"
)

// Peer is the subset of Replica's surface the Coordinator drives directly.
// In this module a Peer is always a local or remote replica.Replica; the
// interface exists so tests can substitute fakes and so the Coordinator
// never depends on how a peer is reached: transport is external.
type Peer interface {
	Promise(id int64, at *int64) (replica.PromiseAck, bool)
	Write(a replica.Action) (replica.Action, bool)
	Commit(a replica.Action) (replica.Action, bool)
}

// Config configures one Coordinator instance.
type Config struct {
	Peers        []Peer
	RoundTimeout time.Duration // default 10s per phase
}

// Coordinator drives Multi-Paxos rounds across Config.Peers. It is NOT
// reusable after Demoted: construct a new Coordinator (with a fresh id) for
// the next election, mirroring the Log Facade's Writer becoming
// permanently invalid on Demoted.
type Coordinator struct {
	mu      sync.Mutex
	peers   []Peer
	quorum  int
	timeout time.Duration

	id          int64 // this coordinator instance's monotonically-chosen proposal id ("epoch")
	nextCounter int64 // not read; mintID derives ids from the clock
	nextPosition int64
	demoted     atomic.Bool

	log *slog.Logger
}

// New constructs a Coordinator that has not yet run Elect.
func New(cfg Config) *Coordinator {
	timeout := cfg.RoundTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{
		peers:   cfg.Peers,
		quorum:  len(cfg.Peers)/2 + 1,
		timeout: timeout,
		log:     slog.With("component", "paxos-coordinator"),
	}
}

// lastMintedID is the largest proposal id mintID has returned in this process.
var lastMintedID atomic.Int64

// mintID returns a positive proposal id strictly greater than any this
// process has minted before: the nanosecond wall clock with its low 16 bits
// replaced by a random salt, so two Coordinator instances racing an election
// essentially never collide, and bumped past the last minted id when the
// clock has not moved on. This is the same role a Raft term gets from
// incrementing currentTerm -- except Paxos proposal ids must be globally,
// not just locally, increasing.
func mintID() int64 {
	salt := int64(uuid.New().ID() & 0xffff)
	id := time.Now().UnixNano()&^0xffff | salt
	for {
		prev := lastMintedID.Load()
		if id <= prev {
			id = prev + 1
		}
		if lastMintedID.CompareAndSwap(prev, id) {
			return id
		}
	}
}

// Epoch returns the elected coordinator id once Elect has succeeded.
func (c *Coordinator) Epoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// promiseAck pairs a peer's PromiseAck with whether it NACKed.
type promiseAck struct {
	ack replica.PromiseAck
	ok  bool
}

// Elect runs the election protocol: broadcast promise(id, none), wait for
// a quorum, fill any gap up to the highest observed end.
func (c *Coordinator) Elect(ctx context.Context) error {
	if c.demoted.Load() {
		return errs.ErrDemoted
	}
	id := mintID()

	acks := c.broadcastPromise(ctx, id, nil)
	if len(acks) < c.quorum {
		return errs.ErrRetryableTimeout
	}
	for _, a := range acks {
		if !a.ok {
			c.demoted.Store(true)
			return errs.ErrDemoted
		}
	}

	var maxEnd int64 = -1
	for _, a := range acks {
		if a.ack.End > maxEnd {
			maxEnd = a.ack.End
		}
	}

	c.mu.Lock()
	c.id = id
	localEnd := c.nextPosition - 1
	c.nextPosition = maxEnd + 1
	c.mu.Unlock()

	for p := localEnd + 1; p < maxEnd+1; p++ {
		if err := c.fill(ctx, p); err != nil {
			return err
		}
	}
	c.log.Info("elected", "id", id, "next_position", maxEnd+1)
	return nil
}

// fill runs a full Paxos round to learn (or propose a Nop for) position p.
func (c *Coordinator) fill(ctx context.Context, p int64) error {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()

	pos := p
	acks := c.broadcastPromise(ctx, id, &pos)
	if len(acks) < c.quorum {
		return errs.ErrRetryableTimeout
	}
	var best *replica.Action
	for _, a := range acks {
		if !a.ok {
			c.demoted.Store(true)
			return errs.ErrDemoted
		}
		if a.ack.Action != nil && (best == nil || a.ack.Action.PerformedID > best.PerformedID) {
			best = a.ack.Action
		}
	}

	action := replica.Action{Position: p, PromisedID: id}
	if best != nil {
		action.PerformedID = best.PerformedID
		action.Payload = best.Payload
	} else {
		action.PerformedID = id
		action.Payload = replica.NopPayload()
	}

	if err := c.writeAndCommit(ctx, action); err != nil {
		return err
	}
	return nil
}

// Append assembles and commits an Append action at the next free position.
// Returns the committed position.
func (c *Coordinator) Append(ctx context.Context, payload []byte) (int64, error) {
	return c.appendPayload(ctx, replica.AppendPayload(payload))
}

// Truncate assembles and commits a Truncate action. Returns the committed
// position.
func (c *Coordinator) Truncate(ctx context.Context, to int64) (int64, error) {
	return c.appendPayload(ctx, replica.TruncatePayload(to))
}

func (c *Coordinator) appendPayload(ctx context.Context, payload replica.Payload) (int64, error) {
	if c.demoted.Load() {
		return 0, errs.ErrDemoted
	}
	c.mu.Lock()
	id := c.id
	pos := c.nextPosition
	c.mu.Unlock()

	action := replica.Action{Position: pos, PromisedID: id, PerformedID: id, Payload: payload}
	if err := c.writeAndCommit(ctx, action); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.nextPosition == pos {
		c.nextPosition = pos + 1
	}
	c.mu.Unlock()
	return pos, nil
}

// writeAndCommit broadcasts write then, on write-quorum, broadcasts commit.
// The caller does not see its append acknowledged until a quorum of
// replicas has *committed*, not merely written, preserving linearizability
// across failover.
func (c *Coordinator) writeAndCommit(ctx context.Context, action replica.Action) error {
	writeAcks, nacked := c.broadcastWrite(ctx, action)
	if nacked {
		c.demoted.Store(true)
		return errs.ErrDemoted
	}
	if writeAcks < c.quorum {
		return errs.ErrRetryableTimeout
	}

	action.Learned = true
	commitAcks, nacked := c.broadcastCommit(ctx, action)
	if nacked {
		c.demoted.Store(true)
		return errs.ErrDemoted
	}
	if commitAcks < c.quorum {
		return errs.ErrRetryableTimeout
	}
	return nil
}

func (c *Coordinator) broadcastPromise(ctx context.Context, id int64, at *int64) []promiseAck {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make(chan promiseAck, len(c.peers))
	for _, p := range c.peers {
		p := p
		go func() {
			ack, ok := p.Promise(id, at)
			select {
			case results <- promiseAck{ack, ok}:
			case <-ctx.Done():
			}
		}()
	}

	var acks []promiseAck
	for i := 0; i < len(c.peers); i++ {
		select {
		case r := <-results:
			acks = append(acks, r)
		case <-ctx.Done():
			return acks
		}
	}
	return acks
}

func (c *Coordinator) broadcastWrite(ctx context.Context, action replica.Action) (quorumCount int, nacked bool) {
	return c.broadcastActionOp(ctx, action, func(p Peer, a replica.Action) (replica.Action, bool) {
		return p.Write(a)
	})
}

func (c *Coordinator) broadcastCommit(ctx context.Context, action replica.Action) (quorumCount int, nacked bool) {
	return c.broadcastActionOp(ctx, action, func(p Peer, a replica.Action) (replica.Action, bool) {
		return p.Commit(a)
	})
}

func (c *Coordinator) broadcastActionOp(ctx context.Context, action replica.Action, op func(Peer, replica.Action) (replica.Action, bool)) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct{ ok bool }
	results := make(chan result, len(c.peers))
	for _, p := range c.peers {
		p := p
		go func() {
			_, ok := op(p, action)
			select {
			case results <- result{ok}:
			case <-ctx.Done():
			}
		}()
	}

	count := 0
	sawNack := false
	for i := 0; i < len(c.peers); i++ {
		select {
		case r := <-results:
			if r.ok {
				count++
			} else {
				sawNack = true
			}
		case <-ctx.Done():
			return count, sawNack
		}
	}
	return count, sawNack
}

// IsDemoted reports whether this Coordinator instance has been demoted and
// must not be reused.
func (c *Coordinator) IsDemoted() bool { return c.demoted.Load() }
