// Package group implements an ephemeral-membership view over an external
// coordination service. It is the one place in this module that talks to
// that service; every other actor consumes only the
// observed set of Memberships this package reports. In this module the only
// caller is internal/cli, which opens a Group session at startup.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Membership identifies one live participant. Sequence orders memberships;
// the smallest-sequence live membership is conventionally the leader.
type Membership struct {
	Key      string
	Sequence int64
}

// SessionID identifies the coordination service's lease backing this
// Group's connection.
type SessionID string

const (
	defaultBackoffStart = 2 * time.Second
	defaultBackoffCap   = 60 * time.Second
)

// pendingOp is a queued join/cancel/info call awaiting a reconnect, re-driven
// in submission order once the session recovers.
type pendingOp struct {
	run func(ctx context.Context) error
}

// Group owns exactly one coordination-service session. Construct one per
// process; share it across every actor that needs membership, the way a
// consensus module owns its single Transport.
type Group struct {
	mu      sync.Mutex
	client  *clientv3.Client
	prefix  string
	session *concurrency.Session

	backoff    time.Duration
	backoffCap time.Duration
	connected  bool
	pending    []pendingOp

	log *slog.Logger
}

// Config configures a Group.
type Config struct {
	Client     *clientv3.Client
	Prefix     string // e.g. "/clustermgr/coordinators"
	BackoffCap time.Duration
}

// New establishes the initial session and starts the reconnect watcher.
func New(ctx context.Context, cfg Config) (*Group, error) {
	cap := cfg.BackoffCap
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	g := &Group{
		client:     cfg.Client,
		prefix:     cfg.Prefix,
		backoff:    defaultBackoffStart,
		backoffCap: cap,
		log:        slog.With("component", "group"),
	}
	sess, err := concurrency.NewSession(cfg.Client)
	if err != nil {
		return nil, errors.Wrap(err, "group: establish session")
	}
	g.session = sess
	g.connected = true
	go g.watchSession(sess)
	return g, nil
}

// watchSession blocks on the session's lease expiring, then drives
// reconnection with bounded exponential backoff (start 2s, cap 60s,
// doubling), re-submitting queued ops once a new session is live.
func (g *Group) watchSession(sess *concurrency.Session) {
	<-sess.Done()
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	g.log.Warn("session lost, reconnecting")

	backoff := defaultBackoffStart
	for {
		time.Sleep(backoff)
		newSess, err := concurrency.NewSession(g.client)
		if err == nil {
			g.mu.Lock()
			g.session = newSess
			g.connected = true
			queued := g.pending
			g.pending = nil
			g.mu.Unlock()

			for _, op := range queued {
				if rerr := op.run(context.Background()); rerr != nil {
					g.log.Error("re-drive after reconnect failed", "err", rerr)
				}
			}
			g.log.Info("session reconnected")
			go g.watchSession(newSess)
			return
		}
		g.log.Error("reconnect attempt failed", "err", err, "retry_in", backoff)
		backoff = nextBackoff(backoff, g.backoffCap)
	}
}

// nextBackoff doubles d, capped at max. Pure so it can be unit tested
// without a live coordination service.
func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

// Join registers info as a new ephemeral, sequence-ordered membership under
// this Group's prefix.
func (g *Group) Join(ctx context.Context, info []byte) (Membership, error) {
	g.mu.Lock()
	sess, connected := g.session, g.connected
	g.mu.Unlock()
	if !connected {
		return Membership{}, errors.New("group: disconnected, join not attempted; caller must retry")
	}

	key := fmt.Sprintf("%s/%s", g.prefix, uuid.New().String())
	resp, err := g.client.Txn(ctx).Then(
		clientv3.OpPut(key, string(info), clientv3.WithLease(sess.Lease())),
	).Commit()
	if err != nil {
		g.queueDisconnect()
		return Membership{}, errors.Wrap(err, "group: join")
	}
	return Membership{Key: key, Sequence: resp.Header.Revision}, nil
}

// Cancel removes a membership early.
func (g *Group) Cancel(ctx context.Context, m Membership) (bool, error) {
	resp, err := g.client.Delete(ctx, m.Key)
	if err != nil {
		g.queueDisconnect()
		return false, errors.Wrap(err, "group: cancel")
	}
	return resp.Deleted > 0, nil
}

// Info fetches the bytes a membership was joined with.
func (g *Group) Info(ctx context.Context, m Membership) ([]byte, error) {
	resp, err := g.client.Get(ctx, m.Key)
	if err != nil {
		return nil, errors.Wrap(err, "group: info")
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Errorf("group: membership %s no longer exists", m.Key)
	}
	return resp.Kvs[0].Value, nil
}

// Watch blocks until the live membership set differs from expected, then
// returns the new set.
func (g *Group) Watch(ctx context.Context, expected map[Membership]struct{}) (map[Membership]struct{}, error) {
	for {
		current, err := g.liveSet(ctx)
		if err != nil {
			return nil, err
		}
		if !sameSet(current, expected) {
			return current, nil
		}
		wc := g.client.Watch(ctx, g.prefix, clientv3.WithPrefix())
		select {
		case _, ok := <-wc:
			if !ok {
				return nil, errors.New("group: watch channel closed")
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Group) liveSet(ctx context.Context) (map[Membership]struct{}, error) {
	resp, err := g.client.Get(ctx, g.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "group: list live set")
	}
	out := make(map[Membership]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[Membership{Key: string(kv.Key), Sequence: kv.CreateRevision}] = struct{}{}
	}
	return out, nil
}

func sameSet(a, b map[Membership]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for m := range a {
		if _, ok := b[m]; !ok {
			return false
		}
	}
	return true
}

// Leader returns the smallest-sequence membership in set, the conventional
// leader.
func Leader(set map[Membership]struct{}) (Membership, bool) {
	if len(set) == 0 {
		return Membership{}, false
	}
	members := make([]Membership, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Sequence < members[j].Sequence })
	return members[0], true
}

// Session returns the current session's lease id, if connected.
func (g *Group) Session() (SessionID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected || g.session == nil {
		return "", false
	}
	return SessionID(fmt.Sprintf("%x", g.session.Lease())), true
}

// queueDisconnect marks the Group disconnected so callers stop issuing new
// ops until watchSession re-establishes a session; actual op queueing for
// automatic re-drive is left to callers that choose to enqueue their own
// retry via Enqueue, since only the caller knows how to regenerate its
// request.
func (g *Group) queueDisconnect() {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
}

// Enqueue schedules op to run once the session reconnects. Callers use this
// to re-drive a join/cancel/info that failed during a disconnect.
func (g *Group) Enqueue(op func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		go func() {
			if err := op(context.Background()); err != nil {
				g.log.Error("immediate re-drive failed", "err", err)
			}
		}()
		return
	}
	g.pending = append(g.pending, pendingOp{run: op})
}
