// Package facade implements the Reader/Writer API over a Replica quorum
// plus a Coordinator, with position identity. A Writer becomes permanently
// invalid once its underlying Coordinator is Demoted; callers must
// construct a new Writer (by electing a new Coordinator) to keep writing.
package facade

import (
	"context"
	"encoding/binary"

	"github.com/ChuLiYu/clustermgr/internal/errs"
	"github.com/ChuLiYu/clustermgr/internal/replog/coordinator"
	"github.com/ChuLiYu/clustermgr/internal/replog/replica"
)

// Position is an opaque 64-bit log position with a stable big-endian byte
// encoding, used as a durable checkpoint marker.
type Position int64

// Encode renders p as 8 bytes, big-endian.
func (p Position) Encode() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(p))
	return b
}

// Decode parses an 8-byte big-endian encoding back into a Position.
func Decode(b [8]byte) Position {
	return Position(binary.BigEndian.Uint64(b[:]))
}

// Entry is one Append payload returned by Read, tagged with its Position.
type Entry struct {
	Position Position
	Payload  []byte
}

// Reader reads committed Append entries from a Replica, filtering out Nop
// and Truncate records.
type Reader struct {
	source *replica.Replica
}

// NewReader wraps a Replica for read-only access.
func NewReader(source *replica.Replica) *Reader {
	return &Reader{source: source}
}

// Read returns every Append entry in [from, to], inclusive, erroring with
// errs.ErrTruncatedRange if the range dips below the log's beginning.
func (r *Reader) Read(from, to Position) ([]Entry, error) {
	actions, ok := r.source.Read(int64(from), int64(to))
	if !ok {
		return nil, errs.ErrTruncatedRange
	}
	entries := make([]Entry, 0, len(actions))
	for _, a := range actions {
		if !a.Learned || a.Payload.Kind != replica.PayloadAppend {
			continue
		}
		entries = append(entries, Entry{Position: Position(a.Position), Payload: a.Payload.Bytes})
	}
	return entries, nil
}

// Beginning returns the lowest non-truncated position.
func (r *Reader) Beginning() Position { return Position(r.source.Beginning()) }

// Ending returns the highest known position.
func (r *Reader) Ending() Position { return Position(r.source.Ending()) }

// Writer appends to and truncates the log through a Coordinator. It is
// single-use: once the underlying Coordinator reports Demoted, every method
// returns errs.ErrDemoted and the Writer must be discarded.
type Writer struct {
	coord *coordinator.Coordinator
}

// NewWriter wraps an already-elected Coordinator.
func NewWriter(coord *coordinator.Coordinator) *Writer {
	return &Writer{coord: coord}
}

// Append commits bytes at the next free position and returns it.
func (w *Writer) Append(ctx context.Context, bytes []byte) (Position, error) {
	if w.coord.IsDemoted() {
		return 0, errs.ErrDemoted
	}
	pos, err := w.coord.Append(ctx, bytes)
	if err != nil {
		return 0, err
	}
	return Position(pos), nil
}

// Truncate commits a Truncate(to) action and returns its position.
func (w *Writer) Truncate(ctx context.Context, to Position) (Position, error) {
	if w.coord.IsDemoted() {
		return 0, errs.ErrDemoted
	}
	pos, err := w.coord.Truncate(ctx, int64(to))
	if err != nil {
		return 0, err
	}
	return Position(pos), nil
}

// Valid reports whether this Writer's Coordinator has not yet observed its
// own demotion. A newer election elsewhere is noticed only when an operation
// through this Writer is NACKed; until then Valid still reports true.
func (w *Writer) Valid() bool { return !w.coord.IsDemoted() }
