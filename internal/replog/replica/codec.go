package replica

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
)

// wireRecord is the JSON-serializable shape of a record. Byte payloads are
// carried as plain bytes (JSON base64-encodes []byte automatically).
type wireRecord struct {
	Kind        recordKind  `json:"kind"`
	PromiseID   int64       `json:"promise_id,omitempty"`
	Position    int64       `json:"position,omitempty"`
	PromisedID  int64       `json:"promised_id,omitempty"`
	PerformedID int64       `json:"performed_id,omitempty"`
	Learned     bool        `json:"learned,omitempty"`
	PayloadKind PayloadKind `json:"payload_kind,omitempty"`
	Bytes       []byte      `json:"bytes,omitempty"`
	TruncateTo  int64       `json:"truncate_to,omitempty"`
}

func toWire(r record) wireRecord {
	if r.kind == recordPromise {
		return wireRecord{Kind: recordPromise, PromiseID: r.promiseID}
	}
	a := r.action
	return wireRecord{
		Kind:        recordAction,
		Position:    a.Position,
		PromisedID:  a.PromisedID,
		PerformedID: a.PerformedID,
		Learned:     a.Learned,
		PayloadKind: a.Payload.Kind,
		Bytes:       a.Payload.Bytes,
		TruncateTo:  a.Payload.TruncateTo,
	}
}

func fromWire(w wireRecord) record {
	if w.Kind == recordPromise {
		return record{kind: recordPromise, promiseID: w.PromiseID}
	}
	return record{
		kind: recordAction,
		action: Action{
			Position:    w.Position,
			PromisedID:  w.PromisedID,
			PerformedID: w.PerformedID,
			Learned:     w.Learned,
			Payload: Payload{
				Kind:       w.PayloadKind,
				Bytes:      w.Bytes,
				TruncateTo: w.TruncateTo,
			},
		},
	}
}

// encodeRecord frames a record as: 4-byte BE length, 4-byte BE CRC32 of the
// JSON body, then the JSON body itself, with a checksum added the way a
// write-ahead log checksums each event.
func encodeRecord(r record) ([]byte, error) {
	body, err := json.Marshal(toWire(r))
	if err != nil {
		return nil, fmt.Errorf("replica: marshal record: %w", err)
	}
	sum := crc32.ChecksumIEEE(body)

	buf := make([]byte, 4+4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[4:8], sum)
	copy(buf[8:], body)
	return buf, nil
}

// errPartialRecord signals the scanner hit a truncated trailing record: the
// caller truncates the file to the last good offset and continues (spec
// §4.1, "If the final record is truncated/corrupt...").
var errPartialRecord = fmt.Errorf("replica: partial trailing record")

// readRecord reads one framed record from r. It returns io.EOF at a clean end
// of input, and errPartialRecord when fewer bytes are available than the
// frame declares, when the CRC does not match, or when the body does not
// decode; the caller's recovery scan treats errPartialRecord as a
// "truncated tail".
func readRecord(r *bufio.Reader) (record, int, error) {
	header := make([]byte, 8)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if err == io.EOF {
			return record{}, n, io.EOF
		}
		return record{}, n, errPartialRecord
	}
	length := binary.BigEndian.Uint32(header[0:4])
	wantSum := binary.BigEndian.Uint32(header[4:8])

	body := make([]byte, length)
	bn, err := io.ReadFull(r, body)
	total := 8 + bn
	if err != nil {
		return record{}, total, errPartialRecord
	}
	if crc32.ChecksumIEEE(body) != wantSum {
		return record{}, total, errPartialRecord
	}

	var w wireRecord
	if err := json.Unmarshal(body, &w); err != nil {
		return record{}, total, errPartialRecord
	}
	return fromWire(w), total, nil
}
