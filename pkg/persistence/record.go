package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Op is the kind of change a Record applies to a node property.
type Op byte

const (
	OpSet    Op = 'S'
	OpRemove Op = 'R'
	// OpCommit closes a group of records written by one store transaction.
	// Records after the last commit marker belong to an interrupted write
	// and are ignored on replay.
	OpCommit Op = 'C'
)

// Record is one logged change to a node property.
type Record struct {
	Op    Op
	Node  string
	Key   string
	Value []byte
}

var errShortRecord = errors.New("short record")

// Encode serializes the record as op byte followed by three uvarint
// length-prefixed fields (node, key, value).
func (r Record) Encode() []byte {
	buf := make([]byte, 0, 1+3*binary.MaxVarintLen32+len(r.Node)+len(r.Key)+len(r.Value))
	buf = append(buf, byte(r.Op))
	buf = binary.AppendUvarint(buf, uint64(len(r.Node)))
	buf = append(buf, r.Node...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Value)))
	buf = append(buf, r.Value...)
	return buf
}

// DecodeRecord is the inverse of Record.Encode.
func DecodeRecord(payload []byte) (Record, error) {
	if len(payload) < 1 {
		return Record{}, errShortRecord
	}
	rec := Record{Op: Op(payload[0])}
	rest := payload[1:]

	fields := make([][]byte, 3)
	for i := range fields {
		n, read := binary.Uvarint(rest)
		if read <= 0 || uint64(len(rest)-read) < n {
			return Record{}, fmt.Errorf("field %d: %w", i, errShortRecord)
		}
		fields[i] = rest[read : read+int(n)]
		rest = rest[read+int(n):]
	}
	rec.Node = string(fields[0])
	rec.Key = string(fields[1])
	if len(fields[2]) > 0 {
		rec.Value = append([]byte(nil), fields[2]...)
	}

	switch rec.Op {
	case OpSet, OpRemove, OpCommit:
		return rec, nil
	}
	return Record{}, fmt.Errorf("unknown op %q", rec.Op)
}

// ReplayResult summarizes a Replay.
type ReplayResult struct {
	// Transactions is the number of committed transactions applied.
	Transactions int
	// ValidBytes is the offset right after the last commit marker. Anything
	// beyond it belongs to an interrupted write and can be truncated.
	ValidBytes int64
}

// Replay reads framed records from r and hands every committed transaction
// to apply. A damaged or incomplete tail stops the replay without error: it
// is the expected result of a crash during the last write. The batch slice is
// reused, apply must not retain it.
func Replay(r io.Reader, apply func(batch []Record) error) (ReplayResult, error) {
	br := bufio.NewReader(r)
	var (
		pending []Record
		res     ReplayResult
		offset  int64
	)
	for {
		payload, err := ReadFrame(br)
		if err != nil {
			// io.EOF on a clean boundary, or the first damaged frame:
			// everything before it is valid either way.
			return res, nil
		}
		offset += int64(HeaderSize + len(payload))

		rec, err := DecodeRecord(payload)
		if err != nil {
			return res, nil
		}
		if rec.Op != OpCommit {
			pending = append(pending, rec)
			continue
		}
		if err := apply(pending); err != nil {
			return res, err
		}
		res.Transactions++
		res.ValidBytes = offset
		pending = pending[:0]
	}
}
