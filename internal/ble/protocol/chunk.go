// internal/ble/protocol/chunk.go
package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Chunk tags. Every chunk on the wire starts with one tag byte followed by
// at most MaxDataLen data bytes. Tags 1..254 are 1-based sequence numbers of
// non-final chunks.
const (
	TagEmpty byte = 0x00 // keep-alive, carries no payload
	TagFinal byte = 0xFF // closes the logical payload

	maxSeqTag = 0xFE
)

const (
	// DefaultMTU is the ATT MTU negotiated by default on a BLE link.
	DefaultMTU = 23
	// DefaultMaxDataLen is the data bytes carried per chunk (MTU minus the
	// 3-byte ATT write/notify header).
	DefaultMaxDataLen = DefaultMTU - 3
	// MaxChunks is the number of chunks a single logical payload may span.
	MaxChunks = maxSeqTag + 1
)

var (
	// ErrFraming is returned for any malformed, oversized, out-of-order or
	// unrecognized chunk. The transfer is aborted, the link is not.
	ErrFraming = errors.New("protocol: framing error")
	// ErrDuplicate is returned for a late copy of an already dispatched
	// FINAL chunk.
	ErrDuplicate = fmt.Errorf("%w: duplicate chunk after dispatch", ErrFraming)
)

// Split frames payload into tagged chunks of at most maxDataLen data bytes.
// An empty payload yields a single data-less FINAL chunk.
func Split(payload []byte, maxDataLen int) ([][]byte, error) {
	if maxDataLen <= 0 {
		return nil, fmt.Errorf("protocol: max data length must be > 0, got %d", maxDataLen)
	}
	n := (len(payload) + maxDataLen - 1) / maxDataLen
	if n == 0 {
		n = 1
	}
	if n > MaxChunks {
		return nil, fmt.Errorf("protocol: payload of %d bytes needs %d chunks, max %d", len(payload), n, MaxChunks)
	}

	chunks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*maxDataLen, len(payload))
		data := payload[i*maxDataLen : end]

		tag := byte(i + 1)
		if i == n-1 {
			tag = TagFinal
		}
		chunk := make([]byte, 0, 1+len(data))
		chunk = append(chunk, tag)
		chunk = append(chunk, data...)
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Sender is the outbound side of a transfer: one logical payload directed
// at one characteristic handle, written a chunk at a time.
type Sender struct {
	handle uint16
	chunks [][]byte
	next   int
	total  int
}

// NewSender frames payload for the characteristic at handle.
func NewSender(handle uint16, payload []byte, maxDataLen int) (*Sender, error) {
	chunks, err := Split(payload, maxDataLen)
	if err != nil {
		return nil, err
	}
	return &Sender{handle: handle, chunks: chunks, total: len(payload)}, nil
}

// Handle returns the characteristic value handle the transfer targets.
func (s *Sender) Handle() uint16 { return s.handle }

// Total returns the logical payload length in bytes.
func (s *Sender) Total() int { return s.total }

// Next returns the next chunk to write, or false once every chunk has been
// handed out.
func (s *Sender) Next() ([]byte, bool) {
	if s.next >= len(s.chunks) {
		return nil, false
	}
	c := s.chunks[s.next]
	s.next++
	return c, true
}

// Done reports whether the last chunk has been handed out.
func (s *Sender) Done() bool { return s.next >= len(s.chunks) }

type reassemblyState int

const (
	stateIdle reassemblyState = iota
	stateReceiving
	stateComplete
	stateDispatched
)

// Reassembler is the inbound side of a transfer. Push chunks as they arrive;
// once Push reports completion, Take hands the payload to its handler.
type Reassembler struct {
	maxDataLen int
	capacity   int

	state  reassemblyState
	buf    []byte
	expect byte
	final  []byte
}

// NewReassembler creates a reassembler accepting chunks of at most
// maxDataLen data bytes and payloads of at most capacity bytes.
func NewReassembler(maxDataLen, capacity int) *Reassembler {
	return &Reassembler{maxDataLen: maxDataLen, capacity: capacity, expect: 1}
}

// Push adds one chunk. It returns true when a FINAL chunk has closed the
// payload. Retransmitting the same FINAL chunk before Take is a no-op that
// reports completion again; after Take, an identical chunk is rejected with
// ErrDuplicate.
func (r *Reassembler) Push(chunk []byte) (bool, error) {
	if len(chunk) == 0 {
		return false, r.fail("empty chunk")
	}
	tag, data := chunk[0], chunk[1:]
	if len(data) > r.maxDataLen {
		return false, r.fail(fmt.Sprintf("chunk carries %d bytes, max %d", len(data), r.maxDataLen))
	}

	switch r.state {
	case stateComplete:
		if bytes.Equal(chunk, r.final) {
			return true, nil
		}
		return false, r.fail("chunk arrived before completed payload was dispatched")
	case stateDispatched:
		dup := bytes.Equal(chunk, r.final)
		r.state = stateIdle
		r.final = nil
		if dup {
			return false, ErrDuplicate
		}
	}

	switch tag {
	case TagEmpty:
		if len(data) != 0 {
			return false, r.fail("empty tag with data")
		}
		return false, nil
	case TagFinal:
		if len(r.buf)+len(data) > r.capacity {
			return false, r.fail("payload exceeds capacity")
		}
		r.buf = append(r.buf, data...)
		r.final = bytes.Clone(chunk)
		r.state = stateComplete
		return true, nil
	}

	if tag != r.expect {
		return false, r.fail(fmt.Sprintf("unexpected tag 0x%02x, want 0x%02x", tag, r.expect))
	}
	if len(data) == 0 {
		return false, r.fail("sequence chunk without data")
	}
	if len(r.buf)+len(data) > r.capacity {
		return false, r.fail("payload exceeds capacity")
	}
	r.buf = append(r.buf, data...)
	r.expect++
	r.state = stateReceiving
	return false, nil
}

// Take returns the completed payload and marks it dispatched. It returns nil
// if no payload is complete.
func (r *Reassembler) Take() []byte {
	if r.state != stateComplete {
		return nil
	}
	p := r.buf
	r.buf = nil
	r.expect = 1
	r.state = stateDispatched
	return p
}

// Pending reports whether a multi-chunk payload is partially received.
func (r *Reassembler) Pending() bool { return r.state == stateReceiving }

// Reset abandons any in-flight transfer and forgets the last dispatched chunk.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.expect = 1
	r.final = nil
	r.state = stateIdle
}

func (r *Reassembler) fail(reason string) error {
	r.Reset()
	return fmt.Errorf("%w: %s", ErrFraming, reason)
}
