// internal/ble/protocol/chunk_test.go
package protocol

import (
	"bytes"
	"errors"
	"testing"
)

const testMaxDataLen = 20

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func TestSplitThreeHundredBytes(t *testing.T) {
	chunks, err := Split(payloadOf(300), testMaxDataLen)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 15 {
		t.Fatalf("got %d chunks, want 15", len(chunks))
	}
	for i, c := range chunks[:14] {
		if c[0] != byte(i+1) {
			t.Errorf("chunk[%d] tag = 0x%02x, want 0x%02x", i, c[0], i+1)
		}
		if len(c)-1 != testMaxDataLen {
			t.Errorf("chunk[%d] carries %d bytes, want %d", i, len(c)-1, testMaxDataLen)
		}
	}
	if chunks[14][0] != TagFinal {
		t.Errorf("last chunk tag = 0x%02x, want FINAL", chunks[14][0])
	}
}

func TestSplitSingleChunkIsFinal(t *testing.T) {
	chunks, err := Split([]byte{0x01, 0x02}, testMaxDataLen)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !bytes.Equal(chunks[0], []byte{TagFinal, 0x01, 0x02}) {
		t.Errorf("chunk = % x", chunks[0])
	}
}

func TestSplitEmptyPayload(t *testing.T) {
	chunks, err := Split(nil, testMaxDataLen)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 || !bytes.Equal(chunks[0], []byte{TagFinal}) {
		t.Errorf("chunks = %v, want one data-less FINAL", chunks)
	}
}

func TestSplitRejectsOversizedPayload(t *testing.T) {
	if _, err := Split(payloadOf(MaxChunks*4+1), 4); err == nil {
		t.Error("Split() should fail for a payload needing more than MaxChunks chunks")
	}
	if _, err := Split(payloadOf(4), 0); err == nil {
		t.Error("Split() should fail for zero max data length")
	}
}

func TestReassembleRoundTrip(t *testing.T) {
	want := payloadOf(300)
	chunks, err := Split(want, testMaxDataLen)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	r := NewReassembler(testMaxDataLen, 512)
	for i, c := range chunks {
		done, err := r.Push(c)
		if err != nil {
			t.Fatalf("Push(chunk %d) error = %v", i, err)
		}
		if done != (i == len(chunks)-1) {
			t.Fatalf("Push(chunk %d) done = %v", i, done)
		}
	}
	got := r.Take()
	if !bytes.Equal(got, want) {
		t.Error("reassembled payload differs from original")
	}
}

func TestReassembleFinalRetransmitBeforeDispatch(t *testing.T) {
	chunks, _ := Split(payloadOf(30), testMaxDataLen)
	r := NewReassembler(testMaxDataLen, 64)
	r.Push(chunks[0])
	if done, err := r.Push(chunks[1]); !done || err != nil {
		t.Fatalf("Push(final) = %v, %v", done, err)
	}
	if done, err := r.Push(chunks[1]); !done || err != nil {
		t.Fatalf("Push(final again) = %v, %v; want idempotent completion", done, err)
	}
	if got := r.Take(); !bytes.Equal(got, payloadOf(30)) {
		t.Error("payload changed by retransmitted FINAL")
	}
}

func TestReassembleDuplicateAfterDispatch(t *testing.T) {
	chunks, _ := Split(payloadOf(10), testMaxDataLen)
	r := NewReassembler(testMaxDataLen, 64)
	r.Push(chunks[0])
	r.Take()

	_, err := r.Push(chunks[0])
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Push(late duplicate) error = %v, want ErrDuplicate", err)
	}
	if !errors.Is(err, ErrFraming) {
		t.Error("ErrDuplicate should be a framing error")
	}

	// The next transfer is accepted normally.
	done, err := r.Push(chunks[0])
	if err != nil || !done {
		t.Fatalf("Push(new transfer) = %v, %v", done, err)
	}
}

func TestReassembleFramingErrors(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{"empty chunk", [][]byte{{}}},
		{"out of order", [][]byte{{0x02, 0xAA}}},
		{"skipped sequence", [][]byte{{0x01, 0xAA}, {0x03, 0xBB}}},
		{"oversized chunk", [][]byte{append([]byte{0x01}, payloadOf(testMaxDataLen+1)...)}},
		{"over capacity", [][]byte{append([]byte{0x01}, payloadOf(20)...), append([]byte{0x02}, payloadOf(20)...), append([]byte{TagFinal}, payloadOf(20)...)}},
		{"sequence without data", [][]byte{{0x01}}},
		{"empty tag with data", [][]byte{{TagEmpty, 0x01}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembler(testMaxDataLen, 50)
			var err error
			for _, c := range tt.chunks {
				if _, err = r.Push(c); err != nil {
					break
				}
			}
			if !errors.Is(err, ErrFraming) {
				t.Fatalf("error = %v, want ErrFraming", err)
			}
			if r.Pending() {
				t.Error("transfer should be aborted after a framing error")
			}
		})
	}
}

func TestReassembleEmptyIsKeepAlive(t *testing.T) {
	r := NewReassembler(testMaxDataLen, 64)
	r.Push([]byte{0x01, 0xAA})
	done, err := r.Push([]byte{TagEmpty})
	if done || err != nil {
		t.Fatalf("Push(empty) = %v, %v", done, err)
	}
	if !r.Pending() {
		t.Error("keep-alive chunk should not disturb the transfer")
	}
	r.Push([]byte{TagFinal, 0xBB})
	if got := r.Take(); !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Errorf("payload = % x", got)
	}
}

func TestSenderWalksChunks(t *testing.T) {
	s, err := NewSender(0x0010, payloadOf(45), testMaxDataLen)
	if err != nil {
		t.Fatalf("NewSender() error = %v", err)
	}
	if s.Handle() != 0x0010 || s.Total() != 45 {
		t.Fatalf("Handle/Total = %d/%d", s.Handle(), s.Total())
	}
	n := 0
	for !s.Done() {
		if _, ok := s.Next(); !ok {
			t.Fatal("Next() returned false before Done")
		}
		n++
	}
	if n != 3 {
		t.Errorf("sent %d chunks, want 3", n)
	}
	if _, ok := s.Next(); ok {
		t.Error("Next() after Done should return false")
	}
}
