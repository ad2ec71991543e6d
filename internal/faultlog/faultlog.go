// Package faultlog keeps the record of the last fatal fault across a reset.
//
// A single fixed-size slot lives in non-volatile scratch. Fault fills it and
// resets the node; Boot reads it once, clears it and keeps the record in
// memory for health reports until the next reset.
package faultlog

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Kind classifies a fault.
type Kind uint8

const (
	KindHardReset    Kind = 0x00
	KindSDAssert     Kind = 0x01
	KindAppMemAccess Kind = 0x02
	KindSoftReset    Kind = 0x0F
	KindSDKAssert    Kind = 0x11
	KindSDKError     Kind = 0x12
	KindUnknown      Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindHardReset:
		return "hard-reset"
	case KindSDAssert:
		return "sd-assert"
	case KindAppMemAccess:
		return "app-memacc"
	case KindSoftReset:
		return "soft-reset"
	case KindSDKAssert:
		return "sdk-assert"
	case KindSDKError:
		return "sdk-error"
	}
	return "unknown"
}

// Record is the content of the retained slot.
type Record struct {
	Kind   Kind
	Code   uint32
	FileID uint16
	Line   uint16
	ID     uint16 // random, correlates reports of the same fault
}

// RecordSize is the encoded slot size.
const RecordSize = 16

const magic uint32 = 0xB1E5C0DE

// MarshalBinary encodes r as
//
//	[magic u32][kind u8][reserved u8][code u32][file u16][line u16][id u16]
//
// little-endian.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, RecordSize)
	buf = binary.LittleEndian.AppendUint32(buf, magic)
	buf = append(buf, byte(r.Kind), 0)
	buf = binary.LittleEndian.AppendUint32(buf, r.Code)
	buf = binary.LittleEndian.AppendUint16(buf, r.FileID)
	buf = binary.LittleEndian.AppendUint16(buf, r.Line)
	buf = binary.LittleEndian.AppendUint16(buf, r.ID)
	return buf, nil
}

// UnmarshalBinary decodes a slot written by MarshalBinary.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("faultlog: slot is %d bytes, want %d", len(data), RecordSize)
	}
	if m := binary.LittleEndian.Uint32(data); m != magic {
		return fmt.Errorf("faultlog: bad slot magic 0x%08x", m)
	}
	r.Kind = Kind(data[4])
	r.Code = binary.LittleEndian.Uint32(data[6:])
	r.FileID = binary.LittleEndian.Uint16(data[10:])
	r.Line = binary.LittleEndian.Uint16(data[12:])
	r.ID = binary.LittleEndian.Uint16(data[14:])
	return nil
}

// Log is the retained error log.
type Log struct {
	scratch Scratch
	reset   func()
	log     *slog.Logger

	last *Record
}

// New creates a log over scratch. reset is called after every Fault and
// must not return in production; tests pass a recorder.
func New(scratch Scratch, reset func(), logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{scratch: scratch, reset: reset, log: logger}
}

// Fault records a fatal fault in the retained slot and resets the node.
func (l *Log) Fault(kind Kind, code uint32, fileID, line uint16) error {
	var id [2]byte
	rand.Read(id[:])
	rec := Record{Kind: kind, Code: code, FileID: fileID, Line: line, ID: binary.LittleEndian.Uint16(id[:])}

	data, _ := rec.MarshalBinary()
	if err := l.scratch.Store(data); err != nil {
		return fmt.Errorf("faultlog: store: %w", err)
	}
	l.log.Error("[FAULT] recorded, resetting", "kind", kind, "code", code, "file", fileID, "line", line, "id", rec.ID)
	if l.reset != nil {
		l.reset()
	}
	return nil
}

// Boot reads the retained slot once. If it holds a fault, the record is
// returned and kept for Last, and the slot is cleared. A corrupt slot is
// cleared and reported as no fault.
func (l *Log) Boot() (Record, bool, error) {
	data, err := l.scratch.Load()
	if err != nil {
		return Record{}, false, fmt.Errorf("faultlog: load: %w", err)
	}
	if len(data) == 0 {
		return Record{}, false, nil
	}

	var rec Record
	decodeErr := rec.UnmarshalBinary(data)
	if err := l.scratch.Clear(); err != nil {
		return Record{}, false, fmt.Errorf("faultlog: clear: %w", err)
	}
	if decodeErr != nil {
		l.log.Warn("[FAULT] discarding corrupt slot", "error", decodeErr)
		return Record{}, false, nil
	}

	l.last = &rec
	l.log.Warn("[FAULT] previous run ended in a fault", "kind", rec.Kind, "code", rec.Code, "file", rec.FileID, "line", rec.Line, "id", rec.ID)
	return rec, true, nil
}

// Last returns the fault read at boot, if any.
func (l *Log) Last() (Record, bool) {
	if l.last == nil {
		return Record{}, false
	}
	return *l.last, true
}
