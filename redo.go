package main

// Redo record types and codec, spec.md §6 "Redo record types". Opcodes are
// assigned in the order §6 lists them; the wire shape of each record is
// this module's own design (the spec names the complete opcode set and the
// parameters "consumed by the replay methods in §4.7" without pinning a
// byte layout), built on varint.go's codec the same way the teacher already
// relies on encoding/binary for its own on-disk integers.

type RedoOp byte

const (
	OpReset RedoOp = iota
	OpTimestamp
	OpShutdown
	OpClose
	OpEndFile
	OpControl
	OpStore
	OpStoreNoLock
	OpRenameIndex
	OpDeleteIndex
	OpTxnEnter
	OpTxnRollback
	OpTxnRollbackFinal
	OpTxnCommit
	OpTxnCommitFinal
	OpTxnEnterStore
	OpTxnStore
	OpTxnStoreCommit
	OpTxnStoreCommitFinal
	OpTxnLockShared
	OpTxnLockUpgradable
	OpTxnLockExclusive
	OpTxnCustom
	OpTxnCustomLock
	OpTxnPrepare
	OpCursorRegister
	OpCursorUnregister
	OpCursorStore
	OpCursorFind
	OpCursorValueSetLength
	OpCursorValueWrite
	OpCursorValueClear
)

// RedoRecord is one decoded unit from the replication stream. Not every
// field applies to every Op; §4.7 lists which fields each op's replay
// method consumes.
type RedoRecord struct {
	Op RedoOp

	TxnID    uint64
	CursorID uint64
	IndexID  uint64
	NewName  string

	Key    []byte
	Value  []byte
	Pos    uint32
	Length uint32

	LockMode      LockMode
	TimeoutMillis int64

	Timestamp int64
	Custom    []byte
}

// encodeRecordHeader writes the opcode byte that begins every record; the
// per-op fields, transaction and cursor ids included, are appended by
// EncodeRedoRecord.
func encodeRecordHeader(buf []byte, op RedoOp) []byte {
	return append(buf, byte(op))
}

// EncodeRedoRecord serializes r per its Op's field set. Encoding is only
// used by tests and by a leader-side writer this module does not otherwise
// implement (out of scope per spec.md §1 — "file I/O primitives"); the
// decoder below is the side the redo replay engine actually drives.
func EncodeRedoRecord(r RedoRecord) []byte {
	buf := encodeRecordHeader(nil, r.Op)
	switch r.Op {
	case OpReset, OpShutdown, OpClose, OpEndFile:
		// no payload
	case OpTimestamp:
		buf = append(buf, encodeUnsignedVarLong(uint64(r.Timestamp))...)
	case OpControl:
		buf = append(buf, encodeUnsignedVarInt(uint32(len(r.Custom)))...)
		buf = append(buf, r.Custom...)
	case OpStore, OpStoreNoLock:
		buf = append(buf, encodeUnsignedVarLong(r.IndexID)...)
		buf = appendBytes(buf, r.Key)
		buf = appendBytes(buf, r.Value)
	case OpRenameIndex:
		buf = append(buf, encodeUnsignedVarLong(r.IndexID)...)
		buf = appendBytes(buf, []byte(r.NewName))
	case OpDeleteIndex:
		buf = append(buf, encodeUnsignedVarLong(r.IndexID)...)
	case OpTxnEnter, OpTxnRollback, OpTxnRollbackFinal, OpTxnCommit, OpTxnCommitFinal, OpTxnPrepare:
		buf = append(buf, encodeUnsignedVarLong(r.TxnID)...)
	case OpTxnEnterStore, OpTxnStore, OpTxnStoreCommit, OpTxnStoreCommitFinal:
		buf = append(buf, encodeUnsignedVarLong(r.TxnID)...)
		buf = append(buf, encodeUnsignedVarLong(r.IndexID)...)
		buf = appendBytes(buf, r.Key)
		buf = appendBytes(buf, r.Value)
	case OpTxnLockShared, OpTxnLockUpgradable, OpTxnLockExclusive:
		buf = append(buf, encodeUnsignedVarLong(r.TxnID)...)
		buf = appendBytes(buf, r.Key)
		buf = append(buf, encodeUnsignedVarLong(uint64(r.TimeoutMillis))...)
	case OpTxnCustom, OpTxnCustomLock:
		buf = append(buf, encodeUnsignedVarLong(r.TxnID)...)
		buf = append(buf, encodeUnsignedVarInt(uint32(len(r.Custom)))...)
		buf = append(buf, r.Custom...)
	case OpCursorRegister, OpCursorUnregister:
		buf = append(buf, encodeUnsignedVarLong(r.TxnID)...)
		buf = append(buf, encodeUnsignedVarLong(r.CursorID)...)
	case OpCursorStore:
		buf = append(buf, encodeUnsignedVarLong(r.CursorID)...)
		buf = appendBytes(buf, r.Key)
		buf = appendBytes(buf, r.Value)
	case OpCursorFind:
		buf = append(buf, encodeUnsignedVarLong(r.CursorID)...)
		buf = appendBytes(buf, r.Key)
	case OpCursorValueSetLength:
		buf = append(buf, encodeUnsignedVarLong(r.CursorID)...)
		buf = append(buf, encodeUnsignedVarInt(r.Length)...)
	case OpCursorValueWrite:
		buf = append(buf, encodeUnsignedVarLong(r.CursorID)...)
		buf = append(buf, encodeUnsignedVarInt(r.Pos)...)
		buf = appendBytes(buf, r.Value)
	case OpCursorValueClear:
		buf = append(buf, encodeUnsignedVarLong(r.CursorID)...)
		buf = append(buf, encodeUnsignedVarInt(r.Pos)...)
		buf = append(buf, encodeUnsignedVarInt(r.Length)...)
	}
	return buf
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = append(buf, encodeUnsignedVarInt(uint32(len(b)))...)
	return append(buf, b...)
}

// DecodeRedoRecord decodes one record from the start of buf, returning it
// and the number of bytes consumed, or a BLTErrShortRead on truncation (the
// decoder's retry/buffering policy lives in replay.go, not here).
func DecodeRedoRecord(buf []byte) (RedoRecord, int, BLTErr) {
	if len(buf) == 0 {
		return RedoRecord{}, 0, BLTErrShortRead
	}
	op := RedoOp(buf[0])
	n := 1
	r := RedoRecord{Op: op}

	readVarLong := func() (uint64, bool) {
		v, k := decodeUnsignedVarLong(buf[n:])
		if k < 0 {
			return 0, false
		}
		n += k
		return v, true
	}
	readVarInt := func() (uint32, bool) {
		v, k := decodeUnsignedVarIntLen(buf[n:])
		if k < 0 || v < 0 {
			return 0, false
		}
		n += k
		return uint32(v), true
	}
	readBytes := func() ([]byte, bool) {
		l, ok := readVarInt()
		if !ok || n+int(l) > len(buf) {
			return nil, false
		}
		out := buf[n : n+int(l)]
		n += int(l)
		return out, true
	}

	ok := true
	switch op {
	case OpReset, OpShutdown, OpClose, OpEndFile:
	case OpTimestamp:
		var ts uint64
		ts, ok = readVarLong()
		r.Timestamp = int64(ts)
	case OpControl:
		r.Custom, ok = readBytes()
	case OpStore, OpStoreNoLock:
		r.IndexID, ok = readVarLong()
		if ok {
			r.Key, ok = readBytes()
		}
		if ok {
			r.Value, ok = readBytes()
		}
	case OpRenameIndex:
		r.IndexID, ok = readVarLong()
		if ok {
			var nameBytes []byte
			nameBytes, ok = readBytes()
			r.NewName = string(nameBytes)
		}
	case OpDeleteIndex:
		r.IndexID, ok = readVarLong()
	case OpTxnEnter, OpTxnRollback, OpTxnRollbackFinal, OpTxnCommit, OpTxnCommitFinal, OpTxnPrepare:
		r.TxnID, ok = readVarLong()
	case OpTxnEnterStore, OpTxnStore, OpTxnStoreCommit, OpTxnStoreCommitFinal:
		r.TxnID, ok = readVarLong()
		if ok {
			r.IndexID, ok = readVarLong()
		}
		if ok {
			r.Key, ok = readBytes()
		}
		if ok {
			r.Value, ok = readBytes()
		}
	case OpTxnLockShared, OpTxnLockUpgradable, OpTxnLockExclusive:
		r.TxnID, ok = readVarLong()
		if ok {
			r.Key, ok = readBytes()
		}
		if ok {
			var t uint64
			t, ok = readVarLong()
			r.TimeoutMillis = int64(t)
		}
		switch op {
		case OpTxnLockShared:
			r.LockMode = LockShared
		case OpTxnLockUpgradable:
			r.LockMode = LockUpgradable
		case OpTxnLockExclusive:
			r.LockMode = LockExclusive
		}
	case OpTxnCustom, OpTxnCustomLock:
		r.TxnID, ok = readVarLong()
		if ok {
			r.Custom, ok = readBytes()
		}
	case OpCursorRegister, OpCursorUnregister:
		r.TxnID, ok = readVarLong()
		if ok {
			r.CursorID, ok = readVarLong()
		}
	case OpCursorStore:
		r.CursorID, ok = readVarLong()
		if ok {
			r.Key, ok = readBytes()
		}
		if ok {
			r.Value, ok = readBytes()
		}
	case OpCursorFind:
		r.CursorID, ok = readVarLong()
		if ok {
			r.Key, ok = readBytes()
		}
	case OpCursorValueSetLength:
		r.CursorID, ok = readVarLong()
		if ok {
			r.Length, ok = readVarInt()
		}
	case OpCursorValueWrite:
		r.CursorID, ok = readVarLong()
		if ok {
			r.Pos, ok = readVarInt()
		}
		if ok {
			r.Value, ok = readBytes()
		}
	case OpCursorValueClear:
		r.CursorID, ok = readVarLong()
		if ok {
			r.Pos, ok = readVarInt()
		}
		if ok {
			r.Length, ok = readVarInt()
		}
	default:
		return RedoRecord{}, 0, BLTErrCorruption
	}

	if !ok {
		return RedoRecord{}, 0, BLTErrShortRead
	}
	return r, n, BLTErrOk
}
