package recovery

import (
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

type RecordType uint8

const (
	TypeUndoRedo RecordType = iota + 1
	TypeUndo
	TypeRedo
	TypePostpone
	TypeRunPostpone
	TypeCompensate
	TypeCommitWithPostpone
	TypeCommit
	TypeAbort
	TypeTopOpCommit
	TypeTopOpAbort
	TypeSavepoint
	TypePartialRollback
	TypeDummyHeadPostpone
	Type2PCStart
	Type2PCPrepare
	Type2PCCommitDecision
	Type2PCAbortDecision
	Type2PCCommitInformParticipants
	Type2PCAbortInformParticipants
	Type2PCRecvAck
	typeEnd
)

var recordTypeNames = [...]string{
	TypeUndoRedo:                    "UNDOREDO_DATA",
	TypeUndo:                        "UNDO_DATA",
	TypeRedo:                        "REDO_DATA",
	TypePostpone:                    "POSTPONE",
	TypeRunPostpone:                 "RUN_POSTPONE",
	TypeCompensate:                  "COMPENSATE",
	TypeCommitWithPostpone:          "COMMIT_WITH_POSTPONE",
	TypeCommit:                      "COMMIT",
	TypeAbort:                       "ABORT",
	TypeTopOpCommit:                 "SYSOP_END_COMMIT",
	TypeTopOpAbort:                  "SYSOP_END_ABORT",
	TypeSavepoint:                   "SAVEPOINT",
	TypePartialRollback:             "PARTIAL_ROLLBACK",
	TypeDummyHeadPostpone:           "DUMMY_HEAD_POSTPONE",
	Type2PCStart:                    "2PC_START",
	Type2PCPrepare:                  "2PC_PREPARE",
	Type2PCCommitDecision:           "2PC_COMMIT_DECISION",
	Type2PCAbortDecision:            "2PC_ABORT_DECISION",
	Type2PCCommitInformParticipants: "2PC_COMMIT_INFORM_PARTICIPANTS",
	Type2PCAbortInformParticipants:  "2PC_ABORT_INFORM_PARTICIPANTS",
	Type2PCRecvAck:                  "2PC_RECV_ACK",
}

func (t RecordType) String() string {
	if t == 0 || t >= typeEnd {
		return "UNKNOWN"
	}
	return recordTypeNames[t]
}

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	return t > 0 && t < typeEnd
}

// HeaderSize is the encoded size of Header.
const HeaderSize = 1 + 8 + 3*common.SerializedLSASize + 4

// Header precedes every record in the log.
type Header struct {
	Type  RecordType
	TxnID common.TxnID

	// PrevTran is the previous record of the same transaction.
	PrevTran common.LSA
	// Back is the previous record in the log.
	Back common.LSA
	// Forw is the first byte after this record.
	Forw common.LSA

	PayloadLen uint32
}

// Record is a decoded log record.
type Record struct {
	LSA common.LSA
	Header
	Body Body
}

// Body is one of the record payload variants defined in this file.
type Body interface {
	Type() RecordType

	payloadLen() int
	appendPayload(dst []byte) []byte
}

// DataRef addresses the piece of data a data record applies to. RcvIndex
// selects the storage engine function that knows how to undo or redo it.
type DataRef struct {
	RcvIndex uint16
	Page     common.PageIdentity
	Offset   uint32
}

const dataRefSize = 2 + common.SerializedPageIdentitySize + 4

type UndoRedo struct {
	Ref  DataRef
	Undo []byte
	Redo []byte
}

type Undo struct {
	Ref  DataRef
	Undo []byte
}

type Redo struct {
	Ref  DataRef
	Redo []byte
}

// Postpone is a redo action deferred until the transaction commits.
type Postpone struct {
	Ref  DataRef
	Redo []byte
}

// RunPostpone marks the execution of the postpone record at RefLSA.
type RunPostpone struct {
	Ref    DataRef
	RefLSA common.LSA
	Redo   []byte
}

// Compensate is logged for every undone record. UndoNext is where undo
// continues, so a compensated record is never undone twice.
type Compensate struct {
	Ref      DataRef
	UndoNext common.LSA
	Undo     []byte
}

// CommitWithPostpone is logged before postpones run. StartPostpone is the
// first postpone record to execute.
type CommitWithPostpone struct {
	StartPostpone common.LSA
	At            int64
}

type Commit struct {
	At int64
}

type Abort struct {
	At int64
}

// TopOpCommit closes a top operation. Undo of the enclosing transaction
// jumps straight to LastParent.
type TopOpCommit struct {
	LastParent common.LSA
}

type TopOpAbort struct {
	LastParent common.LSA
}

type Savepoint struct {
	Name          string
	PrevSavepoint common.LSA
}

// PartialRollback records that the transaction was rolled back to To.
type PartialRollback struct {
	To common.LSA
}

// DummyHeadPostpone anchors the postpone chain of a transaction that had
// no record of its own before the first postpone.
type DummyHeadPostpone struct{}

// TwoPCStart is logged by a coordinator before it asks for votes.
type TwoPCStart struct {
	Gtrid        common.Gtrid
	Participants []string
}

// TwoPCPrepare is the durable "ready" vote of a participant.
type TwoPCPrepare struct {
	Gtrid common.Gtrid
	Info  []byte
	Locks []common.HeldLock
}

type TwoPCCommitDecision struct {
	Gtrid common.Gtrid
}

type TwoPCAbortDecision struct {
	Gtrid common.Gtrid
}

type TwoPCCommitInformParticipants struct {
	Gtrid common.Gtrid
}

type TwoPCAbortInformParticipants struct {
	Gtrid common.Gtrid
}

// TwoPCRecvAck records the acknowledgement of participant Index.
type TwoPCRecvAck struct {
	Index uint32
}

func (UndoRedo) Type() RecordType                      { return TypeUndoRedo }
func (Undo) Type() RecordType                          { return TypeUndo }
func (Redo) Type() RecordType                          { return TypeRedo }
func (Postpone) Type() RecordType                      { return TypePostpone }
func (RunPostpone) Type() RecordType                   { return TypeRunPostpone }
func (Compensate) Type() RecordType                    { return TypeCompensate }
func (CommitWithPostpone) Type() RecordType            { return TypeCommitWithPostpone }
func (Commit) Type() RecordType                        { return TypeCommit }
func (Abort) Type() RecordType                         { return TypeAbort }
func (TopOpCommit) Type() RecordType                   { return TypeTopOpCommit }
func (TopOpAbort) Type() RecordType                    { return TypeTopOpAbort }
func (Savepoint) Type() RecordType                     { return TypeSavepoint }
func (PartialRollback) Type() RecordType               { return TypePartialRollback }
func (DummyHeadPostpone) Type() RecordType             { return TypeDummyHeadPostpone }
func (TwoPCStart) Type() RecordType                    { return Type2PCStart }
func (TwoPCPrepare) Type() RecordType                  { return Type2PCPrepare }
func (TwoPCCommitDecision) Type() RecordType           { return Type2PCCommitDecision }
func (TwoPCAbortDecision) Type() RecordType            { return Type2PCAbortDecision }
func (TwoPCCommitInformParticipants) Type() RecordType { return Type2PCCommitInformParticipants }
func (TwoPCAbortInformParticipants) Type() RecordType  { return Type2PCAbortInformParticipants }
func (TwoPCRecvAck) Type() RecordType                  { return Type2PCRecvAck }

// Entry is a record ready to be appended on behalf of a transaction.
type Entry struct {
	TxnID    common.TxnID
	PrevTran common.LSA
	Body     Body
}

func NewEntry(txnID common.TxnID, prevTran common.LSA, body Body) Entry {
	return Entry{TxnID: txnID, PrevTran: prevTran, Body: body}
}
