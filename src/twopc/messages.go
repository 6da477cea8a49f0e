package twopc

import (
	"context"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

// Message is one of the protocol messages defined below.
type Message interface {
	GlobalID() common.Gtrid
	isMessage()
}

// Prepare asks a participant to vote. Index is the participant's position
// in the coordinator's participant list.
type Prepare struct {
	Gtrid common.Gtrid
	Index int
}

type Vote struct {
	Gtrid  common.Gtrid
	Index  int
	Ready  bool
	Reason string
}

type CommitDecision struct {
	Gtrid common.Gtrid
	Index int
}

type AbortDecision struct {
	Gtrid common.Gtrid
	Index int
}

type Ack struct {
	Gtrid common.Gtrid
	Index int
}

func (m Prepare) GlobalID() common.Gtrid        { return m.Gtrid }
func (m Vote) GlobalID() common.Gtrid           { return m.Gtrid }
func (m CommitDecision) GlobalID() common.Gtrid { return m.Gtrid }
func (m AbortDecision) GlobalID() common.Gtrid  { return m.Gtrid }
func (m Ack) GlobalID() common.Gtrid            { return m.Gtrid }

func (Prepare) isMessage()        {}
func (Vote) isMessage()           {}
func (CommitDecision) isMessage() {}
func (AbortDecision) isMessage()  {}
func (Ack) isMessage()            {}

// Transport delivers a message to a participant and returns its reply.
// Framing and addressing belong to the network layer.
type Transport interface {
	Send(ctx context.Context, participant string, msg Message) (Message, error)
}

type Outcome uint8

const (
	// OutcomeUnknown means the coordinator has not decided yet.
	OutcomeUnknown Outcome = iota
	OutcomeCommit
	OutcomeAbort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommit:
		return "commit"
	case OutcomeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Resolver answers an in-doubt participant's question about the outcome
// of a global transaction.
type Resolver interface {
	Decision(ctx context.Context, gtrid common.Gtrid) (Outcome, error)
}
