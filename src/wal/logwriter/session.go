package logwriter

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

type SessionState uint8

const (
	SessionIdle SessionState = iota
	SessionRegistered
	SessionWaiting
	SessionDelayed
	SessionFetching
	SessionDone
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionRegistered:
		return "registered"
	case SessionWaiting:
		return "waiting"
	case SessionDelayed:
		return "delayed"
	case SessionFetching:
		return "fetching"
	case SessionDone:
		return "done"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

var sessionTransitions = map[SessionState][]SessionState{
	SessionIdle:       {SessionRegistered},
	SessionRegistered: {SessionWaiting, SessionDelayed, SessionFetching, SessionError},
	SessionWaiting:    {SessionFetching, SessionDelayed, SessionDone, SessionError},
	SessionDelayed:    {SessionDone, SessionError},
	SessionFetching:   {SessionDone, SessionDelayed, SessionError},
	SessionDone:       {SessionWaiting, SessionDelayed, SessionFetching, SessionError},
}

func canMove(from, to SessionState) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the primary's view of one log writer. The writer drives it
// with Fetch; one fetch runs at a time.
type Session struct {
	ID       uuid.UUID
	Mode     Mode
	Compress bool

	streamer *Streamer
	fetchMu  sync.Mutex

	// guarded by streamer.mu
	state SessionState
	acked common.LSA
	sent  common.LSA
	err   error
}

func (s *Session) State() SessionState {
	s.streamer.mu.Lock()
	defer s.streamer.mu.Unlock()
	return s.state
}

// Acked is the last durable watermark reported by the writer.
func (s *Session) Acked() common.LSA {
	s.streamer.mu.Lock()
	defer s.streamer.mu.Unlock()
	return s.acked
}
