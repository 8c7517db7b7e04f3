package server

import (
	"crypto/subtle"
	"errors"
)

// FlowState is the position of a browser session in the CAS handshake.
// serviceValidate does not advance it; the ticket alone is enough there.
type FlowState string

const (
	StateNew              FlowState = "NEW"
	StateAwaitingCallback FlowState = "AWAITING_CALLBACK"
	StateTicketIssued     FlowState = "TICKET_ISSUED"
)

// ErrStateMismatch is returned when the callback state differs from the one
// minted at login, or no login happened in this session.
var ErrStateMismatch = errors.New("anti-forgery state mismatch")

// FlowState reports where the session stands.
func (s *Session) FlowState() FlowState {
	switch {
	case s.State != "" && s.Code != "":
		return StateTicketIssued
	case s.State != "":
		return StateAwaitingCallback
	default:
		return StateNew
	}
}

// BeginLogin moves the session to AWAITING_CALLBACK. Any earlier ticket is
// forgotten.
func (s *Session) BeginLogin(state, serviceURL string) {
	s.State = state
	s.ServiceURL = serviceURL
	s.Code = ""
}

// CompleteCallback moves the session to TICKET_ISSUED when presented equals
// the stored state.
func (s *Session) CompleteCallback(presented, code string) error {
	if s.State == "" || subtle.ConstantTimeCompare([]byte(s.State), []byte(presented)) != 1 {
		return ErrStateMismatch
	}
	s.Code = code
	return nil
}
