package ws

import (
	"sync"
	"time"

	"github.com/homefix/internal/logger"
)

// callSession is the ephemeral record of a call between two users, keyed by
// the caller-generated call id. Nothing about calls is persisted; the table
// only exists so a dropped connection can end its calls cleanly.
type callSession struct {
	id        string
	caller    string
	callee    string
	startedAt time.Time
}

func (s *callSession) peerOf(userID string) string {
	if s.caller == userID {
		return s.callee
	}
	return s.caller
}

type callTable struct {
	mu       sync.Mutex
	sessions map[string]*callSession
}

func newCallTable() *callTable {
	return &callTable{sessions: make(map[string]*callSession)}
}

func (t *callTable) begin(callID, caller, callee string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[callID]; exists {
		return
	}
	t.sessions[callID] = &callSession{
		id:        callID,
		caller:    caller,
		callee:    callee,
		startedAt: time.Now().UTC(),
	}
}

func (t *callTable) end(callID string) *callSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[callID]
	if !ok {
		return nil
	}
	delete(t.sessions, callID)
	return s
}

// endAllFor removes every session the user is a party to and returns them so
// the hub can notify the peers.
func (t *callTable) endAllFor(userID string) []*callSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ended []*callSession
	for id, s := range t.sessions {
		if s.caller == userID || s.callee == userID {
			ended = append(ended, s)
			delete(t.sessions, id)
		}
	}
	return ended
}

// handleCallSignal relays WebRTC signaling between the two parties. The relay
// is addressed by user id (personal rooms): signaling needs no chat room
// membership. An offer to a user with no live connection is dropped; the
// caller's client times the call out on its own.
func (h *Hub) handleCallSignal(c *Client, msg IncomingMessage) {
	if msg.To == "" || msg.CallID == "" {
		h.sendError(c, "to and call_id required")
		return
	}

	switch msg.Type {
	case EventCallOffer:
		h.calls.begin(msg.CallID, c.userID, msg.To)
		if !h.IsOnline(msg.To) {
			logger.Infof("call offer to offline user=%s call=%s, dropped", msg.To, msg.CallID)
			return
		}
		h.NotifyUser(msg.To, string(EventCallOffer), CallSignalPayload{
			From:     c.userID,
			FromName: c.userName,
			CallID:   msg.CallID,
			Offer:    msg.Offer,
		})
	case EventCallAnswer:
		h.NotifyUser(msg.To, string(EventCallAnswer), CallSignalPayload{
			From:   c.userID,
			CallID: msg.CallID,
			Answer: msg.Answer,
		})
	case EventCallIceCandidate:
		h.NotifyUser(msg.To, string(EventCallIceCandidate), CallSignalPayload{
			From:      c.userID,
			CallID:    msg.CallID,
			Candidate: msg.Candidate,
		})
	case EventCallEnd:
		h.calls.end(msg.CallID)
		h.NotifyUser(msg.To, string(EventCallEnded), CallSignalPayload{
			From:   c.userID,
			CallID: msg.CallID,
		})
	}
}
