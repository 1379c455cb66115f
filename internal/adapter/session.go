package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/eventbus"
)

type SocketState string

const (
	SocketUnopened       SocketState = "unopened"
	SocketOpening        SocketState = "opening"
	SocketAuthenticating SocketState = "authenticating"
	SocketOpened         SocketState = "opened"
	SocketAuthenticated  SocketState = "authenticated"
	SocketAborted        SocketState = "aborted"
	SocketError          SocketState = "error"
	SocketClosed         SocketState = "closed"
)

type APIState string

const (
	APIUnset             APIState = "unset"
	APINoResponse        APIState = "noResponse"
	APIGlobalKeyDetected APIState = "globalKeyDetected"
	APIAuthFail          APIState = "authFail"
	APIResponding        APIState = "responding"
)

const publishTimeout = 10 * time.Second

// session is the connection state one adapter owns. Transitions publish
// their events after the lock is released and then apply the reconnection
// policy.
type session struct {
	printerID string
	bus       *eventbus.Bus
	logger    hclog.Logger
	reconnect *Reconnector

	mu             sync.Mutex
	socket         SocketState
	api            APIState
	lastMessageAt  *time.Time
	reauthRequired bool
	telemetry      *eventbus.Telemetry
	operatorClosed bool
}

func newSession(printerID string, bus *eventbus.Bus, logger hclog.Logger) *session {
	return &session{
		printerID: printerID,
		bus:       bus,
		logger:    logger,
		socket:    SocketUnopened,
		api:       APIUnset,
	}
}

// transition moves to the given states; an empty value leaves that axis
// unchanged. authenticated always implies responding.
func (s *session) transition(socket SocketState, api APIState) {
	s.apply(socket, api, "")
}

// fail moves the socket to error; reason is carried on the session error event.
func (s *session) fail(reason string, api APIState) {
	s.apply(SocketError, api, reason)
}

func (s *session) apply(socket SocketState, api APIState, reason string) {
	now := time.Now()
	var events []eventbus.Event

	s.mu.Lock()
	if s.operatorClosed && operatorHolds(socket) {
		// a connect that was in flight when the operator closed the adapter
		socket, reason = SocketClosed, "closed by operator"
	}
	if socket == SocketAuthenticated {
		api = APIResponding
	}
	if api != "" && api != s.api {
		events = append(events, eventbus.AuthStateChanged{
			PrinterID: s.printerID, From: string(s.api), To: string(api), At: now,
		})
		s.api = api
	}
	if socket != "" && socket != s.socket {
		events = append(events, eventbus.SocketStateChanged{
			PrinterID: s.printerID, From: string(s.socket), To: string(socket), At: now,
		})
		s.socket = socket
		switch socket {
		case SocketOpened:
			events = append(events, eventbus.SessionOpened{PrinterID: s.printerID, At: now})
		case SocketClosed:
			events = append(events, eventbus.SessionClosed{PrinterID: s.printerID, Reason: reason, At: now})
		case SocketError:
			if reason == "" {
				reason = "session error"
			}
			events = append(events, eventbus.SessionError{PrinterID: s.printerID, Err: reason, At: now})
		}
	}
	cur, curAPI := s.socket, s.api
	s.mu.Unlock()

	if len(events) > 0 {
		if reason != "" && cur == SocketError {
			s.logger.Warn("session failed", "socket_state", string(cur), "api_state", string(curAPI), "error", reason)
		} else {
			s.logger.Debug("session state", "socket_state", string(cur), "api_state", string(curAPI))
		}
	}
	for _, evt := range events {
		s.publish(evt)
	}
	if s.reconnect != nil && s.shouldReconnect() {
		if s.reconnect.Schedule() {
			s.logger.Info("reconnect scheduled", "socket_state", string(cur))
		}
	}
}

// operatorHolds reports whether an operator close overrides the socket state.
func operatorHolds(socket SocketState) bool {
	switch socket {
	case "", SocketUnopened, SocketClosed, SocketAborted:
		return false
	}
	return true
}

// shouldReconnect is the reconnection policy: the control plane answers but
// the session dropped, and the operator did not close it.
func (s *session) shouldReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operatorClosed || s.api != APIResponding {
		return false
	}
	return s.socket == SocketClosed || s.socket == SocketError
}

func (s *session) publish(evt eventbus.Event) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, evt); err != nil && err != eventbus.ErrBusClosed {
		s.logger.Warn("failed to publish event", "kind", string(evt.Kind()), "error", err)
	}
}

func (s *session) state() (SocketState, APIState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket, s.api
}

func (s *session) authenticated() bool {
	sock, _ := s.state()
	return sock == SocketAuthenticated
}

func (s *session) aborted() bool {
	sock, _ := s.state()
	return sock == SocketAborted
}

func (s *session) touch() {
	now := time.Now()
	s.mu.Lock()
	s.lastMessageAt = &now
	s.mu.Unlock()
}

func (s *session) setReauth(v bool) {
	s.mu.Lock()
	s.reauthRequired = v
	s.mu.Unlock()
}

func (s *session) setOperatorClosed(v bool) {
	s.mu.Lock()
	s.operatorClosed = v
	s.mu.Unlock()
}

func (s *session) isOperatorClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operatorClosed
}

// clearAbort returns an aborted session to unopened so it may connect again.
func (s *session) clearAbort() {
	s.mu.Lock()
	wasAborted := s.socket == SocketAborted
	s.mu.Unlock()
	if wasAborted {
		s.transition(SocketUnopened, APIUnset)
	}
}

func (s *session) emitTelemetry(t eventbus.Telemetry) {
	t.PrinterID = s.printerID
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now()
	}
	s.mu.Lock()
	cp := t
	s.telemetry = &cp
	s.mu.Unlock()
	s.publish(t)
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		PrinterID:      s.printerID,
		SocketState:    s.socket,
		APIState:       s.api,
		ReauthRequired: s.reauthRequired,
	}
	if s.lastMessageAt != nil {
		t := *s.lastMessageAt
		snap.LastMessageAt = &t
	}
	if s.telemetry != nil {
		t := *s.telemetry
		snap.LastTelemetry = &t
	}
	return snap
}
