package entities

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a proxied session
type SessionState string

const (
	SessionStateConnecting SessionState = "connecting"
	SessionStateHandshake  SessionState = "upstream_handshake"
	SessionStateStreaming  SessionState = "streaming"
	SessionStateDraining   SessionState = "draining"
	SessionStateClosed     SessionState = "closed"
)

var stateOrder = map[SessionState]int{
	SessionStateConnecting: 0,
	SessionStateHandshake:  1,
	SessionStateStreaming:  2,
	SessionStateDraining:   3,
	SessionStateClosed:     4,
}

var (
	// ErrMissingCredentials is returned when the app key or access key is empty
	ErrMissingCredentials = errors.New("missing appKey or accessKey")

	// ErrInvalidTransition is returned for backwards or re-entrant state changes
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Credentials holds the vendor credentials supplied by the client
type Credentials struct {
	AppKey    string
	AccessKey string
}

// SessionOptions holds the recognition feature flags of a session
type SessionOptions struct {
	Language        string
	ModelV2         bool
	BidiStreaming   bool
	EnableDDC       bool
	EnableVAD       bool
	EnableNonstream bool
}

// DefaultSessionOptions returns the options used when the client sends none
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		BidiStreaming: true,
		EnableDDC:     true,
	}
}

// Session is the state shared by one downstream connection and its upstream
// vendor connection. It is never persisted.
type Session struct {
	ConnectID   string
	ResourceID  string
	Credentials Credentials
	Options     SessionOptions
	CreatedAt   time.Time

	mu    sync.RWMutex
	state SessionState
}

// NewSession creates a session in the connecting state with a fresh connect ID
func NewSession(creds Credentials, opts SessionOptions) *Session {
	return &Session{
		ConnectID:   NewConnectID(),
		Credentials: creds,
		Options:     opts,
		CreatedAt:   time.Now(),
		state:       SessionStateConnecting,
	}
}

// NewConnectID returns a random UUID-v4 string used for vendor side tracing
func NewConnectID() string {
	return uuid.NewString()
}

// Validate checks that both credentials are present
func (s *Session) Validate() error {
	if s.Credentials.AppKey == "" || s.Credentials.AccessKey == "" {
		return ErrMissingCredentials
	}
	return nil
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether the upstream handshake has completed and the session
// has not been closed.
func (s *Session) Ready() bool {
	state := s.State()
	return state == SessionStateStreaming || state == SessionStateDraining
}

// Closed reports whether the session reached its terminal state
func (s *Session) Closed() bool {
	return s.State() == SessionStateClosed
}

// Transition moves the session forward by exactly one state, or to closed
// from any non-closed state.
func (s *Session) Transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	toRank, ok := stateOrder[to]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	switch {
	case from == SessionStateClosed:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	case to == SessionStateClosed, toRank == stateOrder[from]+1:
		s.state = to
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
}

// Close moves the session to closed. It reports false if it was already closed.
func (s *Session) Close() bool {
	return s.Transition(SessionStateClosed) == nil
}
