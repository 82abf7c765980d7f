package conversation

import "errors"

// Errors returned by the orchestrator and its components.
var (
	// ErrNotFound is returned when a session or inconsistency does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCrossTenantAccess is returned when a caller addresses another tenant's data.
	ErrCrossTenantAccess = errors.New("cross-tenant access")

	// ErrAlreadyExists is returned when opening a session whose ID is live.
	ErrAlreadyExists = errors.New("already exists")

	// ErrExchangeInProgress is returned when a session already has an exchange in flight.
	ErrExchangeInProgress = errors.New("exchange in progress")

	// ErrIllegalTransition is returned for a state change the state machine forbids.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrTooManyConcurrentTasks is returned when a tenant is at its task cap.
	ErrTooManyConcurrentTasks = errors.New("too many concurrent tasks")

	// ErrSessionClosed is returned when the session was completed or expired.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionPaused is returned when a paused session is asked for a new exchange.
	ErrSessionPaused = errors.New("session paused")

	// ErrDenied is returned when access control rejects an action.
	ErrDenied = errors.New("access denied")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// Failure classifications carried in FAILED event payloads.
const (
	ClassTransientBackend = "TransientBackendError"
	ClassService          = "ServiceError"
	ClassSessionClosed    = "SessionClosed"
)

// TransientChecker reports whether an error is worth retrying.
// The llm package supplies the production implementation.
type TransientChecker func(error) bool

// Classify maps an error onto the failure classification reported to subscribers.
func Classify(err error, transient TransientChecker) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionClosed):
		return ClassSessionClosed
	case transient != nil && transient(err):
		return ClassTransientBackend
	default:
		return ClassService
	}
}
