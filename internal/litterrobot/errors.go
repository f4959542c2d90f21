package litterrobot

import "fmt"

// AuthKind classifies authentication failures. Callers branch on the kind;
// the message is for display only.
type AuthKind string

const (
	AuthForbidden          AuthKind = "forbidden"
	AuthInvalidCredentials AuthKind = "invalid_credentials"
	AuthTimeout            AuthKind = "timeout"
	AuthUnknown            AuthKind = "unknown"
)

// AuthError describes a failed login or token refresh. HTTP-level rejections
// are normal returns of this type, not panics; only transport faults carry
// a wrapped cause.
type AuthError struct {
	Kind   AuthKind
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Kind, e.Reason)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CommandKind classifies command dispatch failures.
type CommandKind string

const (
	CommandUnauthenticated CommandKind = "unauthenticated"
	CommandTransport       CommandKind = "transport"
	CommandTimeout         CommandKind = "timeout"
	CommandUnknown         CommandKind = "unknown"
)

// CommandError describes a failed cloud command. Commands are not retried
// automatically; the caller may re-issue.
type CommandError struct {
	Kind    CommandKind
	RobotID string
	Err     error
}

func (e *CommandError) Error() string {
	if e == nil {
		return "command error"
	}
	if e.Err != nil {
		return fmt.Sprintf("command %s for robot %s: %v", e.Kind, e.RobotID, e.Err)
	}
	return fmt.Sprintf("command %s for robot %s", e.Kind, e.RobotID)
}

func (e *CommandError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatusError surfaces a non-2xx API response body.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("litterrobot api error %d: %s", e.Status, e.Body)
}
