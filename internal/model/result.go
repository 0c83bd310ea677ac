package model

import (
	"errors"
	"fmt"
)

var (
	ErrDirectoryUnavailable  = errors.New("device directory unavailable")
	ErrDownstreamRejected    = errors.New("downstream rejected command")
	ErrDownstreamUnreachable = errors.New("downstream unreachable")
	ErrBackendPollFailure    = errors.New("scheduler poll failed")
	ErrConnectionLost        = errors.New("connection lost")
)

type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultDownstreamError
	ResultTransportError
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultDownstreamError:
		return "downstream_error"
	case ResultTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// CommandResult is the outcome of one forward to Server B. Exactly one of
// Body, StatusCode or ErrorKind is meaningful depending on Kind.
type CommandResult struct {
	Command    string
	Kind       ResultKind
	Body       string
	StatusCode int
	ErrorKind  string
	// Truncated is set when Body was cut at the relay's size cap.
	Truncated  bool
}

func (r CommandResult) OK() bool { return r.Kind == ResultSuccess }

// Err maps the result onto the error taxonomy; nil on success.
func (r CommandResult) Err() error {
	switch r.Kind {
	case ResultSuccess:
		return nil
	case ResultDownstreamError:
		return fmt.Errorf("%w: status %d", ErrDownstreamRejected, r.StatusCode)
	default:
		return fmt.Errorf("%w: %s", ErrDownstreamUnreachable, r.ErrorKind)
	}
}

// Message renders the user-facing string sent back to clients.
func (r CommandResult) Message() string {
	switch r.Kind {
	case ResultSuccess:
		return fmt.Sprintf("'%s' forwarded successfully. Server B replied: %s", r.Command, r.Body)
	case ResultDownstreamError:
		return fmt.Sprintf("Error: Server B responded with status %d.", r.StatusCode)
	default:
		return "Failed to connect to Server B. " + r.ErrorKind
	}
}

type PollKind int

const (
	PollMatched PollKind = iota
	PollNotMatched
	PollBackendUnavailable
)

func (k PollKind) String() string {
	switch k {
	case PollMatched:
		return "matched"
	case PollNotMatched:
		return "not_matched"
	default:
		return "backend_unavailable"
	}
}

// PollOutcome is the result of a single scheduler poll.
type PollOutcome struct {
	Kind    PollKind
	Message string
	ID      string
	Reason  error
}
