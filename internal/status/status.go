// Package status defines the closed set of outcome codes shared by the
// transport, sender, and configstore packages. Using one
// enum for both the wire ACK status and the internal error taxonomy avoids
// maintaining two parallel mappings between the same vocabulary.
package status

type Status uint16

const (
	Ok Status = iota
	NotFound
	VersionMismatch
	Access
	UpToDate
	Again
	BadMessage
	InvalidParam
	InvalidConfig
	Shutdown

	NotInConfig
	NoBufs
	Unreachable
	ProtoNoSupport
	InvalidCluster
	DestinationMismatch
	TimedOut
	ConnFailed
	Internal
	Cancelled
)

var names = [...]string{
	Ok:                  "OK",
	NotFound:            "NOT_FOUND",
	VersionMismatch:     "VERSION_MISMATCH",
	Access:              "ACCESS",
	UpToDate:            "UP_TO_DATE",
	Again:               "AGAIN",
	BadMessage:          "BAD_MESSAGE",
	InvalidParam:        "INVALID_PARAM",
	InvalidConfig:       "INVALID_CONFIG",
	Shutdown:            "SHUTDOWN",
	NotInConfig:         "NOT_IN_CONFIG",
	NoBufs:              "NO_BUFS",
	Unreachable:         "UNREACHABLE",
	ProtoNoSupport:      "PROTONOSUPPORT",
	InvalidCluster:      "INVALID_CLUSTER",
	DestinationMismatch: "DESTINATION_MISMATCH",
	TimedOut:            "TIMED_OUT",
	ConnFailed:          "CONN_FAILED",
	Internal:            "INTERNAL",
	Cancelled:           "CANCELLED",
}

func (s Status) String() string {
	if int(s) < len(names) && names[s] != "" {
		return names[s]
	}
	return "UNKNOWN"
}

// Error adapts a Status to the error interface so it can be returned
// directly from synchronous call sites.
type Error struct {
	Status Status
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Reason
}

func New(s Status, reason string) *Error { return &Error{Status: s, Reason: reason} }

// Is reports whether err is a *Error carrying Status s.
func Is(err error, s Status) bool {
	e, ok := err.(*Error)
	return ok && e.Status == s
}
