// Package mxerr defines the error taxonomy visible to applications using
// the omx runtime, per the kind table in the protocol specification.
package mxerr

import (
	"errors"
	"fmt"
)

// Kind is a stable, comparable error category. Application code should
// switch on Kind (via errors.As) rather than match on error strings.
type Kind int

const (
	Success Kind = iota
	BadEndpoint
	BoardNotFound
	NoDevice
	NoDriver
	NoSystemResources
	NoResources
	Busy
	BadMatchMask
	BadMatchingForContextIDMask
	PeerNotFound
	NicIDNotFound
	RemoteEndpointBadID
	RemoteEndpointClosed
	RemoteEndpointBadSession
	RemoteEndpointUnreachable
	RemoteEndpointBadConnectionKey
	RemoteRDMAWindowBadID
	MessageAborted
	MessageTruncated
	Timeout
	Cancelled
	NotSupportedInHandler
	BadLibABI
	BadKernelABI
	NotImplemented
	BadRequest
)

var names = map[Kind]string{
	Success:                        "SUCCESS",
	BadEndpoint:                    "BAD_ENDPOINT",
	BoardNotFound:                  "BOARD_NOT_FOUND",
	NoDevice:                       "NO_DEVICE",
	NoDriver:                       "NO_DRIVER",
	NoSystemResources:              "NO_SYSTEM_RESOURCES",
	NoResources:                    "NO_RESOURCES",
	Busy:                           "BUSY",
	BadMatchMask:                   "BAD_MATCH_MASK",
	BadMatchingForContextIDMask:    "BAD_MATCHING_FOR_CONTEXT_ID_MASK",
	PeerNotFound:                   "PEER_NOT_FOUND",
	NicIDNotFound:                  "NIC_ID_NOT_FOUND",
	RemoteEndpointBadID:            "REMOTE_ENDPOINT_BAD_ID",
	RemoteEndpointClosed:           "REMOTE_ENDPOINT_CLOSED",
	RemoteEndpointBadSession:       "REMOTE_ENDPOINT_BAD_SESSION",
	RemoteEndpointUnreachable:      "REMOTE_ENDPOINT_UNREACHABLE",
	RemoteEndpointBadConnectionKey: "REMOTE_ENDPOINT_BAD_CONNECTION_KEY",
	RemoteRDMAWindowBadID:          "REMOTE_RDMA_WINDOW_BAD_ID",
	MessageAborted:                 "MESSAGE_ABORTED",
	MessageTruncated:               "MESSAGE_TRUNCATED",
	Timeout:                        "TIMEOUT",
	Cancelled:                      "CANCELLED",
	NotSupportedInHandler:          "NOT_SUPPORTED_IN_HANDLER",
	BadLibABI:                      "BAD_LIB_ABI",
	BadKernelABI:                   "BAD_KERNEL_ABI",
	NotImplemented:                 "NOT_IMPLEMENTED",
	BadRequest:                     "BAD_REQUEST",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned across the public API. It always
// carries a Kind; Cause is set when the Kind was derived from a lower
// layer (driver errno, wire nack reason, etc).
type Error struct {
	Kind  Kind
	Cause error
}

func New(k Kind) *Error {
	return &Error{Kind: k}
}

func Wrap(k Kind, cause error) *Error {
	return &Error{Kind: k, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("omx: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("omx: %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, mxerr.New(Kind)) work by Kind comparison,
// independent of Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Of extracts the Kind of err if it is (or wraps) an *Error, else false.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// ErrMissingResources is an internal-only sentinel (never an mxerr.Kind) used
// by the resource-acquisition state machine in internal/sendpipe. It must
// never cross the public API: callers only ever observe a parked request
// or one of the Kinds above.
var ErrMissingResources = errors.New("omx: internal: missing resources")
