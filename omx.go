// Package omx is a user-space messaging runtime implementing the
// partner/session/matching/send-recv semantics of Myrinet Express over a
// raw-Ethernet driver.Driver. It re-exports the internal error taxonomy,
// request handle, and status types that make up the public surface; the
// substantial logic lives in the internal packages this file wires
// together in Endpoint.
package omx

import (
	"github.com/open-mx/omx/internal/match"
	"github.com/open-mx/omx/internal/metrics"
	"github.com/open-mx/omx/internal/mxerr"
	"github.com/open-mx/omx/internal/request"
)

// EndpointMax bounds the number of endpoint indices per board, used to
// compute a stable partner.ID stride (spec.md §4.4: "peer_index *
// endpoint_max + endpoint_index").
const EndpointMax = 32

// Error, Kind, Handle and Status are the public shapes of the internal
// request/error model (spec.md §3, §7).
type (
	Error  = mxerr.Error
	Kind   = mxerr.Kind
	Handle = request.Handle
	Status = request.Status

	// ContextConfig carves the context-id sub-range out of match_info
	// (spec.md §4.6, GLOSSARY "Context ID").
	ContextConfig = match.ContextConfig

	// Counters is a point-in-time snapshot of an endpoint's countable
	// state (SPEC_FULL.md §C.1), the same shape the Prometheus collector
	// reads from Endpoint.MetricsSnapshot.
	Counters = metrics.Snapshot
)

// Error kinds the application is expected to switch on (spec.md §7).
const (
	Success                        = mxerr.Success
	KindBadEndpoint                = mxerr.BadEndpoint
	KindBoardNotFound              = mxerr.BoardNotFound
	KindNoResources                = mxerr.NoResources
	KindBusy                       = mxerr.Busy
	KindBadMatchMask               = mxerr.BadMatchMask
	KindBadMatchingForContextID    = mxerr.BadMatchingForContextIDMask
	KindPeerNotFound               = mxerr.PeerNotFound
	KindRemoteEndpointBadID        = mxerr.RemoteEndpointBadID
	KindRemoteEndpointClosed       = mxerr.RemoteEndpointClosed
	KindRemoteEndpointBadSession   = mxerr.RemoteEndpointBadSession
	KindRemoteEndpointUnreachable  = mxerr.RemoteEndpointUnreachable
	KindRemoteEndpointBadConnKey   = mxerr.RemoteEndpointBadConnectionKey
	KindMessageTruncated           = mxerr.MessageTruncated
	KindTimeout                    = mxerr.Timeout
	KindCancelled                  = mxerr.Cancelled
	KindBadRequest                 = mxerr.BadRequest
)

// Of extracts the Kind of err, if it is (or wraps) an *Error.
func Of(err error) (Kind, bool) { return mxerr.Of(err) }

// ValidContextMask reports whether mask covers ctx's context-id bits
// (spec.md §7 BAD_MATCHING_FOR_CONTEXT_ID_MASK). It is a free function
// rather than a method on Endpoint because callers may want to validate a
// mask before a recv is posted.
func ValidContextMask(ctx ContextConfig, mask uint64) bool {
	return match.ValidMask(ctx, mask)
}
