package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/perch-labs/perch/cluster"
	"github.com/perch-labs/perch/common"
	"github.com/perch-labs/perch/version"
	"github.com/perch-labs/perch/wire"
)

/*
Handshaker sends and receives transport-level connection handshakes. It sends the initial handshake on a
freshly opened channel, manages state and timeouts while the handshake is in transit, and handles the eventual
response. No cluster traffic is permitted on a channel until the handshake has negotiated the wire version for
it.

The handshaker never blocks and never spawns goroutines of its own: sending, timeout scheduling and close
notification are all delegated to collaborators, and completion runs on whichever of their threads wins.
*/
type Handshaker struct {
	localVersion  version.Version
	scheduler     Scheduler
	sender        HandshakeRequestSender
	pending       sync.Map // request id -> *HandshakeResponseHandler
	numPending    int64
	numHandshakes uint64
}

func NewHandshaker(localVersion version.Version, scheduler Scheduler, sender HandshakeRequestSender) *Handshaker {
	return &Handshaker{
		localVersion: localVersion,
		scheduler:    scheduler,
		sender:       sender,
	}
}

// SendHandshake initiates a handshake on channel. requestID must be fresh - the caller owns id allocation.
// completionFunc is called exactly once, with the negotiated version of the remote node or with an error, on
// whichever goroutine wins the race between response arrival, timeout, channel close and send failure.
func (h *Handshaker) SendHandshake(requestID uint64, node *cluster.Node, channel Channel, timeout time.Duration,
	completionFunc func(version.Version, error)) {
	atomic.AddUint64(&h.numHandshakes, 1)
	handshakesTotal.Inc()
	handler := &HandshakeResponseHandler{
		requestID:      requestID,
		currentVersion: h.localVersion,
		handshaker:     h,
		completionFunc: completionFunc,
	}
	h.pending.Store(requestID, handler)
	atomic.AddInt64(&h.numPending, 1)
	pendingHandshakesGauge.Inc()
	channel.AddCloseListener(func() {
		handler.handleLocalException(common.NewPerchError(common.ConnectionReset,
			"handshake failed because connection reset"))
	})
	// For the request we use the min compat version since we don't yet know the version of the node we are
	// talking to. The response carries the actual version of the remote node as its payload.
	minCompatVersion := h.localVersion.MinimumCompatibilityVersion()
	if h.localVersion.OnOrAfter(version.V1_0_0) && h.localVersion.Before(version.V2_0_0) {
		// Perch 1.x sends the 6.7.99 marker instead of its true minimum of legacy 6.8.0. Legacy 7.x nodes also
		// have a 6.8.0 minimum, so sending 6.8.0 would leave the receiver unable to tell the two apart and it
		// would reply with the wrong version universe. See version.MinCompatV1Marker.
		minCompatVersion = version.MinCompatV1Marker
	} else if h.localVersion.OnOrAfter(version.V2_0_0) {
		// Same trick at the 2.x boundary. See version.MinCompatV2Marker.
		minCompatVersion = version.MinCompatV2Marker
	}
	if err := h.sender(node, channel, requestID, minCompatVersion); err != nil {
		handler.handleLocalException(common.NewPerchErrorf(common.HandshakeSendFailure,
			"failure to send %s to node %s: %v", HandshakeActionName, node, err))
		// the local exception path must already have removed the entry
		if _, ok := h.pending.Load(requestID); ok {
			panic("handshake should not be pending if send failed")
		}
		return
	}
	h.scheduler.Schedule(func() {
		handler.handleLocalException(common.NewPerchErrorf(common.HandshakeTimeout,
			"handshake_timeout[%s] with node %s", timeout, node))
	}, timeout)
}

// HandleHandshake services an inbound handshake request that the dispatch layer routed here by action name,
// synchronously on the calling goroutine. The response version is chosen off the stream's wire version, not
// the decoded payload - the payload version may be absent when the sender is old enough.
func (h *Handshaker) HandleHandshake(channel ReplyChannel, requestID uint64, in *wire.Input) error {
	// Must read the handshake request to exhaust the stream
	if _, err := readHandshakeRequest(in); err != nil {
		return err
	}
	if in.Available() != 0 {
		return common.NewPerchErrorf(common.ProtocolError,
			"handshake request not fully read for requestId [%d], action [%s], available [%d]; resetting",
			requestID, HandshakeActionName, in.Available())
	}
	// 1. if the remote node is legacy 7.x the stream version is 6.8.0
	// 2. if the remote node is legacy 6.8 the stream version is 5.6.0
	// 3. if the remote node is perch 1.x the stream version is 6.7.99
	streamVersion := in.Version()
	if h.localVersion.OnOrAfter(version.V1_0_0) && h.localVersion.Before(version.V3_0_0) &&
		(streamVersion.Equals(version.LegacyES7Wire) || streamVersion.Equals(version.LegacyES68Wire)) {
		// Respond with legacy 7.10.2 to stay decodable for legacy 7.10.x nodes during a rolling upgrade
		return channel.SendResponse(&HandshakeResponse{ResponseVersion: version.LegacyV7_10_2})
	}
	return channel.SendResponse(&HandshakeResponse{ResponseVersion: h.localVersion})
}

// RemoveHandler atomically removes and returns the pending handler for requestID, or nil if there is none. The
// dispatch layer calls this to find the handler for an inbound response frame. The removal is also the election
// point when response, timeout, channel close and send failure race to complete a handshake.
func (h *Handshaker) RemoveHandler(requestID uint64) *HandshakeResponseHandler {
	handler, ok := h.pending.LoadAndDelete(requestID)
	if !ok {
		return nil
	}
	atomic.AddInt64(&h.numPending, -1)
	pendingHandshakesGauge.Dec()
	return handler.(*HandshakeResponseHandler)
}

// NumPendingHandshakes returns the number of handshakes in flight.
func (h *Handshaker) NumPendingHandshakes() int {
	return int(atomic.LoadInt64(&h.numPending))
}

// NumHandshakes returns the total number of handshakes ever attempted.
func (h *Handshaker) NumHandshakes() uint64 {
	return atomic.LoadUint64(&h.numHandshakes)
}

// HandshakeResponseHandler tracks one in-flight handshake. Whichever of response arrival, remote exception,
// timeout, channel close or send failure happens first completes it; the done flag makes completion single
// shot and later events are silently dropped.
type HandshakeResponseHandler struct {
	requestID      uint64
	currentVersion version.Version
	handshaker     *Handshaker
	completionFunc func(version.Version, error)
	done           atomic.Bool
}

// HandleResponse is called by the dispatch layer with the payload of a response frame, on the calling
// goroutine - version compatibility decisions are O(1) and don't warrant a thread hop.
func (r *HandshakeResponseHandler) HandleResponse(in *wire.Input) {
	resp, err := readHandshakeResponse(in)
	if err != nil {
		// a frame we couldn't decode is a protocol error, not a remote exception - resolve with the
		// ProtocolError the codec attached
		if r.done.CompareAndSwap(false, true) {
			r.completionFunc(version.Version{}, err)
		}
		return
	}
	if r.done.CompareAndSwap(false, true) {
		remoteVersion := resp.ResponseVersion
		if !r.currentVersion.IsCompatible(remoteVersion) {
			r.completionFunc(version.Version{}, common.NewPerchErrorf(common.UnsupportedVersion,
				"received message from unsupported version: [%s] local version is: [%s] minimal compatible version is: [%s]",
				remoteVersion, r.currentVersion, r.currentVersion.MinimumCompatibilityVersion()))
		} else {
			r.completionFunc(remoteVersion, nil)
		}
	}
}

// HandleException is called by the dispatch layer when the remote answered the request with a transport
// exception instead of a response.
func (r *HandshakeResponseHandler) HandleException(err error) {
	if r.done.CompareAndSwap(false, true) {
		r.completionFunc(version.Version{}, common.NewPerchErrorf(common.HandshakeFailed,
			"handshake failed: %v", err))
	}
}

// handleLocalException completes the handshake for a locally observed failure - timeout, send failure or
// channel close. The pending entry is removed first, and only the caller that observed it still present may
// complete: that removal is the linearisation point that keeps the racing event sources idempotent.
func (r *HandshakeResponseHandler) handleLocalException(err error) {
	if r.handshaker.RemoveHandler(r.requestID) != nil && r.done.CompareAndSwap(false, true) {
		r.completionFunc(version.Version{}, err)
	}
}
