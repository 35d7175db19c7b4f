// Package dispatcher implements the host-side event dispatcher (spec
// §4.3): it accepts subject connections, validates their handshake,
// picks a processing strategy for the negotiated mode, and runs a
// blocking receive loop per connection that decodes wire frames into
// traceevent callbacks for the listener layer.
package dispatcher

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/tracer/internal/errs"
	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/traceevent"
	"github.com/ocx/tracer/internal/wire"
)

// signalAcceptTimeout bounds how long the dispatcher keeps the signal
// listener open waiting for the subject's second connection (spec
// §4.3 step 2); most subjects are not themselves dispatchers and never
// dial it, so an unmet deadline here is normal operation, not an error.
const signalAcceptTimeout = 10 * time.Second

// signalPingInterval paces liveness pings on an accepted signal
// channel (spec §4.2's daemon signal-echo thread).
const signalPingInterval = 5 * time.Second

// Requirements is what the dispatcher's listener declares it is
// willing to accept (spec §4.3 step 1: "validate against the
// listener's declared requirements").
type Requirements struct {
	ObjectType     int32
	AllowedModes   []instmode.Mode
	WantSignalPort bool
}

func (r Requirements) allows(mode instmode.Mode) bool {
	for _, m := range r.AllowedModes {
		if m == mode {
			return true
		}
	}
	return false
}

// StreamInfo is the dispatcher's externally-visible view of one
// connection, surfaced over the HTTP status endpoint.
type StreamInfo struct {
	ID         traceevent.StreamID
	ObjectType int32
	Mode       instmode.Mode
	Connected  bool
	LastError  string
}

// Dispatcher is the registry of in-flight streams, mirroring the
// teacher's Hub (registry map + sync.RWMutex + handlers map[string]
// MessageHandler dispatch table, internal/fabric/hub.go).
type Dispatcher struct {
	mu      sync.RWMutex
	streams map[traceevent.StreamID]*streamState

	req     Requirements
	sink    traceevent.Sink
	metrics *Metrics
	logger  *log.Logger

	nextStreamID uint64
}

type streamState struct {
	id      traceevent.StreamID
	ctrl    *controlObject
	mode    instmode.Mode
	objType int32
	strat   strategy
}

func New(req Requirements, sink traceevent.Sink, metrics *Metrics) *Dispatcher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		streams: make(map[traceevent.StreamID]*streamState),
		req:     req,
		sink:    sink,
		metrics: metrics,
		logger:  log.Default(),
	}
}

// Serve accepts connections on lis until it returns an error (typically
// from lis.Close during shutdown). Each accepted connection is handled
// in its own goroutine, matching spec §5's "up to two receive threads
// per dispatched stream" — here, one dedicated goroutine per connection.
func (d *Dispatcher) Serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go d.handleConnection(conn)
	}
}

// handleConnection implements spec §4.3's four accept steps, then runs
// the blocking receive loop for the connection's lifetime.
func (d *Dispatcher) handleConnection(conn net.Conn) {
	defer conn.Close()

	req, err := wire.ReadHandshakeRequest(conn)
	if err != nil {
		d.metrics.handshakeRejected.Inc()
		return
	}

	mode, modeKnown := instmode.ParseMode(req.InstMode)
	objectOK := req.ObjectType == d.req.ObjectType
	modeOK := modeKnown && d.req.allows(mode)

	resp := wire.HandshakeResponse{}
	if !objectOK {
		resp.ObjectOK = 1
	}
	if !modeOK {
		resp.ModeOK = 1
	}

	var signalLis net.Listener
	if d.req.WantSignalPort && objectOK && modeOK {
		lis, port, err := openSignalListener()
		if err != nil {
			d.logger.Printf("dispatcher: signal listener: %v", err)
		} else {
			signalLis = lis
			resp.SignalPort = &port
		}
	}

	if err := wire.WriteHandshakeResponse(conn, resp); err != nil {
		d.metrics.handshakeRejected.Inc()
		if signalLis != nil {
			signalLis.Close()
		}
		return
	}
	if !resp.Accepted() {
		d.metrics.handshakeRejected.Inc()
		if signalLis != nil {
			signalLis.Close()
		}
		return
	}

	if _, err := wire.ReadSendBufferCapacity(conn); err != nil {
		if signalLis != nil {
			signalLis.Close()
		}
		return
	}

	strat, ok := strategyFor(mode, false)
	if !ok {
		if signalLis != nil {
			signalLis.Close()
		}
		return
	}

	state := &streamState{
		id:      d.allocStreamID(),
		ctrl:    newControlObject(),
		mode:    mode,
		objType: req.ObjectType,
		strat:   strat,
	}
	state.ctrl.setConnected(0, true)

	d.mu.Lock()
	d.streams[state.id] = state
	d.mu.Unlock()
	d.metrics.probesConnected.Inc()

	if signalLis != nil {
		go d.runSignalChannel(signalLis, state)
	}

	d.receiveLoop(conn, state)
}

// openSignalListener binds the second, subject-advertised socket used
// by spec §4.3 step 2 ("advertise the signal port and accept the
// second connection") on an OS-assigned loopback port.
func openSignalListener() (net.Listener, int32, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, errs.New(errs.Exec, "dispatcher.openSignalListener", err)
	}
	return lis, int32(lis.Addr().(*net.TCPAddr).Port), nil
}

// runSignalChannel waits for the subject's second connection on the
// advertised signal port, then drives the dispatcher side of the
// echo protocol (spec §4.2's "daemon signal-echo thread"): ping, read
// back the same bytes, repeat. Only subjects that are themselves event
// dispatchers ever open this connection, so a timed-out Accept is the
// common case and not logged as a failure.
func (d *Dispatcher) runSignalChannel(lis net.Listener, state *streamState) {
	defer lis.Close()

	if tcpLis, ok := lis.(*net.TCPListener); ok {
		tcpLis.SetDeadline(time.Now().Add(signalAcceptTimeout))
	}
	conn, err := lis.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	state.ctrl.setConnected(1, true)
	defer state.ctrl.setConnected(1, false)

	ping := []byte("signal-ping")
	ticker := time.NewTicker(signalPingInterval)
	defer ticker.Stop()

	for {
		if state.ctrl.shouldStop(1) {
			return
		}
		if err := wire.WriteFrame(conn, ping); err != nil {
			state.ctrl.setLastError(1, err)
			return
		}
		echoed, err := wire.ReadFrame(conn)
		if err != nil {
			state.ctrl.setLastError(1, err)
			return
		}
		if !bytes.Equal(echoed, ping) {
			state.ctrl.setLastError(1, errs.New(errs.BadFileFormat, "dispatcher.runSignalChannel", fmt.Errorf("signal echo mismatch")))
			return
		}
		<-ticker.C
	}
}

// allocStreamID mints a globally-unique stream identifier. Using a UUID
// rather than a counter means IDs stay unique across dispatcher restarts,
// which matters once stream IDs are logged or persisted (pgstore's
// coverage history, the HTTP status surface) outside the process's
// lifetime.
func (d *Dispatcher) allocStreamID() traceevent.StreamID {
	d.mu.Lock()
	d.nextStreamID++
	d.mu.Unlock()
	return traceevent.StreamID(uuid.NewString())
}

// receiveLoop implements spec §4.3's "blocking receive loop on a
// dedicated thread": each outer frame is decoded by the connection's
// strategy and fanned out to the sink, until EOF or a force-stop,
// matching the two-connection control object's shape even though this
// dispatcher only ever drives one receive goroutine per accepted
// socket.
func (d *Dispatcher) receiveLoop(conn net.Conn, state *streamState) {
	for {
		if state.ctrl.shouldStop(0) {
			break
		}
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if err == io.EOF {
				d.commit(state)
				return
			}
			state.ctrl.setLastError(0, err)
			d.commit(state)
			return
		}
		d.metrics.framesReceived.Inc()
		if err := state.strat.HandlePayload(state.id, payload, d.sink); err != nil {
			state.ctrl.setLastError(0, err)
			d.logger.Printf("dispatcher: stream %s: %v", state.id, err)
		}
	}
	d.commit(state)
}

// commit implements spec §4.3's commitEventStream on EOF: listeners
// see the final bit-set exactly once (spec §5).
func (d *Dispatcher) commit(state *streamState) {
	start := time.Now()
	state.ctrl.setConnected(0, false)
	d.sink.Commit(traceevent.CommitEvent{Stream: state.id})
	d.metrics.commitLatency.Observe(time.Since(start).Seconds())

	d.mu.Lock()
	delete(d.streams, state.id)
	d.mu.Unlock()
	d.metrics.probesConnected.Dec()
}

// Streams returns a snapshot of currently tracked streams (connected or
// not yet reaped), for the HTTP status surface.
func (d *Dispatcher) Streams() []StreamInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]StreamInfo, 0, len(d.streams))
	for _, s := range d.streams {
		connected, _, lastErr := s.ctrl.snapshot()
		errStr := ""
		if lastErr[0] != nil {
			errStr = lastErr[0].Error()
		}
		out = append(out, StreamInfo{ID: s.id, ObjectType: s.objType, Mode: s.mode, Connected: connected[0], LastError: errStr})
	}
	return out
}

// ForceCommit lets an operator request an early commit of a stream via
// the HTTP control surface. It sets the stream's force-stop flag, which
// the receive loop checks before each frame read; a stream blocked in a
// read commits once its next frame arrives or its connection closes.
func (d *Dispatcher) ForceCommit(id traceevent.StreamID) error {
	d.mu.RLock()
	state, ok := d.streams[id]
	d.mu.RUnlock()
	if !ok {
		return errs.New(errs.BadParameter, "dispatcher.ForceCommit", nil)
	}
	state.ctrl.setForceStop(0)
	return nil
}
