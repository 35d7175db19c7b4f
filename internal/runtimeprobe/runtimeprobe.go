// Package runtimeprobe is the in-subject library linked into an
// instrumented binary: it receives packed-ID firings from probe calls
// emitted by internal/instrument, buffers and ships them to a host
// event dispatcher over internal/wire, and implements the four
// InstMode code paths (spec §4.2). "Thread" in the governing design
// maps to "goroutine" throughout — see StackID below for how the
// per-thread coverage cache is keyed without a native thread handle.
package runtimeprobe

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ocx/tracer/internal/errs"
	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/probeid"
	"github.com/ocx/tracer/internal/wire"
)

// Config configures a Probe's connection and session parameters.
type Config struct {
	Addr               string
	ObjectType         int32
	Mode               instmode.Mode
	WantSignalPort     bool
	SendBufferCapacity int32
	Timestamps         bool // enable TraceMsg timestamps; only meaningful when the subject is itself a dispatcher
	MTLS               *MTLSConfig
}

// Probe is the process-wide handle returned by Start. Per spec §9's
// "probe-as-process-wide-handle" rule there is exactly one per subject
// process; instrumented call sites reach it through a package-level
// pointer set once at startup (wired by the generated probe-startup
// call, not by this package).
type Probe struct {
	cfg  Config
	conn net.Conn

	sendMu  sync.Mutex // binary semaphore guarding conn writes, never held across Wait
	sendBuf bytes.Buffer

	sig *signatureTable

	caches   map[StackID]*threadCache
	cachesMu sync.RWMutex

	seq *sequenceState
	hsh *hashState

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup

	startupDone sync.Once
}

// Start dials the host, performs the handshake described in spec §6,
// and, when the host advertised a signal port, spawns the signal-echo
// daemon goroutine; the final drain runs from Close, not from a
// goroutine started here. Only the first call from a process should reach this; the
// instrumented startup probe is responsible for idempotence, per spec
// §4.1's "Probe-startup insertion" rule.
func Start(ctx context.Context, cfg Config) (*Probe, error) {
	conn, err := dial(ctx, cfg.Addr, cfg.MTLS)
	if err != nil {
		return nil, errs.New(errs.Exec, "runtimeprobe.Start", err)
	}

	if err := wire.WriteHandshakeRequest(conn, wire.HandshakeRequest{
		ObjectType: cfg.ObjectType,
		InstMode:   int32(cfg.Mode),
	}); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := wire.ReadHandshakeResponse(conn, cfg.WantSignalPort)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !resp.Accepted() {
		conn.Close()
		return nil, errs.New(errs.Handshake, "runtimeprobe.Start", nil)
	}

	if err := wire.WriteSendBufferCapacity(conn, cfg.SendBufferCapacity); err != nil {
		conn.Close()
		return nil, err
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	p := &Probe{
		cfg:            cfg,
		conn:           conn,
		sig:            newSignatureTable(),
		caches:         make(map[StackID]*threadCache),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: cancel,
	}
	if cfg.Mode == instmode.OptSequence {
		p.seq = newSequenceState()
	}
	if cfg.Mode == instmode.TraceHashing {
		p.hsh = newHashState()
	}

	if resp.SignalPort != nil {
		p.wg.Add(1)
		go p.runSignalEcho(ctx, *resp.SignalPort)
	}

	return p, nil
}

// Startup records the single required probe-startup call (spec §4.1's
// "Probe-startup insertion"): idempotent, safe to call from multiple
// goroutines, a no-op on any call after the first.
func (p *Probe) Startup() {
	p.startupDone.Do(func() {
		slog.Debug("runtimeprobe: startup probe fired")
	})
}

// Hit is the single entry point every instrumented probe call reaches:
// it dispatches on the negotiated mode to the matching code path in
// spec §4.2.
func (p *Probe) Hit(stack StackID, signature string, packedID uint32) error {
	switch p.cfg.Mode {
	case instmode.Compatible:
		return p.sendTraceMsg(packedID, signature)
	case instmode.OptNormal:
		typeTag, id := probeid.Unpack(packedID)
		return p.recordCoverage(stack, signature, id, typeTag)
	case instmode.OptSequence:
		return p.recordSequence(stack, signature, int32(packedID))
	case instmode.TraceHashing:
		_, id := probeid.Unpack(packedID)
		return p.recordHash(signature, id)
	default:
		return errs.New(errs.ConfigurationError, "runtimeprobe.Hit", nil)
	}
}

// sendTraceMsg implements Compatible mode's per-invocation write: one
// TraceMsg frame under the single process-wide send lock, auto-flushed
// per event. Socket failures here are logged and discarded per spec
// §4.2's runtime error policy: the probe must not throw out of an
// instrumented method.
func (p *Probe) sendTraceMsg(packedID uint32, signature string) error {
	body := wire.TraceMsgBody{PackedID: int32(packedID), Signature: signature}
	if p.cfg.Timestamps {
		ts := time.Now().UnixNano()
		body.Timestamp = &ts
	}
	raw, err := body.Marshal()
	if err != nil {
		slog.Warn("runtimeprobe: dropping malformed trace message", "error", err)
		return nil
	}
	return p.sendFrame(raw)
}

// WriteObjectCount implements spec §4.2's writeObjectCount: sent once
// per first entry of a signature.
func (p *Probe) WriteObjectCount(signature string, count int32) error {
	raw, err := (wire.ObjCountBody{Signature: signature, ObjCount: count}).Marshal()
	if err != nil {
		slog.Warn("runtimeprobe: dropping malformed object-count message", "error", err)
		return nil
	}
	return p.sendFrame(raw)
}

func (p *Probe) sendFrame(payload []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := wire.WriteFrame(p.conn, payload); err != nil {
		slog.Warn("runtimeprobe: send failed, dropping packet", "error", err)
		return nil
	}
	return nil
}

// runSignalEcho is the daemon goroutine that responds to echo pings on
// the signal socket when the subject is itself an event dispatcher
// (spec §4.2). It dials the port the dispatcher advertised during
// handshake, then echoes back every frame it reads until the
// connection fails or shutdown is requested.
func (p *Probe) runSignalEcho(ctx context.Context, port int32) {
	defer p.wg.Done()

	host, _, err := net.SplitHostPort(p.cfg.Addr)
	if err != nil {
		host = p.cfg.Addr
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	conn, err := dial(ctx, addr, p.cfg.MTLS)
	if err != nil {
		slog.Warn("runtimeprobe: signal socket dial failed", "error", err)
		return
	}
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.shutdownCtx.Done():
		}
		conn.Close()
	}()

	for {
		ping, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if err := wire.WriteFrame(conn, ping); err != nil {
			return
		}
	}
}

// Close drains remaining buffered state (per-goroutine coverage caches,
// the sequence buffer, or the final hash, depending on mode), joins the
// daemon goroutines, and closes the connection. It implements spec
// §4.2's "Final drain" and §5's shutdown-hook join rule. The send lock
// is explicitly released before this call blocks on Wait, matching
// spec §5 ("the lock must not be held across thread-join calls").
func (p *Probe) Close() error {
	p.shutdownCancel()
	p.drainCoverage()
	p.drainSequence()
	p.drainHash()
	p.wg.Wait()

	err := p.conn.Close()
	if err != nil {
		// Socket failures during shutdown-close are swallowed (spec
		// §4.2: "can't do better").
		return nil
	}
	return nil
}
