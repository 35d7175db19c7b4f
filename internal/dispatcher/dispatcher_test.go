package dispatcher

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/probeid"
	"github.com/ocx/tracer/internal/traceevent"
	"github.com/ocx/tracer/internal/wire"
)

type recordingSink struct {
	methodEnters []traceevent.MethodEnterEvent
	blocks       []traceevent.CodeBlockExecuteEvent
	branches     []traceevent.BranchExecuteEvent
	commits      []traceevent.CommitEvent
}

func (s *recordingSink) MethodEnter(e traceevent.MethodEnterEvent) {
	s.methodEnters = append(s.methodEnters, e)
}
func (s *recordingSink) CodeBlockExecute(e traceevent.CodeBlockExecuteEvent) {
	s.blocks = append(s.blocks, e)
}
func (s *recordingSink) BranchExecute(e traceevent.BranchExecuteEvent) {
	s.branches = append(s.branches, e)
}
func (s *recordingSink) Commit(e traceevent.CommitEvent) { s.commits = append(s.commits, e) }

// TestHandshakeRejectsModeMismatch exercises the governing property
// from spec §8: a probe negotiating a mode the dispatcher did not
// declare in its Requirements is rejected before any data frame flows.
func TestHandshakeRejectsModeMismatch(t *testing.T) {
	sink := &recordingSink{}
	d := New(Requirements{ObjectType: 1, AllowedModes: []instmode.Mode{instmode.OptNormal}}, sink, nil)

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		d.handleConnection(server)
		close(done)
	}()

	require.NoError(t, wire.WriteHandshakeRequest(client, wire.HandshakeRequest{ObjectType: 1, InstMode: int32(instmode.Compatible)}))
	resp, err := wire.ReadHandshakeResponse(client, false)
	require.NoError(t, err)
	assert.False(t, resp.Accepted())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleConnection did not return after rejecting handshake")
	}
	assert.Empty(t, d.Streams())
}

// TestHandshakeAcceptsAndCommitsOnEOF drives a full accept sequence
// through Compatible mode and asserts the sink observes one
// CodeBlockExecute for the trace message sent, and exactly one Commit
// once the client closes.
func TestHandshakeAcceptsAndCommitsOnEOF(t *testing.T) {
	sink := &recordingSink{}
	d := New(Requirements{ObjectType: 1, AllowedModes: instmode.All()}, sink, nil)

	client, server := net.Pipe()

	done := make(chan struct{})
	go func() {
		d.handleConnection(server)
		close(done)
	}()

	require.NoError(t, wire.WriteHandshakeRequest(client, wire.HandshakeRequest{ObjectType: 1, InstMode: int32(instmode.Compatible)}))
	resp, err := wire.ReadHandshakeResponse(client, false)
	require.NoError(t, err)
	require.True(t, resp.Accepted())
	require.NoError(t, wire.WriteSendBufferCapacity(client, 4096))

	body := wire.TraceMsgBody{PackedID: 7, Signature: "Foo.bar()V"}
	raw, err := body.Marshal()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(client, raw))

	require.NoError(t, client.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleConnection did not return after client close")
	}

	require.Len(t, sink.blocks, 1)
	assert.Equal(t, "Foo.bar()V", sink.blocks[0].Signature)
	require.Len(t, sink.commits, 1)
}

func TestStrategyForRejectsUnknownMode(t *testing.T) {
	_, ok := strategyFor(instmode.Mode(99), false)
	assert.False(t, ok)
}

// TestRunSignalChannelEchoesPings drives the dispatcher side of spec
// §4.2's signal-echo protocol against a bare net.Dial client standing
// in for the probe's runSignalEcho: read the ping, write it back,
// observe controlObject's index-1 "connected" slot flip both ways.
func TestRunSignalChannelEchoesPings(t *testing.T) {
	lis, _, err := openSignalListener()
	require.NoError(t, err)
	addr := lis.Addr().String()

	d := New(Requirements{ObjectType: 1}, &recordingSink{}, nil)
	state := &streamState{ctrl: newControlObject()}

	done := make(chan struct{})
	go func() {
		d.runSignalChannel(lis, state)
		close(done)
	}()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	ping, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte("signal-ping"), ping)
	require.NoError(t, wire.WriteFrame(conn, ping))

	connected, _, _ := state.ctrl.snapshot()
	assert.True(t, connected[1])

	require.NoError(t, conn.Close())
	select {
	case <-done:
	case <-time.After(signalPingInterval + time.Second):
		t.Fatal("runSignalChannel did not return after client close")
	}

	connected, _, _ = state.ctrl.snapshot()
	assert.False(t, connected[1])
}

// TestRunSignalChannelDetectsEchoMismatch exercises the failure path:
// an echo that doesn't match what was sent records a lastError and
// tears the channel down rather than looping forever.
func TestRunSignalChannelDetectsEchoMismatch(t *testing.T) {
	lis, _, err := openSignalListener()
	require.NoError(t, err)
	addr := lis.Addr().String()

	d := New(Requirements{ObjectType: 1}, &recordingSink{}, nil)
	state := &streamState{ctrl: newControlObject()}

	done := make(chan struct{})
	go func() {
		d.runSignalChannel(lis, state)
		close(done)
	}()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, []byte("wrong")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runSignalChannel did not return after echo mismatch")
	}

	_, _, lastError := state.ctrl.snapshot()
	assert.Error(t, lastError[1])
}

func TestOptSequenceStrategyResolvesNewMethodBindings(t *testing.T) {
	strat, ok := strategyFor(instmode.OptSequence, false)
	require.True(t, ok)
	sink := &recordingSink{}

	batch := wire.SequenceBatchBody{
		NewBindings: []wire.SequenceBinding{{SigIndex: 1, Signature: "Foo.a()V"}},
		Entries:     []int32{int32(probeid.NewMethod), 1},
	}
	raw, err := batch.Marshal()
	require.NoError(t, err)
	require.NoError(t, strat.HandlePayload("s1", raw, sink))

	require.Len(t, sink.methodEnters, 1)
	assert.Equal(t, "Foo.a()V", sink.methodEnters[0].Signature)
}
