package runtimeprobe

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/probeid"
	"github.com/ocx/tracer/internal/wire"
)

// newTestProbe builds a Probe directly (bypassing the real TCP dial in
// Start) wired to an in-memory net.Pipe, with a background goroutine
// draining whatever the probe writes so sendFrame never blocks.
func newTestProbe(t *testing.T, mode instmode.Mode) *Probe {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	shutdownCtx, cancel := context.WithCancel(context.Background())
	p := &Probe{
		cfg:            Config{Mode: mode},
		conn:           client,
		sig:            newSignatureTable(),
		caches:         make(map[StackID]*threadCache),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: cancel,
	}
	if mode == instmode.OptSequence {
		p.seq = newSequenceState()
	}
	if mode == instmode.TraceHashing {
		p.hsh = newHashState()
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	return p
}

func TestHitCompatibleModeSendsTraceMsg(t *testing.T) {
	p := newTestProbe(t, instmode.Compatible)
	id := probeid.Pack(0, 1)
	require.NoError(t, p.Hit(StackID{}, "Foo.bar()V", id))
}

func TestHitOptNormalRecordsCoverage(t *testing.T) {
	p := newTestProbe(t, instmode.OptNormal)
	stack := p.NewStackID()
	id := probeid.Pack(3, 5)
	require.NoError(t, p.Hit(stack, "Foo.bar()V", id))

	tc := p.cacheFor(stack)
	tc.mu.Lock()
	entry, ok := tc.entries["Foo.bar()V"]
	tc.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, byte(4), entry.hits[5]) // typeTag 3 stored as typeTag+1
}

// TestLRUEvictionWithRecursion drives spec §8's scenario input: one
// stack records coverage for more distinct signatures than
// THREAD_LRU_MAX, so eviction runs. It checks the live cache size only;
// the entries shipped out by eviction are not read back.
func TestLRUEvictionWithRecursion(t *testing.T) {
	p := newTestProbe(t, instmode.OptNormal)
	stack := p.NewStackID()

	const depth = 120
	for i := 0; i < depth; i++ {
		sig := sigName(i)
		id := probeid.Pack(0, 1)
		require.NoError(t, p.Hit(stack, sig, id))
	}

	tc := p.cacheFor(stack)
	tc.mu.Lock()
	liveCount := len(tc.entries)
	tc.mu.Unlock()

	// Eviction ships some entries out over the pipe, which this test
	// does not read back, so it asserts only that the cache still holds
	// some entries and no more than were recorded.
	assert.LessOrEqual(t, liveCount, depth)
	assert.Greater(t, liveCount, 0)
}

func sigName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "Foo." + string(letters[i%len(letters)]) + string(rune('0'+i%10)) + "()V"
}

func TestSequenceBufferFlushesOnCapacity(t *testing.T) {
	p := newTestProbe(t, instmode.OptSequence)
	stack := p.NewStackID()

	for i := 0; i < sequenceBufferCapacity+5; i++ {
		id := probeid.Pack(0, 1)
		require.NoError(t, p.Hit(stack, "Foo.bar()V", id))
	}

	p.seq.mu.Lock()
	remaining := len(p.seq.entries)
	p.seq.mu.Unlock()
	assert.Less(t, remaining, sequenceBufferCapacity)
}

func TestSequenceEntersNewMethodMarkerOnSignatureChange(t *testing.T) {
	p := newTestProbe(t, instmode.OptSequence)
	stack := p.NewStackID()

	require.NoError(t, p.Hit(stack, "Foo.a()V", probeid.Pack(0, 1)))
	require.NoError(t, p.Hit(stack, "Foo.b()V", probeid.Pack(0, 1)))

	p.seq.mu.Lock()
	defer p.seq.mu.Unlock()
	// Two NEW_METHOD/index pairs (4 ints) plus two event entries (2 ints) = 6.
	assert.Equal(t, 6, len(p.seq.entries))
	assert.Equal(t, int32(probeid.NewMethod), p.seq.entries[0])
	assert.Equal(t, int32(probeid.NewMethod), p.seq.entries[3])
	assert.Len(t, p.seq.newBindings, 2)
}

// TestTraceHashDeterministic exercises spec §8's hash-determinism law:
// the same sequence of (signature, id) events always folds to the same
// final hash.
func TestTraceHashDeterministic(t *testing.T) {
	events := []struct {
		sig string
		id  uint32
	}{
		{"Foo.a()V", 1}, {"Foo.b()V", 2}, {"Foo.a()V", 1}, {"Foo.c()V", 3},
	}

	run := func() uint32 {
		p := newTestProbe(t, instmode.TraceHashing)
		for _, e := range events {
			require.NoError(t, p.Hit(StackID{}, e.sig, probeid.Pack(0, e.id)))
		}
		return p.FinalHash()
	}

	h1 := run()
	h2 := run()
	assert.Equal(t, h1, h2)
}

func TestDrainCoverageMergesByteWise(t *testing.T) {
	p := newTestProbe(t, instmode.OptNormal)
	s1 := p.NewStackID()
	s2 := p.NewStackID()

	require.NoError(t, p.Hit(s1, "Foo.bar()V", probeid.Pack(0, 0)))
	require.NoError(t, p.Hit(s2, "Foo.bar()V", probeid.Pack(0, 1)))

	require.NoError(t, p.Close())
}

// TestRunSignalEchoRespondsToPings drives the probe side of spec
// §4.2's signal-echo protocol against a listener standing in for the
// dispatcher's runSignalChannel: every frame sent is echoed back
// unmodified, and the goroutine exits once the connection closes.
func TestRunSignalEchoRespondsToPings(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	port := int32(lis.Addr().(*net.TCPAddr).Port)
	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &Probe{
		cfg:            Config{Addr: "127.0.0.1:0"},
		shutdownCtx:    shutdownCtx,
		shutdownCancel: cancel,
	}
	p.wg.Add(1)
	go p.runSignalEcho(context.Background(), port)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("probe never dialed the signal listener")
	}
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, []byte("signal-ping")))
	echoed, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte("signal-ping"), echoed)

	require.NoError(t, conn.Close())
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runSignalEcho did not return after connection close")
	}
}

func TestCloseIsIdempotentSafe(t *testing.T) {
	p := newTestProbe(t, instmode.Compatible)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
	}()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	wg.Wait()
}
