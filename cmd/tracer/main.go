// Command tracer is the host-side front end (spec §6): it launches the
// instrumented subject process, listens for its probe connection, and
// writes the committed coverage/sequence results once the subject
// exits.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/tracer/internal/cfg"
	"github.com/ocx/tracer/internal/config"
	"github.com/ocx/tracer/internal/dispatcher"
	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/instrument"
	"github.com/ocx/tracer/internal/listener"
	"github.com/ocx/tracer/internal/listener/pgstore"
	"github.com/ocx/tracer/internal/listener/redisstore"
	"github.com/ocx/tracer/internal/listener/wsrelay"
	"github.com/ocx/tracer/internal/traceevent"
)

// letterSet implements flag.Value for the single-letter block/branch-type
// flags in spec §6's canonical CLI; Set records each letter of the value
// it is given.
type letterSet map[byte]bool

func (s letterSet) String() string { return "" }
func (s letterSet) Set(v string) error {
	for i := 0; i < len(v); i++ {
		s[v[i]] = true
	}
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tracer", flag.ContinueOnError)

	port := fs.Int("port", 0, "listen on port (0 = use config default)")
	cp := fs.String("cp", "", "subject classpath")
	pipeStdin := fs.Bool("i", false, "pipe stdin to subject")
	timeoutSec := fs.Int("tl", 0, "wall-clock subject kill after N seconds (0 = no limit)")
	appendRun := fs.Bool("at", false, "append this run to existing trace")
	traceName := fs.String("trname", "", "base trace name (no extension)")
	outFile := fs.String("o", "", "redirect subject output")
	relay := fs.Bool("relay", false, "send processed data to socket rather than file")
	pre := fs.String("pre", "", "literal data preceding the trace")
	post := fs.String("post", "", "literal data following the trace")

	blocks := letterSet{}
	branches := letterSet{}
	fs.Var(blocks, "B", "enable Basic block type")
	fs.Var(blocks, "E", "enable Entry block type")
	fs.Var(blocks, "X", "enable Exit block type")
	fs.Var(blocks, "C", "enable Call block type")
	fs.Var(blocks, "R", "enable Return block type")
	fs.Var(branches, "I", "enable If branch type")
	fs.Var(branches, "S", "enable Switch branch type")
	fs.Var(branches, "T", "enable Throw branch type")
	fs.Var(branches, "O", "enable Other branch type")

	cliArgs, forwarded := splitForwardedArgs(args)
	if err := fs.Parse(cliArgs); err != nil {
		return 1
	}

	mask := buildTypeMask(blocks, branches)
	instrumentConfig := instrument.Config{Mask: mask}
	slog.Info("tracer: instrumentation selection",
		"blocks", enabledBlockNames(mask), "branches", enabledBranchNames(mask))

	conf := config.Get()
	if *port != 0 {
		conf.Dispatcher.Port = strconv.Itoa(*port)
	}
	if *traceName != "" {
		conf.Listener.TraceName = *traceName
	}
	conf.Listener.Append = *appendRun || conf.Listener.Append
	conf.Listener.Relay = *relay || conf.Listener.Relay
	if *pre != "" {
		conf.Listener.Pre = *pre
	}
	if *post != "" {
		conf.Listener.Post = *post
	}

	allowedModes := make([]instmode.Mode, 0, len(conf.Dispatcher.AllowedModes))
	for _, name := range conf.Dispatcher.AllowedModes {
		for _, m := range instmode.All() {
			if strings.EqualFold(m.String(), name) {
				allowedModes = append(allowedModes, m)
			}
		}
	}

	lis, err := net.Listen("tcp", "127.0.0.1:"+conf.Dispatcher.Port)
	if err != nil {
		slog.Error("tracer: setup failed", "error", err)
		return 1
	}
	defer lis.Close()

	reg := prometheus.NewRegistry()
	sink, closeSink, dashboardRelay, err := buildSink(conf)
	if err != nil {
		slog.Error("tracer: listener setup failed", "error", err)
		return 1
	}
	defer closeSink()

	d := dispatcher.New(dispatcher.Requirements{
		ObjectType:     conf.Dispatcher.ObjectType,
		AllowedModes:   allowedModes,
		WantSignalPort: conf.Dispatcher.WantSignalPort,
	}, sink, dispatcher.NewMetrics(reg))

	go func() {
		if err := d.Serve(lis); err != nil {
			slog.Warn("tracer: dispatcher stopped accepting", "error", err)
		}
	}()

	go serveStatus(conf.Dispatcher.StatusPort, d, reg, dashboardRelay, conf.WsRelay.Path)

	if *cp == "" {
		// No subject to launch: run as a standalone dispatcher until killed.
		select {}
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if *timeoutSec > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeoutSec)*time.Second)
		defer cancel()
	}

	_ = instrumentConfig // consumed by the offline rewrite step (out of scope here, see package instrument)

	exitCode, err := runSubject(ctx, *cp, forwarded, *pipeStdin, *outFile)
	if err != nil {
		slog.Error("tracer: subject exec failed", "error", err)
		return 1
	}
	return exitCode
}

// buildTypeMask converts the CLI's single-letter block/branch toggles
// into the instrumentor's TypeMask (spec §6's enable flags select the
// same enum instrument.TypeMask already carries). Per spec §1, the
// instrumentor itself only consumes an already-built CFG; this command
// is the external front end that selects which kinds it enables.
func buildTypeMask(blocks, branches letterSet) instrument.TypeMask {
	mask := instrument.NewTypeMask()
	if blocks['B'] {
		mask.Blocks[cfg.Code] = true
	}
	if blocks['E'] {
		mask.Blocks[cfg.Entry] = true
	}
	if blocks['X'] {
		mask.Blocks[cfg.Exit] = true
	}
	if blocks['C'] {
		mask.Blocks[cfg.Call] = true
	}
	if blocks['R'] {
		mask.Blocks[cfg.Return] = true
	}
	if branches['I'] {
		mask.Branches[cfg.BranchIf] = true
	}
	if branches['S'] {
		mask.Branches[cfg.BranchSwitch] = true
	}
	if branches['T'] {
		mask.Branches[cfg.BranchThrow] = true
	}
	if branches['O'] {
		mask.Branches[cfg.BranchOther] = true
	}
	return mask
}

func enabledBlockNames(mask instrument.TypeMask) []string {
	names := make([]string, 0, len(mask.Blocks))
	for t, on := range mask.Blocks {
		if on {
			names = append(names, t.String())
		}
	}
	return names
}

func enabledBranchNames(mask instrument.TypeMask) []string {
	names := make([]string, 0, len(mask.Branches))
	for t, on := range mask.Branches {
		if on {
			names = append(names, t.String())
		}
	}
	return names
}

// splitForwardedArgs separates the tracer's own flags from a trailing
// `-ja ARG... __end` block per spec §6's forwarded-argument convention.
func splitForwardedArgs(args []string) (cliArgs, forwarded []string) {
	for i, a := range args {
		if a == "-ja" {
			rest := args[i+1:]
			for j, f := range rest {
				if f == "__end" {
					return args[:i], rest[:j]
				}
			}
			return args[:i], rest
		}
	}
	return args, nil
}

func runSubject(ctx context.Context, classpath string, forwarded []string, pipeStdin bool, outFile string) (int, error) {
	cmd := exec.CommandContext(ctx, forwarded[0], forwarded[1:]...)
	cmd.Env = append(os.Environ(), "CLASSPATH="+classpath)
	if pipeStdin {
		cmd.Stdin = os.Stdin
	}
	var out io.Writer = os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return 1, err
		}
		defer f.Close()
		out = f
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}

// buildSink wires the coverage and fingerprint listeners per spec §4.4,
// plus the sequence writer when a relay socket or the dashboard mirror
// is configured, into one traceevent.MultiSink, writing the coverage
// trace to <trname>.tr per spec §6, and additively wires in whichever
// of the Redis, Postgres, and WebSocket-relay sinks the config enables
// (SPEC_FULL's optional cross-host/history/dashboard mirrors). None of
// these replace the mandatory `.tr` file; they all ride alongside it.
// The returned *wsrelay.Relay is nil unless the dashboard mirror is
// enabled; the caller registers its HTTP handler separately.
func buildSink(conf *config.Config) (traceevent.Sink, func(), *wsrelay.Relay, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if conf.Listener.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	trFile, err := os.OpenFile(conf.Listener.TraceName+".tr", flags, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	agg := listener.NewCoverageAggregator(trFile, conf.Dispatcher.ObjectType, nil, conf.Listener.Append)
	fp := &listener.FingerprintListener{}

	sinks := traceevent.MultiSink{agg, fp}
	closeFn := func() { trFile.Close() }

	var relay *wsrelay.Relay
	if conf.WsRelay.Enabled {
		relay = wsrelay.New()
		prevClose := closeFn
		closeFn = func() { relay.Close(); prevClose() }
	}

	if conf.Listener.Relay || conf.Listener.RelayAddr != "" || relay != nil {
		var writers []io.Writer
		var closer io.Closer
		if conf.Listener.Relay || conf.Listener.RelayAddr != "" {
			addr := conf.Listener.RelayAddr
			if addr == "" {
				addr = "127.0.0.1:9288"
			}
			conn, err := net.Dial("tcp", addr)
			if err == nil {
				writers = append(writers, conn)
				closer = conn
			} else {
				slog.Warn("tracer: relay socket unavailable, sequence events will not be relayed", "addr", addr, "error", err)
			}
		}
		if relay != nil {
			writers = append(writers, wsrelay.NewWriter(relay))
		}
		if len(writers) > 0 {
			var w io.Writer = writers[0]
			if len(writers) > 1 {
				w = io.MultiWriter(writers...)
			}
			sw := listener.NewSequenceWriter(w, closer, conf.Listener.Pre, conf.Listener.Post, conf.Listener.JUnit)
			sinks = append(sinks, sw)
			prevClose := closeFn
			closeFn = func() { sw.Close(); prevClose() }
		}
	}

	if conf.Redis.Enabled {
		store, err := redisstore.New(conf.Redis.Addr, conf.Redis.Password, conf.Redis.DB, conf.Redis.KeyPrefix, 0)
		if err != nil {
			slog.Warn("tracer: redis sink unavailable", "error", err)
		} else {
			sinks = append(sinks, redisstore.Sink{Store: store, TraceName: conf.Listener.TraceName})
			prevClose := closeFn
			closeFn = func() { store.Close(); prevClose() }
		}
	}

	if conf.Postgres.Enabled {
		store, err := pgstore.Open(conf.Postgres.DSN)
		if err != nil {
			slog.Warn("tracer: postgres sink unavailable", "error", err)
		} else if err := store.EnsureSchema(context.Background()); err != nil {
			slog.Warn("tracer: postgres schema setup failed", "error", err)
			store.Close()
		} else {
			agg.SetTraceHook(func(_ traceevent.StreamID, traces []listener.CommittedTrace) {
				for _, t := range traces {
					if err := store.UpsertTrace(context.Background(), conf.Listener.TraceName, t.Signature, t.HighestID, t.Bits); err != nil {
						slog.Warn("tracer: postgres upsert failed", "error", err)
					}
				}
			})
			prevClose := closeFn
			closeFn = func() { store.Close(); prevClose() }
		}
	}

	return sinks, closeFn, relay, nil
}

// serveStatus exposes /status, /streams, /streams/{id}, /streams/{id}/commit,
// /metrics, and, when the dashboard mirror is enabled, a WebSocket
// endpoint at relayPath, all on the operator-facing status port,
// separate from the wire-protocol listen port.
func serveStatus(port string, d *dispatcher.Dispatcher, reg *prometheus.Registry, relay *wsrelay.Relay, relayPath string) {
	router := d.Router()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if relay != nil {
		router.HandleFunc(relayPath, relay.HandleWebSocket)
	}
	srv := &http.Server{Addr: "127.0.0.1:" + port, Handler: router}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Warn("tracer: status server stopped", "error", err)
	}
}
