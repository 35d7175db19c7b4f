// Command loadtest drives concurrent fake probe connections against a
// running tracer dispatcher, to exercise the concurrency model spec §5
// describes: one goroutine per connection, independent commit on EOF.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/probeid"
	"github.com/ocx/tracer/internal/wire"
)

type LoadTestConfig struct {
	Addr           string
	NumConnections int
	Concurrency    int
	FiringsPerConn int
	ReportInterval time.Duration
}

type LoadTestStats struct {
	TotalConnections   uint64
	AcceptedConnection uint64
	RejectedConnection uint64
	TotalFirings       uint64
	MaxLatency         time.Duration
	MinLatency         time.Duration
}

func main() {
	addr := flag.String("addr", "127.0.0.1:4712", "dispatcher address")
	numConns := flag.Int("conns", 200, "number of simulated probe connections")
	concurrency := flag.Int("concurrency", 50, "concurrent connections in flight")
	firings := flag.Int("firings", 20, "probe firings per connection")
	reportInterval := flag.Duration("report", 2*time.Second, "stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		Addr:           *addr,
		NumConnections: *numConns,
		Concurrency:    *concurrency,
		FiringsPerConn: *firings,
		ReportInterval: *reportInterval,
	}

	slog.Info("starting dispatcher load test", "addr", config.Addr,
		"connections", config.NumConnections, "concurrency", config.Concurrency)
	stats := runLoadTest(config)
	printResults(config, stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{MinLatency: time.Hour}
	var latenciesMu sync.Mutex
	var latencies []time.Duration

	connChan := make(chan int, config.NumConnections)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for connID := range connChan {
				simulateConnection(config, workerID, connID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumConnections; i++ {
		connChan <- i
	}
	close(connChan)
	wg.Wait()

	return stats
}

func simulateConnection(config LoadTestConfig, workerID, connID int, stats *LoadTestStats, latencies *[]time.Duration, mu *sync.Mutex) {
	atomic.AddUint64(&stats.TotalConnections, 1)
	start := time.Now()

	conn, err := net.DialTimeout("tcp", config.Addr, 2*time.Second)
	if err != nil {
		atomic.AddUint64(&stats.RejectedConnection, 1)
		return
	}
	defer conn.Close()

	if err := wire.WriteHandshakeRequest(conn, wire.HandshakeRequest{
		ObjectType: 1,
		InstMode:   int32(instmode.Compatible),
	}); err != nil {
		atomic.AddUint64(&stats.RejectedConnection, 1)
		return
	}

	resp, err := wire.ReadHandshakeResponse(conn, false)
	if err != nil || !resp.Accepted() {
		atomic.AddUint64(&stats.RejectedConnection, 1)
		return
	}
	atomic.AddUint64(&stats.AcceptedConnection, 1)

	if err := wire.WriteSendBufferCapacity(conn, 64); err != nil {
		return
	}

	sig := fmt.Sprintf("LoadTest.worker%d()V", workerID)
	for f := 0; f < config.FiringsPerConn; f++ {
		body := wire.TraceMsgBody{PackedID: int32(probeid.Pack(0, uint32(f+1))), Signature: sig}
		payload, err := body.Marshal()
		if err != nil {
			break
		}
		if err := wire.WriteFrame(conn, payload); err != nil {
			break
		}
		atomic.AddUint64(&stats.TotalFirings, 1)
	}

	latency := time.Since(start)
	mu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	mu.Unlock()
	_ = connID
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("load test progress",
				"total", atomic.LoadUint64(&stats.TotalConnections),
				"accepted", atomic.LoadUint64(&stats.AcceptedConnection),
				"rejected", atomic.LoadUint64(&stats.RejectedConnection),
				"firings", atomic.LoadUint64(&stats.TotalFirings))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(config LoadTestConfig, stats *LoadTestStats) {
	separator := "--------------------------------------------------------------------------------"
	fmt.Println(separator)
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Connections attempted:  %d\n", stats.TotalConnections)
	fmt.Printf("Accepted:               %d\n", stats.AcceptedConnection)
	fmt.Printf("Rejected:               %d\n", stats.RejectedConnection)
	fmt.Printf("Firings sent:           %d\n", stats.TotalFirings)
	fmt.Printf("Latency (min/max):      %v / %v\n", stats.MinLatency, stats.MaxLatency)
	fmt.Println(separator)
}
