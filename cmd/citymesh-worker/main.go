// citymesh-worker is a sample worker speaking the coordinator RPC: it
// registers, heartbeats on the handed-out cadence, accepts tasks from the
// heartbeat response and reports them complete. The actual work is
// simulated; real workers embed the client and plug in their engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/DrunkOnJava/citymesh/internal/server"
)

func main() {
	var (
		url      = flag.String("url", "http://127.0.0.1:7480", "coordinator base URL")
		workerID = flag.String("id", "", "worker id (required)")
		name     = flag.String("name", "", "display name (defaults to id)")
		caps     = flag.String("caps", "", "comma separated capability names")
		maxTasks = flag.Int("max-tasks", 4, "max concurrent tasks")
	)
	flag.Parse()
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *workerID == "" {
		fmt.Fprintln(os.Stderr, "citymesh-worker: -id is required")
		os.Exit(2)
	}
	display := *name
	if display == "" {
		display = *workerID
	}

	client := server.NewClient(*url)
	req := server.RegisterWorkerRequest{
		WorkerID:    *workerID,
		DisplayName: display,
		Version:     "1.0.0",
		Spec:        server.WorkerSpec{MaxConcurrentTasks: *maxTasks},
	}
	for _, c := range splitCaps(*caps) {
		req.Capabilities = append(req.Capabilities, server.WireCapability{Name: c, Version: "1.0.0"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	resp, err := client.Register(ctx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !resp.Accepted {
		fmt.Fprintf(os.Stderr, "registration refused: %s\n", resp.Reason)
		os.Exit(1)
	}
	interval := time.Duration(resp.Config.HeartbeatIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	log.Info().Str("worker", *workerID).Dur("heartbeat", interval).Msg("registered")

	run(ctx, client, *workerID, interval)
	log.Info().Msg("citymesh-worker shutting down")
}

func splitCaps(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// run heartbeats until cancelled, honoring the coordinator's directives.
func run(ctx context.Context, client *server.Client, workerID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	active := make(map[string]server.PendingTask)
	completed := 0
	failed := 0
	throttled := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids := make([]string, 0, len(active))
		for id := range active {
			ids = append(ids, id)
		}
		hb, err := client.Heartbeat(ctx, workerID, server.WorkerHealth{
			CPUUsagePercent:    sampleCPU(),
			MemoryUsageMB:      sampleMemoryMB(),
			ActiveTaskCount:    len(active),
			CompletedTaskCount: completed,
			FailedTaskCount:    failed,
			AverageTaskTimeMS:  250,
		}, ids)
		if err != nil {
			log.Warn().Err(err).Msg("heartbeat failed")
			continue
		}

		switch hb.Directive {
		case "shutdown":
			log.Warn().Msg("coordinator ordered shutdown")
			return
		case "restart":
			log.Warn().Msg("coordinator ordered restart")
			active = make(map[string]server.PendingTask)
		case "pause":
			continue
		case "throttle":
			throttled = !throttled
			if throttled {
				continue
			}
		}

		for _, t := range hb.PendingTasks {
			active[t.TaskID] = t
		}
		// Simulated execution: finish everything before the next beat.
		for id, t := range active {
			start := time.Now()
			res, err := client.ReportResult(ctx, server.TaskResultRequest{
				WorkerID: workerID,
				TaskID:   id,
				Status:   "completed",
				Metrics: server.TaskMetrics{
					StartTimeMS: start.UnixMilli(),
					EndTimeMS:   time.Now().UnixMilli(),
				},
			})
			if err != nil || !res.Acknowledged {
				log.Warn().Err(err).Str("task", id).Msg("result rejected")
				failed++
			} else {
				log.Info().Str("task", id).Str("type", t.Type).Msg("task completed")
				completed++
			}
			delete(active, id)
		}
	}
}

func sampleCPU() float64 {
	// Rough stand-in for a real sampler.
	return float64(10 + runtime.NumGoroutine()%20)
}

func sampleMemoryMB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Alloc / (1 << 20)
}
