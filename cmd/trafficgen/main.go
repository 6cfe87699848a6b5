package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/secureflow/secureflow-ids/internal/generator"
)

var (
	eventsProduced uint64 // Atomic counter to track EPS across all goroutines
)

func main() {
	cfg, err := generator.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("Failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))
	slog.Info("Starting traffic generator", "sink", cfg.Sink)

	sink, err := newSink(cfg)
	if err != nil {
		slog.Error("Failed to initialize sink", "sink", cfg.Sink, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Warn("Failed to close sink", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Traffic generator configured",
		"workers", cfg.WorkerCount,
		"target_eps", cfg.EPSTarget,
		"chaos_mode", cfg.ChaosMode,
		"port_scan_every", cfg.PortScanEvery)

	// Spread the EPS target evenly over the workers
	epsPerWorker := float64(cfg.EPSTarget) / float64(cfg.WorkerCount)
	delayPerEvent := time.Duration(float64(time.Second) / epsPerWorker)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go worker(ctx, i, cfg, sink, delayPerEvent, &wg)
	}

	if cfg.ChaosMode && cfg.PortScanEvery > 0 && cfg.PortScanPorts > 0 {
		wg.Add(1)
		go portScanAttacker(ctx, cfg, sink, &wg)
	}

	go monitorEPS(ctx)

	<-ctx.Done()
	slog.Info("Shutdown signal received, flushing and exiting")
	wg.Wait()
	slog.Info("Traffic generator stopped")
}

func newSink(cfg *generator.Config) (generator.Sink, error) {
	switch cfg.Sink {
	case "kafka":
		producer, err := generator.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		return generator.NewKafkaSink(producer, cfg.KafkaTopic), nil
	case "http":
		return generator.NewHTTPSink(cfg.HTTPURL, cfg.HTTPTimeout), nil
	default:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("secureflow-trafficgen"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, err
		}
		return &natsSink{NATSSink: generator.NewNATSSink(nc, cfg.NATSSubject), conn: nc}, nil
	}
}

// natsSink closes the connection after the final flush
type natsSink struct {
	*generator.NATSSink
	conn *nats.Conn
}

func (s *natsSink) Close() error {
	defer s.conn.Close()
	return s.NATSSink.Close()
}

// worker emits the mixed benign/attack stream at a fixed rate
func worker(ctx context.Context, id int, cfg *generator.Config, sink generator.Sink, delay time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	gen := generator.New(time.Now().UnixNano()+int64(id), cfg.ChaosMode, cfg.Mix())
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := gen.Next()
			if err := sink.Send(ctx, ev); err != nil {
				slog.Warn("Failed to send event", "worker_id", id, "kind", ev.Kind, "error", err)
				continue
			}
			atomic.AddUint64(&eventsProduced, 1)
			if ev.Kind != generator.KindBenign {
				slog.Debug("Attack event sent", "worker_id", id, "kind", ev.Kind, "source_ip", ev.SourceIP)
			}
		}
	}
}

// portScanAttacker periodically sweeps a range of ports from one source
func portScanAttacker(ctx context.Context, cfg *generator.Config, sink generator.Sink, wg *sync.WaitGroup) {
	defer wg.Done()

	r := rand.New(rand.NewSource(time.Now().UnixNano() + 999))
	gen := generator.New(r.Int63(), true, cfg.Mix())
	jitter := func() time.Duration {
		return cfg.PortScanEvery/2 + time.Duration(r.Int63n(int64(cfg.PortScanEvery)))
	}

	timer := time.NewTimer(jitter())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			attacker, target := gen.Attacker(), gen.Target()
			slog.Warn("Injecting port scan", "source_ip", attacker, "destination_ip", target, "ports", cfg.PortScanPorts)

			from := 1 + r.Intn(65536-cfg.PortScanPorts)
			for _, ev := range gen.PortScan(attacker, target, from, from+cfg.PortScanPorts) {
				if ctx.Err() != nil {
					return
				}
				if err := sink.Send(ctx, ev); err != nil {
					slog.Warn("Failed to send scan probe", "error", err)
					continue
				}
				atomic.AddUint64(&eventsProduced, 1)
				time.Sleep(2 * time.Millisecond)
			}
			timer.Reset(jitter())
		}
	}
}

// monitorEPS logs the events produced per second
func monitorEPS(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := atomic.SwapUint64(&eventsProduced, 0)
			slog.Info("Throughput", "eps", current)
		}
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
