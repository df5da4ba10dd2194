package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/VenobyTo/extractqueue"
	"github.com/VenobyTo/extractqueue/internal/config"
	"github.com/VenobyTo/extractqueue/internal/server"
)

func runExtraction(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return err
	}
	if err := applyOverrides(c, cfg); err != nil {
		return err
	}

	options := []extractqueue.Option{
		extractqueue.SetLogger(log.With(logger, "component", "queue")),
	}
	if cfg.Redis.Addr != "" {
		pub := extractqueue.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Namespace, cfg.Redis.Password, cfg.Redis.DB)
		if err := pub.Ping(); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "publishing events", "channel", pub.Channel())
		options = append(options, extractqueue.SetPublisher(pub))
	}
	q := extractqueue.NewExtractionQueue(options...)

	for _, t := range cfg.Tasks() {
		if err := q.Add(t); err != nil {
			return err
		}
	}

	sim := newSimulator(c.Int64(flagSeed), cfg.FailureRate, cfg.PollInterval)
	m := extractqueue.NewManager(q, sim.Extract,
		extractqueue.SetManagerLogger(log.With(logger, "component", "manager")),
		extractqueue.SetConcurrency(cfg.Workers),
		extractqueue.SetPollInterval(cfg.PollInterval),
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTPAddr != "" {
		srv := server.New(log.With(logger, "component", "server"), q, cfg.HTTPAddr)
		g.Go(srv.Serve)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := waitForDrain(gctx, q, cfg.StatsInterval, logger)
		if closeErr := m.CloseWithTimeout(cfg.ShutdownTimeout); closeErr != nil && err == nil {
			err = closeErr
		}
		// Stop the web server, too.
		stop()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	st := q.Stats()
	level.Info(logger).Log("msg", "exiting",
		"completed", st.Completed, "failed", st.Failed, "pending", st.Pending, "retried", st.Retried)
	return nil
}

func applyOverrides(c *cli.Context, cfg *config.Config) error {
	if n := c.Int(flagWorkers); n > 0 {
		cfg.Workers = n
	}
	if rate := c.Float64(flagFailureRate); rate >= 0 {
		cfg.FailureRate = rate
	}
	if addr := c.String(flagRedis); addr != "" {
		cfg.Redis.Addr = addr
	}
	if addr := c.String(flagHTTPAddr); addr != "" {
		cfg.HTTPAddr = addr
	}
	return cfg.Validate()
}

// waitForDrain logs stats periodically and returns once no task is
// pending or processing anymore.
func waitForDrain(ctx context.Context, q *extractqueue.ExtractionQueue, interval time.Duration, logger log.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	defer close(done)

	events := q.Watch(done, interval)
	for {
		st := q.Stats()
		if st.Pending == 0 && st.Processing == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type == extractqueue.QueueStats {
				level.Info(logger).Log("msg", "stats",
					"pending", e.Stats.Pending,
					"processing", e.Stats.Processing,
					"completed", e.Stats.Completed,
					"failed", e.Stats.Failed,
					"retried", e.Stats.Retried)
			}
		}
	}
}
