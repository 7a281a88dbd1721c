package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/jobs"
	"github.com/Riyaanquadri/imrantweetbot/scheduler"
	"github.com/Riyaanquadri/imrantweetbot/seenstore"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the bot: scheduled posts, mention replies, approved drafts, and the review API",
	Flags: flagSet(pipelineFlags, xapiFlags, []cli.Flag{
		&cli.DurationFlag{
			Name:    "post-interval",
			Value:   3 * time.Hour,
			EnvVars: []string{"POST_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "mention-poll-interval",
			Value:   time.Minute,
			EnvVars: []string{"MENTION_POLL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "approved-interval",
			Usage:   "how often to publish drafts approved in the review queue",
			Value:   5 * time.Minute,
			EnvVars: []string{"APPROVED_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "engagement-interval",
			Value:   time.Hour,
			EnvVars: []string{"ENGAGEMENT_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "misfire-grace",
			Usage:   "a job firing delayed longer than this is skipped",
			Value:   5 * time.Minute,
			EnvVars: []string{"MISFIRE_GRACE"},
		},
		&cli.StringFlag{
			Name:    "project-keywords",
			Usage:   "comma separated; only mentions containing one of these are answered",
			EnvVars: []string{"PROJECT_KEYWORDS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "if set, answered mentions are remembered in redis instead of in-process",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the review API; disabled if empty",
			EnvVars: []string{"TWEETBOT_BIND"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token required by review API endpoints",
			EnvVars: []string{"TWEETBOT_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"TWEETBOT_METRICS_LISTEN"},
		},
	}),
	Action: runBot,
}

func runBot(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	shutdownOTEL, err := configOTEL(ctx, "tweetbot")
	if err != nil {
		return err
	}
	defer shutdownOTEL()

	store, err := openStore(cctx, logger)
	if err != nil {
		return err
	}
	xc := newXClient(cctx, logger)
	orch, err := newOrchestrator(cctx, store, xc, logger)
	if err != nil {
		return err
	}
	gen, err := newGenerator(cctx, logger)
	if err != nil {
		return err
	}
	if orch.DryRun {
		logger.Warn("dry run: drafts will not be published")
	}

	sched := scheduler.New(cctx.Duration("misfire-grace"), logger)

	postJob := &jobs.PostJob{
		Logger:    logger.With("job", "post"),
		Orch:      orch,
		Generator: gen,
		Topic:     cctx.String("post-topic"),
		Variants:  jobs.ParseVariants(cctx.String("ab-variants"), cctx.String("ab-variant-tones")),
	}
	if err := sched.Every("post", cctx.Duration("post-interval"), postJob.Run); err != nil {
		return err
	}

	approvedJob := &jobs.ApprovedJob{Logger: logger.With("job", "approved"), Orch: orch, Store: store}
	if err := sched.Every("approved", cctx.Duration("approved-interval"), approvedJob.Run); err != nil {
		return err
	}

	if xc != nil && cctx.String("x-user-id") != "" {
		var seen seenstore.SeenStore
		if u := cctx.String("redis-url"); u != "" {
			rs, err := seenstore.NewRedisSeenStore(u, 30*24*time.Hour)
			if err != nil {
				return fmt.Errorf("initializing redis seen store: %w", err)
			}
			seen = rs
		} else {
			seen = seenstore.NewMemSeenStore(100_000, 30*24*time.Hour)
		}
		mentionJob := &jobs.MentionJob{
			Logger:    logger.With("job", "mentions"),
			Orch:      orch,
			Generator: gen,
			Source:    xc,
			Seen:      seen,
			UserID:    cctx.String("x-user-id"),
			Keywords:  splitList(cctx.String("project-keywords")),
		}
		if err := sched.Every("mentions", cctx.Duration("mention-poll-interval"), mentionJob.Run); err != nil {
			return err
		}
	} else {
		logger.Info("mention replies disabled (no --x-access-token or --x-user-id)")
	}

	if xc != nil {
		engagementJob := &jobs.EngagementJob{
			Logger:      logger.With("job", "engagement"),
			Store:       store,
			Source:      xc,
			StaleAfter:  cctx.Duration("engagement-interval"),
			Concurrency: 2,
		}
		if err := sched.Every("engagement", cctx.Duration("engagement-interval"), engagementJob.Run); err != nil {
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return runMetrics(ctx, cctx.String("metrics-listen"))
	})
	if bind := cctx.String("bind"); bind != "" {
		api := NewReviewServer(store, orch, cctx.String("admin-token"), logger)
		eg.Go(func() error {
			return api.Run(ctx, bind)
		})
	}

	sched.Start()
	logger.Info("tweetbot running")
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sched.Stop(sctx)
	})
	return eg.Wait()
}

// runMetrics serves prometheus metrics until ctx is done.
func runMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}
