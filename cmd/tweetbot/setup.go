package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Riyaanquadri/imrantweetbot/auditstore"
	"github.com/Riyaanquadri/imrantweetbot/dedupe"
	"github.com/Riyaanquadri/imrantweetbot/generator"
	"github.com/Riyaanquadri/imrantweetbot/orchestrator"
	"github.com/Riyaanquadri/imrantweetbot/publisher"
	"github.com/Riyaanquadri/imrantweetbot/quota"
	"github.com/Riyaanquadri/imrantweetbot/safety"
	"github.com/Riyaanquadri/imrantweetbot/util/cliutil"
	"github.com/Riyaanquadri/imrantweetbot/xapi"

	"github.com/araddon/dateparse"
	cli "github.com/urfave/cli/v2"
	"gorm.io/plugin/opentelemetry/tracing"
)

// flags for commands which run drafts through the pipeline
var pipelineFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "dry-run",
		Usage:   "run the full decision pipeline, but never call the publish API",
		Value:   true,
		EnvVars: []string{"DRY_RUN"},
	},
	&cli.IntFlag{
		Name:    "posts-per-day",
		Value:   quota.DefaultConfig().PostsPerDay,
		EnvVars: []string{"POSTS_PER_DAY"},
	},
	&cli.IntFlag{
		Name:    "monthly-write-limit",
		Usage:   "combined posts and replies per window; zero disables",
		Value:   quota.DefaultConfig().MonthlyWriteLimit,
		EnvVars: []string{"MONTHLY_WRITE_LIMIT"},
	},
	&cli.IntFlag{
		Name:    "monthly-write-limit-days",
		Value:   quota.DefaultConfig().MonthlyWriteLimitDays,
		EnvVars: []string{"MONTHLY_WRITE_LIMIT_DAYS"},
	},
	&cli.IntFlag{
		Name:    "replies-per-day",
		Value:   quota.DefaultConfig().RepliesPerDay,
		EnvVars: []string{"REPLIES_PER_DAY"},
	},
	&cli.IntFlag{
		Name:    "global-replies-per-hour",
		Value:   quota.DefaultConfig().GlobalRepliesPerHour,
		EnvVars: []string{"GLOBAL_REPLIES_PER_HOUR"},
	},
	&cli.IntFlag{
		Name:    "replies-per-user-per-hour",
		Value:   quota.DefaultConfig().RepliesPerUserPerHour,
		EnvVars: []string{"REPLIES_PER_USER_PER_HOUR"},
	},
	&cli.IntFlag{
		Name:    "duplicate-window",
		Usage:   "number of recent posts compared against for near-duplicates",
		Value:   dedupe.DefaultConfig().Window,
		EnvVars: []string{"DUPLICATE_WINDOW"},
	},
	&cli.Float64Flag{
		Name:    "duplicate-threshold",
		Value:   dedupe.DefaultConfig().Threshold,
		EnvVars: []string{"DUPLICATE_THRESHOLD"},
	},
	&cli.StringFlag{
		Name:    "safety-config",
		Usage:   "path to JSON file overriding the safety keyword lists",
		EnvVars: []string{"SAFETY_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "post-topic",
		Value:   "Project update: commits + testnet activity",
		EnvVars: []string{"POST_TOPIC"},
	},
	&cli.StringFlag{
		Name:    "ab-variants",
		Usage:   "comma separated experiment variant names, rotated between posts",
		EnvVars: []string{"AB_VARIANTS"},
	},
	&cli.StringFlag{
		Name:    "ab-variant-tones",
		Usage:   "comma separated variant:tone pairs",
		EnvVars: []string{"AB_VARIANT_TONES"},
	},
	&cli.StringFlag{
		Name:    "llm-api-url",
		Usage:   "OpenAI-compatible API base URL; if unset, posts use a static template",
		EnvVars: []string{"LLM_API_URL"},
	},
	&cli.StringFlag{
		Name:    "llm-api-key",
		EnvVars: []string{"LLM_API_KEY"},
	},
	&cli.StringFlag{
		Name:    "llm-model",
		Value:   "gpt-4o-mini",
		EnvVars: []string{"LLM_MODEL"},
	},
	&cli.StringFlag{
		Name:    "post-template",
		Usage:   "pongo2 template for posts when no model is configured (or it fails); sees topic and tone",
		EnvVars: []string{"POST_TEMPLATE"},
	},
	&cli.StringFlag{
		Name:    "reply-template",
		Usage:   "pongo2 template for replies when no model is configured (or it fails); sees mention and tone",
		EnvVars: []string{"REPLY_TEMPLATE"},
	},
}

// flags for the X API client
var xapiFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "x-api-host",
		Value:   xapi.DefaultHost,
		EnvVars: []string{"X_API_HOST"},
	},
	&cli.StringFlag{
		Name:    "x-access-token",
		Usage:   "OAuth2 user access token with tweet.write scope",
		EnvVars: []string{"X_ACCESS_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "x-user-id",
		Usage:   "numeric account id of the bot, for reading mentions",
		EnvVars: []string{"X_USER_ID"},
	},
}

func flagSet(sets ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

func openStore(cctx *cli.Context, logger *slog.Logger) (*auditstore.Store, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"), logger)
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}
	return auditstore.Open(cctx.Context, db, auditstore.DefaultConfig(), logger)
}

// newXClient returns nil if no access token is configured.
func newXClient(cctx *cli.Context, logger *slog.Logger) *xapi.Client {
	token := cctx.String("x-access-token")
	if token == "" {
		return nil
	}
	return xapi.NewClient(cctx.String("x-api-host"), token, logger)
}

func newGenerator(cctx *cli.Context, logger *slog.Logger) (generator.Generator, error) {
	var fallback generator.Generator = generator.Static{}
	if cctx.String("post-template") != "" || cctx.String("reply-template") != "" {
		tpl, err := generator.NewTemplate(cctx.String("post-template"), cctx.String("reply-template"))
		if err != nil {
			return nil, err
		}
		fallback = tpl
	}
	if cctx.String("llm-api-url") == "" {
		return fallback, nil
	}
	return &generator.Fallback{
		Primary:   generator.NewChatClient(cctx.String("llm-api-url"), cctx.String("llm-api-key"), cctx.String("llm-model"), logger),
		Secondary: fallback,
		Logger:    logger,
	}, nil
}

func newOrchestrator(cctx *cli.Context, store *auditstore.Store, xc *xapi.Client, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	safetyCfg := safety.DefaultConfig()
	if p := cctx.String("safety-config"); p != "" {
		c, err := safety.LoadConfigJSON(p)
		if err != nil {
			return nil, err
		}
		safetyCfg = c
		logger.Info("loaded safety config from JSON", "path", p)
	}
	checker, err := safety.NewChecker(safetyCfg, logger)
	if err != nil {
		return nil, err
	}

	dryRun := cctx.Bool("dry-run")
	var pub publisher.Publisher
	switch {
	case xc != nil:
		pub = xc
	case dryRun:
		pub = publisher.NewDryRun(logger)
	default:
		return nil, fmt.Errorf("publishing requires --x-access-token, or --dry-run")
	}

	return &orchestrator.Orchestrator{
		Logger: logger.With("component", "orchestrator"),
		Store:  store,
		Safety: checker,
		Quota: quota.NewManager(quota.Config{
			PostsPerDay:           cctx.Int("posts-per-day"),
			MonthlyWriteLimit:     cctx.Int("monthly-write-limit"),
			MonthlyWriteLimitDays: cctx.Int("monthly-write-limit-days"),
			RepliesPerDay:         cctx.Int("replies-per-day"),
			GlobalRepliesPerHour:  cctx.Int("global-replies-per-hour"),
			RepliesPerUserPerHour: cctx.Int("replies-per-user-per-hour"),
		}, logger),
		Dedupe: dedupe.NewDetector(store, dedupe.Config{
			Window:    cctx.Int("duplicate-window"),
			Threshold: cctx.Float64("duplicate-threshold"),
		}, logger),
		Publisher: pub,
		DryRun:    dryRun,
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: expected a duration (eg 720h) or a date (eg 2024-01-31): %w", s, err)
	}
	return t, nil
}
