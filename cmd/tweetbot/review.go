package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/Riyaanquadri/imrantweetbot/jobs"
	"github.com/Riyaanquadri/imrantweetbot/orchestrator"

	cli "github.com/urfave/cli/v2"
)

var reviewCmd = &cli.Command{
	Name:  "review",
	Usage: "list and resolve drafts in the review queue",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list review queue entries, highest priority and oldest first",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "all",
					Usage: "include entries which were already reviewed",
				},
				&cli.BoolFlag{
					Name:  "json",
					Usage: "print JSON instead of a table",
				},
			},
			Action: runReviewList,
		},
		{
			Name:      "approve",
			Usage:     "approve a draft for posting",
			ArgsUsage: "<draft-id>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "reviewer",
					Value:   "owner",
					EnvVars: []string{"TWEETBOT_REVIEWER"},
				},
				&cli.StringFlag{
					Name: "notes",
				},
			},
			Action: runReviewApprove,
		},
		{
			Name:      "reject",
			Usage:     "reject a draft",
			ArgsUsage: "<draft-id>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "reviewer",
					Value:   "owner",
					EnvVars: []string{"TWEETBOT_REVIEWER"},
				},
				&cli.StringFlag{
					Name: "reason",
				},
				&cli.StringFlag{
					Name: "notes",
				},
			},
			Action: runReviewReject,
		},
	},
}

var statsCmd = &cli.Command{
	Name:   "stats",
	Usage:  "print aggregate counts from the audit log",
	Action: runStats,
}

var exportCmd = &cli.Command{
	Name:  "export",
	Usage: "write the full audit log as JSON",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "file path, or '-' for stdout",
			Value:   "-",
		},
	},
	Action: runExport,
}

var reportCmd = &cli.Command{
	Name:  "report",
	Usage: "engagement per A/B variant, and duplicate suppression rate",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "since",
			Usage: "duration (eg 720h) or date (YYYY-MM-DD); empty for all time",
			Value: "720h",
		},
		&cli.BoolFlag{
			Name: "json",
		},
		&cli.BoolFlag{
			Name: "csv",
		},
	},
	Action: runReport,
}

var refreshMetricsCmd = &cli.Command{
	Name:  "refresh-metrics",
	Usage: "fetch current engagement counters for recorded posts",
	Flags: flagSet(xapiFlags, []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Value: 500,
		},
	}),
	Action: runRefreshMetrics,
}

var postCmd = &cli.Command{
	Name:  "post",
	Usage: "publish an approved draft, or draft and submit one new post now",
	Flags: flagSet(pipelineFlags, xapiFlags, []cli.Flag{
		&cli.UintFlag{
			Name:  "draft-id",
			Usage: "approved draft to publish; if unset, a new post is generated",
		},
	}),
	Action: runPost,
}

func draftArg(cctx *cli.Context) (uint, error) {
	s := cctx.Args().First()
	if s == "" {
		return 0, fmt.Errorf("expected a draft id argument")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid draft id: %q", s)
	}
	return uint(id), nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func truncateText(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func runReviewList(cctx *cli.Context) error {
	store, err := openStore(cctx, slog.Default())
	if err != nil {
		return err
	}
	items, err := store.GetReviewQueue(cctx.Context, !cctx.Bool("all"))
	if err != nil {
		return err
	}
	if cctx.Bool("json") {
		return printJSON(os.Stdout, items)
	}
	if len(items) == 0 {
		fmt.Println("review queue is empty")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DRAFT\tPRIORITY\tREASON\tSTATUS\tQUEUED\tFLAGS\tTEXT")
	for _, it := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			it.DraftID,
			it.Priority,
			it.Reason,
			it.Status,
			it.CreatedAt.Local().Format("2006-01-02 15:04"),
			strings.Join(it.SafetyFlags, ","),
			truncateText(it.Text, 60),
		)
	}
	return tw.Flush()
}

func runReviewApprove(cctx *cli.Context) error {
	id, err := draftArg(cctx)
	if err != nil {
		return err
	}
	store, err := openStore(cctx, slog.Default())
	if err != nil {
		return err
	}
	if err := store.ApproveForPosting(cctx.Context, id, cctx.String("reviewer"), cctx.String("notes")); err != nil {
		return err
	}
	fmt.Printf("draft %d approved; it will be published by the next approved-draft run (or: tweetbot post --draft-id %d)\n", id, id)
	return nil
}

func runReviewReject(cctx *cli.Context) error {
	id, err := draftArg(cctx)
	if err != nil {
		return err
	}
	store, err := openStore(cctx, slog.Default())
	if err != nil {
		return err
	}
	if err := store.RejectDraft(cctx.Context, id, cctx.String("reviewer"), cctx.String("reason"), cctx.String("notes")); err != nil {
		return err
	}
	fmt.Printf("draft %d rejected\n", id)
	return nil
}

func runStats(cctx *cli.Context) error {
	store, err := openStore(cctx, slog.Default())
	if err != nil {
		return err
	}
	st, err := store.Stats(cctx.Context)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, st)
}

func runExport(cctx *cli.Context) error {
	store, err := openStore(cctx, slog.Default())
	if err != nil {
		return err
	}
	out := cctx.String("output")
	if out == "" || out == "-" {
		return store.Export(cctx.Context, os.Stdout)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := store.Export(cctx.Context, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("exported audit log", "path", out)
	return nil
}

func runReport(cctx *cli.Context) error {
	since, err := parseSince(cctx.String("since"))
	if err != nil {
		return err
	}
	store, err := openStore(cctx, slog.Default())
	if err != nil {
		return err
	}
	rep, err := store.EngagementReport(cctx.Context, since)
	if err != nil {
		return err
	}

	switch {
	case cctx.Bool("json"):
		return printJSON(os.Stdout, rep)
	case cctx.Bool("csv"):
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"variant", "total_posts", "avg_engagement", "avg_likes", "avg_reposts", "avg_replies"})
		for _, v := range rep.Variants {
			w.Write([]string{
				v.Variant,
				strconv.FormatInt(v.TotalPosts, 10),
				strconv.FormatFloat(v.AvgEngagement, 'f', 2, 64),
				strconv.FormatFloat(v.AvgLikes, 'f', 2, 64),
				strconv.FormatFloat(v.AvgReposts, 'f', 2, 64),
				strconv.FormatFloat(v.AvgReplies, 'f', 2, 64),
			})
		}
		w.Flush()
		return w.Error()
	}

	fmt.Printf("posts since %s: %d\n", rep.Since.Local().Format("2006-01-02"), rep.TotalPosted)
	fmt.Printf("duplicates suppressed: %d of %d drafts (%.1f%%)\n\n", rep.Duplicates.Count, rep.Duplicates.TotalGenerated, rep.Duplicates.Rate*100)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIANT\tPOSTS\tAVG ENGAGEMENT\tLIKES\tREPOSTS\tREPLIES")
	for _, v := range rep.Variants {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\n", v.Variant, v.TotalPosts, v.AvgEngagement, v.AvgLikes, v.AvgReposts, v.AvgReplies)
	}
	return tw.Flush()
}

func runRefreshMetrics(cctx *cli.Context) error {
	logger := slog.Default()
	xc := newXClient(cctx, logger)
	if xc == nil {
		return fmt.Errorf("refresh-metrics requires --x-access-token")
	}
	store, err := openStore(cctx, logger)
	if err != nil {
		return err
	}
	j := &jobs.EngagementJob{
		Logger:      logger,
		Store:       store,
		Source:      xc,
		Limit:       cctx.Int("limit"),
		Concurrency: 2,
	}
	n, err := j.Refresh(cctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("updated engagement for %d posts\n", n)
	return nil
}

func runPost(cctx *cli.Context) error {
	logger := slog.Default()
	store, err := openStore(cctx, logger)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cctx, store, newXClient(cctx, logger), logger)
	if err != nil {
		return err
	}

	if id := cctx.Uint("draft-id"); id != 0 {
		dec, err := orch.PublishApproved(cctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, dec)
	}

	gen, err := newGenerator(cctx, logger)
	if err != nil {
		return err
	}
	variants := jobs.ParseVariants(cctx.String("ab-variants"), cctx.String("ab-variant-tones"))
	var tone, variant string
	if len(variants) > 0 {
		variant, tone = variants[0].Name, variants[0].Tone
	}
	text, err := gen.GenerateText(cctx.Context, cctx.String("post-topic"), tone)
	if err != nil {
		return err
	}
	dec, err := orch.SubmitPost(cctx.Context, orchestrator.PostRequest{
		Text:    text,
		Context: cctx.String("post-topic"),
		Variant: variant,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, dec)
}
