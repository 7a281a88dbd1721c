package main

import (
	"log/slog"
	"os"

	"github.com/Riyaanquadri/imrantweetbot/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "tweetbot",
		Usage:   "drafts, checks and publishes project updates, with a human review queue",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "audit log database (sqlite:// or postgres://)",
			Value:   "sqlite://data/tweetbot/audit.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   4,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"TWEETBOT_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "text or json",
			EnvVars: []string{"TWEETBOT_LOG_FMT"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		runCmd,
		reviewCmd,
		statsCmd,
		exportCmd,
		reportCmd,
		refreshMetricsCmd,
		postCmd,
	}

	return app.Run(args)
}
