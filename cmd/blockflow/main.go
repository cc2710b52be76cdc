package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
)

const (
	flagConfig            = "config"
	flagListen            = "listen"
	flagDB                = "db"
	flagLogLevel          = "log-level"
	flagLogFormat         = "log-format"
	flagMetrics           = "metrics"
	flagMCP               = "mcp"
	flagEventTopic        = "event-topic"
	flagSchedulerInterval = "scheduler-interval"
	flagErrorHandling     = "error-handling"
	flagDefaultTimeout    = "default-timeout"
	flagRetention         = "retention"
)

func main() {
	cmd := &cli.Command{
		Name:                  "blockflow",
		Usage:                 "Compile and execute block workflows",
		Version:               version,
		EnableShellCompletion: true,
		Flags:                 globalFlags(),
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			compileCommand(),
			runCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Usage:   "Path to settings.json (default ~/.blockflow/settings.json)",
			Sources: cli.EnvVars("BLOCKFLOW_CONFIG"),
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("BLOCKFLOW_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    flagLogFormat,
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("BLOCKFLOW_LOG_FORMAT"),
		},
		&cli.StringFlag{
			Name:    flagDB,
			Usage:   "libSQL database path; empty keeps results in memory only",
			Sources: cli.EnvVars("BLOCKFLOW_DB_PATH"),
		},
		&cli.StringFlag{
			Name:    flagErrorHandling,
			Usage:   "Default error handling (stop, continue, skip-branch)",
			Sources: cli.EnvVars("BLOCKFLOW_ERROR_HANDLING"),
		},
		&cli.DurationFlag{
			Name:    flagDefaultTimeout,
			Usage:   "Invocation timeout for nodes without their own",
			Sources: cli.EnvVars("BLOCKFLOW_DEFAULT_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    flagRetention,
			Usage:   "How long finished results stay in memory",
			Sources: cli.EnvVars("BLOCKFLOW_RETENTION"),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, MCP endpoint and scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagListen,
				Aliases: []string{"l"},
				Usage:   "Address to listen on",
				Value:   ":4200",
				Sources: cli.EnvVars("BLOCKFLOW_LISTEN_ADDR"),
			},
			&cli.BoolFlag{
				Name:    flagMetrics,
				Usage:   "Expose Prometheus metrics on /metrics",
				Value:   true,
				Sources: cli.EnvVars("BLOCKFLOW_METRICS"),
			},
			&cli.BoolFlag{
				Name:    flagMCP,
				Usage:   "Mount the MCP streamable HTTP endpoint on /mcp",
				Value:   true,
				Sources: cli.EnvVars("BLOCKFLOW_MCP"),
			},
			&cli.StringFlag{
				Name:    flagEventTopic,
				Usage:   "Publish execution events on this message bus topic",
				Sources: cli.EnvVars("BLOCKFLOW_EVENT_TOPIC"),
			},
			&cli.DurationFlag{
				Name:    flagSchedulerInterval,
				Usage:   "How often scheduled jobs are checked",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("BLOCKFLOW_SCHEDULER_INTERVAL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(ctx, cmd, cfg)
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools over stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serveStdio(ctx, cfg)
		},
	}
}

func compileCommand() *cli.Command {
	return &cli.Command{
		Name:      "compile",
		Usage:     "Validate a workflow document and print its plan",
		ArgsUsage: "<workflow.json | ->",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return compileWorkflow(cmd.Root().Writer, cmd.Args().First(), cfg)
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow document and print its result tree",
		ArgsUsage: "<workflow.json | ->",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "inputs",
				Usage: "Run inputs as a JSON object",
			},
			&cli.StringFlag{
				Name:  "inputs-file",
				Usage: "Read run inputs from a JSON file",
			},
			&cli.StringFlag{
				Name:  "execution-id",
				Usage: "Use this execution id instead of a generated one",
			},
			&cli.BoolFlag{
				Name:  "events",
				Usage: "Print the execution event history to stderr as JSON lines",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Cancel the run after this long (0 waits forever)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWorkflow(ctx, cmd, cfg)
		},
	}
}
