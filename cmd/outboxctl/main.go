// Command outboxctl даёт операционный доступ к компенсационному outbox и DLQ.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/vladislavdragonenkov/ordering/internal/messaging/kafka"
)

func main() {
	if err := newCommand(os.Stdout).Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dsnFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "dsn",
		Usage:    "PostgreSQL DSN",
		Sources:  cli.EnvVars("ORDERING_POSTGRES_DSN"),
		Required: true,
	}
}

func newCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "outboxctl",
		Usage: "Inspect and requeue undelivered facts",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List outbox entries",
				Flags: []cli.Flag{
					dsnFlag(),
					&cli.StringFlag{Name: "status", Usage: "pending|terminal|delivered|superseded"},
					&cli.StringFlag{Name: "target", Usage: "customer-account|staff-product|invoicing|review"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "max entries to print"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withInspector(ctx, cmd.String("dsn"), func(ctx context.Context, i inspector) error {
						return runList(ctx, i, out, cmd.String("status"), cmd.String("target"), int(cmd.Int("limit")))
					})
				},
			},
			{
				Name:  "stats",
				Usage: "Show outbox backlog",
				Flags: []cli.Flag{dsnFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withInspector(ctx, cmd.String("dsn"), func(ctx context.Context, i inspector) error {
						return runStats(ctx, i, out, time.Now())
					})
				},
			},
			{
				Name:      "requeue",
				Usage:     "Make entries due for the dispatcher immediately",
				ArgsUsage: "<outbox-id>...",
				Flags:     []cli.Flag{dsnFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withInspector(ctx, cmd.String("dsn"), func(ctx context.Context, i inspector) error {
						return runRequeue(ctx, i, out, cmd.Args().Slice())
					})
				},
			},
			{
				Name:  "replay-dlq",
				Usage: "Replay consumer dead letters to their original topic (dry-run by default)",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:     "brokers",
						Usage:    "Kafka brokers",
						Sources:  cli.EnvVars("KAFKA_BROKERS"),
						Required: true,
					},
					&cli.StringFlag{Name: "source-topic", Value: kafka.TopicDeadLetterQueue, Usage: "DLQ topic"},
					&cli.IntFlag{Name: "limit", Value: defaultReplayLimit, Usage: "max messages to scan"},
					&cli.BoolFlag{Name: "execute", Usage: "publish messages; default is dry-run"},
					&cli.DurationFlag{Name: "idle-timeout", Value: defaultIdleTimeout, Usage: "idle timeout per partition"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := replayConfig{
						brokers:     cmd.StringSlice("brokers"),
						sourceTopic: cmd.String("source-topic"),
						limit:       int(cmd.Int("limit")),
						execute:     cmd.Bool("execute"),
						idleTimeout: cmd.Duration("idle-timeout"),
					}
					if err := cfg.validate(); err != nil {
						return err
					}
					return runReplayCommand(ctx, cfg, out)
				},
			},
		},
	}
}
