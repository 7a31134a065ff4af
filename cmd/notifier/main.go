// Command notifier runs queue maintenance by hand.
// Usage: notifier send [--limit N] | stats [--output json] | cleanup [--days N]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/kursadbilgin/sms-notifier/internal/app"
	"github.com/kursadbilgin/sms-notifier/internal/config"
	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"github.com/kursadbilgin/sms-notifier/internal/sender"
)

// Exit codes follow sysexits.h.
const (
	exitOK          = 0
	exitUnexpected  = 1
	exitDataErr     = 65
	exitUnavailable = 69
)

const usage = `Usage: notifier <command> [flags]

Commands:
  send     [--limit N]       dispatch up to N ready notifications (default 100)
  stats    [--output json]   print queue and sender statistics
  cleanup  [--days N]        delete sent notifications older than N days (default 30)
`

type dispatcher interface {
	RunBatch(ctx context.Context, limit int) (*domain.BatchResult, error)
}

type queue interface {
	Statistics(ctx context.Context) (domain.QueueStats, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

type senderStats interface {
	Stats(ctx context.Context) (sender.Stats, error)
}

type deps struct {
	dispatcher dispatcher
	queue      queue
	sender     senderStats
}

type opener func() (*deps, func(), error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, openApp)
	stop()
	os.Exit(code)
}

func openApp() (*deps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	return &deps{dispatcher: a.Dispatcher, queue: a.Queue, sender: a.Sender}, func() {
		a.Close()
		_ = logger.Sync()
	}, nil
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer, open opener) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitDataErr
	}

	var (
		cmd      func(ctx context.Context, d *deps, stdout io.Writer) error
		validate func() error
	)
	fs := flag.NewFlagSet("notifier "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)

	switch args[0] {
	case "send":
		limit := fs.Int("limit", 100, "maximum notifications to dispatch")
		validate = func() error { return positive("--limit", *limit) }
		cmd = func(ctx context.Context, d *deps, stdout io.Writer) error {
			return runSend(ctx, d, stdout, *limit)
		}
	case "stats":
		output := fs.String("output", "text", "output format: text or json")
		validate = func() error {
			if *output != "text" && *output != "json" {
				return fmt.Errorf("%w: --output must be text or json", domain.ErrInvalidArgument)
			}
			return nil
		}
		cmd = func(ctx context.Context, d *deps, stdout io.Writer) error {
			return runStats(ctx, d, stdout, *output)
		}
	case "cleanup":
		days := fs.Int("days", 30, "retention in days for sent notifications")
		validate = func() error { return positive("--days", *days) }
		cmd = func(ctx context.Context, d *deps, stdout io.Writer) error {
			return runCleanup(ctx, d, stdout, *days)
		}
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n%s", args[0], usage)
		return exitDataErr
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitDataErr
	}
	if err := validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	d, closeFn, err := open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	defer closeFn()

	if err := cmd(ctx, d, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func runSend(ctx context.Context, d *deps, stdout io.Writer, limit int) error {
	result, err := d.dispatcher.RunBatch(ctx, limit)
	if err != nil {
		return err
	}

	if !result.HasProcessed() {
		fmt.Fprintln(stdout, "No notifications ready to send.")
		return nil
	}

	fmt.Fprintf(stdout, "Processed: %d\n", result.TotalProcessed)
	fmt.Fprintf(stdout, "Sent:      %d\n", result.SuccessCount)
	fmt.Fprintf(stdout, "Failed:    %d\n", result.FailedCount)
	fmt.Fprintf(stdout, "Success:   %.1f%%\n", result.SuccessRate())

	if len(result.Errors) > 0 {
		ids := make([]string, 0, len(result.Errors))
		for id := range result.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintln(stdout, "Errors:")
		for _, id := range ids {
			fmt.Fprintf(stdout, "  %s: %s\n", id, result.Errors[id])
		}
	}
	return nil
}

type statsOutput struct {
	Queue  domain.QueueStats `json:"queue"`
	Sender sender.Stats      `json:"sender"`
}

func runStats(ctx context.Context, d *deps, stdout io.Writer, output string) error {
	queueStats, err := d.queue.Statistics(ctx)
	if err != nil {
		return err
	}
	senderStats, err := d.sender.Stats(ctx)
	if err != nil {
		return err
	}

	if output == "json" {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(statsOutput{Queue: queueStats, Sender: senderStats})
	}

	fmt.Fprintln(stdout, "Queue:")
	fmt.Fprintf(stdout, "  pending:    %d\n", queueStats.Pending)
	fmt.Fprintf(stdout, "  processing: %d\n", queueStats.Processing)
	fmt.Fprintf(stdout, "  sent:       %d\n", queueStats.Sent)
	fmt.Fprintf(stdout, "  failed:     %d\n", queueStats.Failed)
	fmt.Fprintf(stdout, "  total:      %d\n", queueStats.Total)
	fmt.Fprintf(stdout, "Sender (%s):\n", senderStats.Provider)
	fmt.Fprintf(stdout, "  available:     %t\n", senderStats.Available)
	fmt.Fprintf(stdout, "  circuit open:  %t (%d/%d failures)\n",
		senderStats.CircuitOpen, senderStats.RecentFailures, senderStats.FailureThreshold)
	fmt.Fprintf(stdout, "  rate:          %d/%d per window\n", senderStats.RequestsLastMinute, senderStats.RateLimit)
	return nil
}

func runCleanup(ctx context.Context, d *deps, stdout io.Writer, days int) error {
	deleted, err := d.queue.Cleanup(ctx, days)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Deleted %d sent notifications older than %d days.\n", deleted, days)
	return nil
}

func positive(name string, value int) error {
	if value < 1 {
		return fmt.Errorf("%w: %s must be >= 1", domain.ErrInvalidArgument, name)
	}
	return nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrServiceUnavailable), errors.Is(err, domain.ErrConflict):
		return exitUnavailable
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrValidation):
		return exitDataErr
	default:
		return exitUnexpected
	}
}
