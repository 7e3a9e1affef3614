package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/glimte/procapi-go/health"
	"github.com/glimte/procapi-go/internal/config"
	rabbitmqTransport "github.com/glimte/procapi-go/transports/rabbitmq"
)

// watchQueue prints the work queue depth once, or every interval until ctx is done
func watchQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger, interval time.Duration, out io.Writer) error {
	transport, err := rabbitmqTransport.NewTransport(ctx, cfg.RabbitMQ.AMQPURL(),
		rabbitmqTransport.WithQueue(cfg.RabbitMQ.QueueName),
		rabbitmqTransport.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer transport.Close()

	if err := displayQueue(ctx, transport, out); err != nil || interval <= 0 {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := displayQueue(ctx, transport, out); err != nil {
				// keep watching through broker hiccups
				fmt.Fprintf(out, "Error: %v\n", err)
			}
		}
	}
}

func displayQueue(ctx context.Context, transport *rabbitmqTransport.Transport, out io.Writer) error {
	messages, consumers, err := transport.QueueDepth(ctx)
	if err != nil {
		return err
	}

	highlight := ""
	if messages > 1000 {
		highlight = "*"
	} else if messages > 100 {
		highlight = "+"
	}

	fmt.Fprintf(out, "%s  %-40s %10s %10s\n", time.Now().Format("2006-01-02 15:04:05"), "Queue Name", "Messages", "Consumers")
	fmt.Fprintf(out, "%s  %-40s %10d %10d\n", strings.Repeat(" ", 19), truncate(transport.Queue(), 39)+highlight, messages, consumers)
	return nil
}

func printHealth(out io.Writer, report health.OverallHealth) {
	fmt.Fprintf(out, "System Health: %s (%s)\n", report.Status, report.Duration.Truncate(time.Millisecond))
	if len(report.Metadata) > 0 {
		keys := make([]string, 0, len(report.Metadata))
		for k := range report.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, report.Metadata[k]))
		}
		fmt.Fprintln(out, strings.Join(pairs, " "))
	}
	fmt.Fprintln(out, strings.Repeat("-", 80))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := report.Checks[name]
		fmt.Fprintf(out, "%-12s %-10s %s\n", name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Fprintf(out, "%-12s %-10s error: %s\n", "", "", check.Error)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
