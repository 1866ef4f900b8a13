/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/memberboard/apiserver/config"
	"github.com/memberboard/apiserver/internal/mq"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect domain events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail <channel>",
	Short: "Print events from a channel as JSON lines",
	Long: `Subscribes to a channel and prints each event as one JSON line.
Known channels: ` + strings.Join(mq.Channels(), ", "),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		if cfg.MQ.Backend == "" || strings.EqualFold(cfg.MQ.Backend, "memory") {
			return errors.New("events tail needs MQ_BACKEND set to rabbitmq or pubsub")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		backend, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return fmt.Errorf("open mq: %w", err)
		}
		publisher := mq.NewPublisher(backend)
		defer publisher.Close()

		enc := json.NewEncoder(os.Stdout)
		err = publisher.Subscribe(ctx, args[0], func(_ context.Context, event mq.Event) error {
			return enc.Encode(event)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
