package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jsherman999/contentrelay/internal/api"
	"github.com/jsherman999/contentrelay/internal/config"
	"github.com/jsherman999/contentrelay/internal/publisher"
	"github.com/spf13/cobra"
)

func Main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "relay",
		Short: "Content relay operator CLI",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml), used to find the relay when --url is not given")

	root.AddCommand(publishCmd(&cfgPath))
	root.AddCommand(handshakeCmd(&cfgPath))
	root.AddCommand(hashKeyCmd())
	return root
}

// endpoint returns url, or the generic ingestion route of the configured relay.
func endpoint(cfgPath, url string) (string, error) {
	if url != "" {
		return url, nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return "", err
	}
	return "http://" + cfg.API.Listen + "/api/events", nil
}

func publishCmd(cfgPath *string) *cobra.Command {
	var url, key, eventType, subject, data string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Push one event to a relay as an upstream service would",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			target, err := endpoint(*cfgPath, url)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			ev, err := publisher.New(target, publisher.WithKey(key)).Publish(ctx, eventType, subject, json.RawMessage(data))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published id=%s type=%s subject=%s\n", ev.ID, ev.EventType, ev.Subject)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "ingestion URL (default: /api/events on the configured relay)")
	cmd.Flags().StringVar(&key, "key", "", "webhook key")
	cmd.Flags().StringVar(&eventType, "type", "", "event type, e.g. ImageCaptionUpdated")
	cmd.Flags().StringVar(&subject, "subject", "", "subject as {userId}/{entityId}")
	cmd.Flags().StringVar(&data, "data", "{}", "event data (JSON)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func handshakeCmd(cfgPath *string) *cobra.Command {
	var url, key, code string

	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Send a subscription validation probe and print the echoed code",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := endpoint(*cfgPath, url)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			got, err := publisher.New(target, publisher.WithKey(key)).Handshake(ctx, code)
			if err != nil {
				return err
			}
			if got != code {
				return fmt.Errorf("relay echoed %q, sent %q", got, code)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validationResponse=%s\n", got)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "ingestion URL (default: /api/events on the configured relay)")
	cmd.Flags().StringVar(&key, "key", "", "webhook key")
	cmd.Flags().StringVar(&code, "code", "relay-handshake", "validation code to send")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash for ingest.key_hash (reads the key from stdin when not given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			hash, err := api.HashWebhookKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
