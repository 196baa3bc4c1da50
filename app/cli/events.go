package cli

import (
	"context"
	"fmt"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/redis"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect alert events",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Page alert events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f alerts.EventFilter
			var err error
			flags := cmd.Flags()
			if f.UserID, err = flags.GetString("user"); err != nil {
				return fmt.Errorf("failed to get user flag: %w", err)
			}
			if f.RuleID, err = flags.GetString("rule"); err != nil {
				return fmt.Errorf("failed to get rule flag: %w", err)
			}
			if f.Status, err = flags.GetString("status"); err != nil {
				return fmt.Errorf("failed to get status flag: %w", err)
			}
			if f.Cursor, err = flags.GetString("cursor"); err != nil {
				return fmt.Errorf("failed to get cursor flag: %w", err)
			}
			if f.Limit, err = flags.GetInt("limit"); err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}

			s, err := newSession(cmd, deps.Needs{Postgres: true})
			if err != nil {
				return err
			}
			defer s.close()

			page, err := alerts.NewRules(s.deps.Alerts, s.deps.Clock).Events(s.ctx, f)
			if err != nil {
				return err
			}
			if err := s.render(page, eventHeader, eventRows(page.Events)); err != nil {
				return err
			}
			if s.output == outputTable && page.NextCursor != "" {
				fmt.Fprintf(s.out, "next page: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	list.Flags().String("user", "", "only events of this user's rules")
	list.Flags().String("rule", "", "only events of this rule")
	list.Flags().String("status", "", "pending, delivered or failed")
	list.Flags().String("cursor", "", "continue from a previous page")
	list.Flags().Int("limit", 50, "page size")

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow alert outcomes as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			failedOnly, err := cmd.Flags().GetBool("failed")
			if err != nil {
				return fmt.Errorf("failed to get failed flag: %w", err)
			}
			fromStart, err := cmd.Flags().GetBool("from-start")
			if err != nil {
				return fmt.Errorf("failed to get from-start flag: %w", err)
			}

			s, err := newSession(cmd, deps.Needs{Redis: true})
			if err != nil {
				return err
			}
			defer s.close()

			stream := s.deps.Config.Alerts.EventsStream
			if failedOnly {
				stream = s.deps.Config.Alerts.FailedStream
			}
			lastID := "$"
			if fromStart {
				lastID = "0"
			}
			consumer, err := redis.NewStreamConsumer(s.deps.Redis, redis.StreamConsumerConfig{
				Stream: stream,
				LastID: lastID,
				Logger: s.logger,
			})
			if err != nil {
				return err
			}

			s.logger.Debug("tailing alert stream", zap.String("stream", stream))
			err = consumer.Run(s.ctx, func(_ context.Context, msg redis.Message) error {
				return s.render(map[string]string{
					"id":        msg.ID,
					"alert_id":  msg.Field("alert_id"),
					"rule_id":   msg.Field("rule_id"),
					"entity_id": msg.Field("entity_id"),
					"status":    msg.Field("status"),
					"payload":   msg.Field("payload"),
				}, nil, nil)
			})
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	tail.Flags().Bool("failed", false, "follow the failed-delivery stream instead")
	tail.Flags().Bool("from-start", false, "replay the stream from its first entry")

	cmd.AddCommand(list, tail)
	return cmd
}
