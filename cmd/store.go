package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"zipchat/jobs"
	"zipchat/storage"
)

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired messages once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := jobs.NewExpiryCleaner(store, cfg.Storage.CleanupInterval, logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired messages\n", deleted)
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var (
		userID  string
		otherID string
		limit   int
		before  int64
		expired bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a page of the stored conversation between two users, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			q := storage.ConversationQuery{UserID: userID, OtherUserID: otherID, Limit: limit}
			if before > 0 {
				q.Before = &before
			}
			messages, err := store.FindConversation(cmd.Context(), q)
			if err != nil {
				return err
			}

			now := time.Now().UnixMilli()
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, m := range messages {
				// Rows linger until the next cleanup sweep.
				if !expired && m.Expired(now) {
					continue
				}
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "first participant")
	cmd.Flags().StringVar(&otherID, "with", "", "second participant")
	cmd.Flags().IntVar(&limit, "limit", storage.DefaultConversationLimit, "page size")
	cmd.Flags().Int64Var(&before, "before", 0, "only messages created before this unix millisecond timestamp")
	cmd.Flags().BoolVar(&expired, "include-expired", false, "also print messages past their expiry that have not been purged yet")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("with")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		filter storage.SecurityEventFilter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded security events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if since > 0 {
				from := time.Now().Add(-since).UnixMilli()
				filter.FromTimestamp = &from
			}
			events, err := store.GetSecurityEvents(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ev := range events {
				user := "-"
				if ev.UserID != nil {
					user = *ev.UserID
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
					time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339), ev.Severity, ev.EventType, user, ev.Details)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.EventType, "type", "", "event type, e.g. auth_failure or heartbeat_eviction")
	cmd.Flags().StringVar(&filter.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&filter.Severity, "severity", "", "info, warning or critical")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum events")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this age")
	return cmd
}
