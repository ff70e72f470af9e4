package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"document-intake/internal/intake"
	"document-intake/internal/queue"
)

func newDLQCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect or requeue dead-lettered durable messages",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "Show dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := a.redisQueue()
			if err != nil {
				return err
			}
			defer closeFn()
			items, err := q.DLQPeek(cmd.Context(), int64(limit))
			if err != nil {
				return err
			}
			if a.asJSON {
				b, _ := json.MarshalIndent(items, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			for _, dl := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  msg=%s  files=%v  err=%q\n", dl.At.Format("2006-01-02T15:04:05Z07:00"), dl.Message, dl.Files, dl.Error)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Max entries")

	var requeueLimit int
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Return dead-lettered jobs' failed files to incoming",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := a.redisQueue()
			if err != nil {
				return err
			}
			defer closeFn()
			n, err := q.DLQRequeue(cmd.Context(), requeueLimit, intake.ResubmitDeadLetter(a.cfg.Layout))
			if err != nil {
				return fmt.Errorf("requeued %d before failing: %w", n, err)
			}
			left, err := q.DLQDepth(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d, %d left in dlq\n", n, left)
			return nil
		},
	}
	requeue.Flags().IntVar(&requeueLimit, "limit", 100, "Max entries to requeue")

	cmd.AddCommand(list, requeue)
	return cmd
}

func (a *app) redisQueue() (*queue.RedisQueue, func(), error) {
	if a.cfg.RedisAddr == "" {
		return nil, nil, errors.New("REDIS_ADDR is not set")
	}
	client := queue.NewRedisClient(a.cfg)
	return queue.NewRedisQueue(client, a.cfg), func() { _ = client.Close() }, nil
}
