package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/orchestra/config"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/id"
)

func newDLQCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay tasks the workers gave up on",
	}
	cmd.AddCommand(newDLQListCmd(root), newDLQReplayCmd(root))
	return cmd
}

func newDLQListCmd(root *rootOptions) *cobra.Command {
	var (
		queueName string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := config.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			tasks, err := dlq.NewService(s, logger).List(ctx, dlq.ListOpts{Queue: queueName, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tasks {
				fmt.Fprintf(out, "%s  %s  %s  run=%s  attempts=%d  %s\n",
					t.ID, t.Queue, t.Kind, t.RunID, t.Attempt, t.LastError)
			}
			fmt.Fprintf(out, "%d dead-lettered tasks\n", len(tasks))
			return nil
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "Only list tasks of this queue")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of tasks to list (0 for all)")
	return cmd
}

func newDLQReplayCmd(root *rootOptions) *cobra.Command {
	var (
		all       bool
		queueName string
	)
	cmd := &cobra.Command{
		Use:   "replay [TASK_ID...]",
		Short: "Return dead-lettered tasks to their queue",
		Long: `Puts the given tasks back in the pending state with a fresh delivery
budget. With --all every dead-lettered task (of --queue, if given) is replayed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("give task IDs or --all, not both")
			}
			taskIDs := make([]id.TaskID, 0, len(args))
			for _, a := range args {
				tID, err := id.ParseTaskID(a)
				if err != nil {
					return err
				}
				taskIDs = append(taskIDs, tID)
			}

			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := config.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			svc := dlq.NewService(s, logger)
			if all {
				n, err := svc.ReplayAll(ctx, queueName)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d tasks\n", n)
				return nil
			}
			for _, tID := range taskIDs {
				if _, err := svc.Replay(ctx, tID); err != nil {
					return fmt.Errorf("%s: %w", tID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", tID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Replay every dead-lettered task")
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "With --all, only replay tasks of this queue")
	return cmd
}
