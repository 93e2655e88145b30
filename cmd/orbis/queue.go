package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jobrunner/orbis/internal/application"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Run more queries than the platform accepts at once",
}

var queueRunCmd = &cobra.Command{
	Use:   "run <definitions.yaml>",
	Short: "Queue all queries of a definition file and run them to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := application.LoadQueryDefinitions(args[0])
		if err != nil {
			return err
		}

		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		handles := make([]*application.QueryHandle, 0, len(defs))
		for _, def := range defs {
			h, err := a.Queries.FromDefinition(def)
			if err != nil {
				return err
			}
			handles = append(handles, h)
		}

		qc := a.Config.Queue
		if n, _ := cmd.Flags().GetInt("max-concurrent"); n > 0 {
			qc.MaxConcurrent = n
		}
		q, err := application.NewProjectQueue(handles, application.ProjectQueueConfig{
			MaxConcurrent: qc.MaxConcurrent,
			SubmitPause:   qc.SubmitPause,
			PollInterval:  qc.PollInterval,
			LogEvery:      qc.LogEvery,
		}, a.MetricsCollector(), a.Logger)
		if err != nil {
			return err
		}
		a.WatchQueue(q)

		if err := q.SubmitAllQueued(ctx); err != nil {
			return err
		}

		for _, h := range q.Completed() {
			if err := report(h); err != nil {
				a.Logger.Warn("reading layers failed", "query", h.Name(), "error", err)
			}
		}
		failed := q.Failed()
		for _, h := range failed {
			fmt.Printf("%s\tfailed\t%s\n", h.Name(), h.RemoteID())
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d of %d queries failed", len(failed), len(handles))
		}
		return nil
	},
}

func init() {
	queueRunCmd.Flags().Int("max-concurrent", 0, "queries running at once (default from config)")
	queueCmd.AddCommand(queueRunCmd)
}
