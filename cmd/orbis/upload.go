package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobrunner/orbis/internal/application"
	"github.com/jobrunner/orbis/internal/domain"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload data files for ingestion",
}

var uploadBatchCmd = &cobra.Command{
	Use:   "batch <jobs.yaml>",
	Short: "Upload every job of a job file and wait for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		jobs, err := application.LoadUploadJobs(args[0])
		if err != nil {
			return err
		}

		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := a.Pool.BatchUpload(ctx, jobs)
		if report != nil {
			printUploads(report.Jobs)
			fmt.Printf("\n%d succeeded, %d failed, %d unfinished in %s\n",
				report.Succeeded, report.Failed, report.Unfinished, report.Duration.Round(time.Second))
		}
		if err != nil {
			return err
		}
		if report.Failed > 0 || report.Unfinished > 0 {
			return fmt.Errorf("%d of %d uploads did not succeed", report.Failed+report.Unfinished, len(jobs))
		}
		return nil
	},
}

var uploadStatusCmd = &cobra.Command{
	Use:   "status <tracking-id>",
	Short: "Print the processing status of an upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		wait, _ := cmd.Flags().GetBool("wait")
		job := &domain.UploadJob{TrackingID: args[0], Key: args[0]}
		if err := a.Uploads.Status(ctx, job, wait); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job.Status)
	},
}

var uploadWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Upload files dropped into the inbox and sync staging storage until stopped",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		if a.Watcher == nil && a.Sync == nil {
			return fmt.Errorf("nothing to watch: configure upload.inbox or staging storage: %w", domain.ErrInvalidInput)
		}
		a.Logger.Info("watching for uploads", "inbox", a.Config.Upload.Inbox, "sync_interval", a.Config.Upload.SyncInterval)
		<-ctx.Done()
		return nil
	},
}

var uploadSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload every object in staging storage that was not uploaded yet",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		if a.Sync == nil {
			return fmt.Errorf("sync needs staging storage: %w", domain.ErrInvalidInput)
		}
		result, err := a.Sync.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d objects, %d uploads started, %d succeeded, %d failed\n",
			result.ObjectsFound, result.UploadsStarted, result.UploadsSucceeded, result.UploadsFailed)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently tracked queries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		limit, _ := cmd.Flags().GetInt("limit")
		records, err := a.Queries.History(ctx, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tSTATUS\tUPDATED\tARCHIVE")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.RemoteID, r.Name, r.State, r.StatusCode, r.UpdatedAt.Format("2006-01-02 15:04:05"), r.ArchivePath)
		}
		return w.Flush()
	},
}

func init() {
	uploadStatusCmd.Flags().Bool("wait", false, "poll until the upload is finished")
	historyCmd.Flags().Int("limit", 20, "number of queries to list")

	uploadCmd.AddCommand(uploadBatchCmd, uploadStatusCmd, uploadWatchCmd, uploadSyncCmd)
}

func printUploads(jobs []*domain.UploadJob) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTRACKING ID\tSTATUS\tMESSAGE")
	for _, j := range jobs {
		msg := j.Status.Message
		if j.Err != nil {
			msg = j.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Key, j.TrackingID, j.Status.Status, msg)
	}
	_ = w.Flush()
}
