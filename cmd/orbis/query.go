package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobrunner/orbis/internal/application"
	"github.com/jobrunner/orbis/internal/domain"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Submit queries and materialize their results",
}

var queryRunCmd = &cobra.Command{
	Use:   "run <definitions.yaml>",
	Short: "Submit queries, wait for them and download the results",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueries,
}

var queryStatusCmd = &cobra.Command{
	Use:   "status <query-id>",
	Short: "Print the platform status of a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		h := a.Queries.FromRemoteID(args[0])
		st, err := h.Poll(ctx)
		if err != nil {
			return err
		}
		if st == nil {
			fmt.Printf("%s\tonline\n", args[0])
			return nil
		}
		fmt.Printf("%s\t%d\t%s\t%s\n", st.ID, st.Code, st.Code, st.Message)
		return nil
	},
}

var queryDownloadCmd = &cobra.Command{
	Use:   "download <query-id>",
	Short: "Download the result archive of a finished query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		h, err := a.Queries.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := h.Poll(ctx); err != nil {
			return err
		}
		opts, err := downloadOptions(cmd)
		if err != nil {
			return err
		}
		if err := h.Download(ctx, opts); err != nil {
			return err
		}
		return report(h)
	},
}

var queryResumeCmd = &cobra.Command{
	Use:   "resume <query-id>",
	Short: "Follow a query submitted earlier until its result is downloaded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		h, err := a.Queries.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if err := h.PollUntilFinished(ctx, a.Config.Query.PollInterval, timeout); err != nil {
			return err
		}
		opts, err := downloadOptions(cmd)
		if err != nil {
			return err
		}
		if err := h.Download(ctx, opts); err != nil {
			return err
		}
		return report(h)
	},
}

var queryLayersCmd = &cobra.Command{
	Use:   "layers <archive.zip>",
	Short: "List and decode the layers of a result archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, a, cleanup, err := bootstrap()
		if err != nil {
			return err
		}
		defer cleanup()

		h, err := a.Queries.FromArchive(args[0])
		if err != nil {
			return err
		}
		return report(h)
	},
}

func init() {
	for _, c := range []*cobra.Command{queryRunCmd, queryDownloadCmd, queryResumeCmd} {
		c.Flags().Bool("force", false, "download again even if the archive exists")
		c.Flags().String("bucket", "", "have the platform push the result to this bucket instead")
		c.Flags().String("bucket-provider", "s3", "bucket provider")
		c.Flags().String("bucket-endpoint", "", "bucket endpoint")
	}
	queryRunCmd.Flags().Duration("timeout", 0, "give up waiting after this long (0 waits forever)")
	queryRunCmd.Flags().Bool("reuse-cache", false, "use a cached archive of an identical query instead of submitting")
	queryResumeCmd.Flags().Duration("timeout", 0, "give up waiting after this long (0 waits forever)")

	queryCmd.AddCommand(queryRunCmd, queryStatusCmd, queryDownloadCmd, queryResumeCmd, queryLayersCmd)
}

func downloadOptions(cmd *cobra.Command) (application.DownloadOptions, error) {
	var opts application.DownloadOptions
	opts.Force, _ = cmd.Flags().GetBool("force")

	bucket, _ := cmd.Flags().GetString("bucket")
	if bucket == "" {
		return opts, nil
	}
	provider, _ := cmd.Flags().GetString("bucket-provider")
	endpoint, _ := cmd.Flags().GetString("bucket-endpoint")
	opts.Bucket = &domain.BucketTarget{
		Provider:  provider,
		Endpoint:  endpoint,
		Bucket:    bucket,
		AccessKey: os.Getenv("ORBIS_BUCKET_ACCESS_KEY"),
		SecretKey: os.Getenv("ORBIS_BUCKET_SECRET_KEY"),
	}
	return opts, nil
}

func runQueries(cmd *cobra.Command, args []string) error {
	defs, err := application.LoadQueryDefinitions(args[0])
	if err != nil {
		return err
	}
	if reuse, _ := cmd.Flags().GetBool("reuse-cache"); reuse {
		v.Set("query.reuse_cache", true)
	}

	ctx, a, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	opts, err := downloadOptions(cmd)
	if err != nil {
		return err
	}

	failed := 0
	for _, def := range defs {
		h, err := a.Queries.FromDefinition(def)
		if err != nil {
			return err
		}
		if err := runQuery(ctx, h, a.Config.Query.PollInterval, timeout, opts); err != nil {
			a.Logger.Error("query failed", "query", h.Name(), "id", h.RemoteID(), "error", err)
			failed++
			continue
		}
		if err := report(h); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d queries failed", failed, len(defs))
	}
	return nil
}

func runQuery(ctx context.Context, h *application.QueryHandle, interval, timeout time.Duration, opts application.DownloadOptions) error {
	if err := h.Submit(ctx); err != nil {
		return err
	}
	if h.Online() || h.Downloaded() {
		return nil
	}
	if err := h.PollUntilFinished(ctx, interval, timeout); err != nil {
		return err
	}
	return h.Download(ctx, opts)
}

// report prints the layers of a downloaded query.
func report(h *application.QueryHandle) error {
	if h.Online() {
		fmt.Printf("%s\tonline\t%d bytes\n", h.Name(), len(h.Payload()))
		return nil
	}
	if h.BadDownloadFile() {
		return fmt.Errorf("query %s: downloaded archive is unreadable", h.Name())
	}
	if !h.Downloaded() {
		return nil
	}

	layers, err := h.CreateLayers()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", h.Name(), h.ArchivePath())
	for _, l := range layers {
		switch l.Kind {
		case domain.LayerRaster:
			height, width := l.Raster.Shape()
			fmt.Fprintf(w, "  %s\traster\t%dx%d\t%d nodata\n", l.Name, width, height, l.Raster.NaNCount())
		case domain.LayerVector:
			fmt.Fprintf(w, "  %s\tvector\t%d rows\t%d columns\n", l.Name, l.Vector.Len(), len(l.Vector.Columns))
		}
	}
	if ack, err := h.Acknowledgement(); err == nil && ack != "" {
		fmt.Fprintf(w, "\n%s\n", ack)
	}
	return w.Flush()
}
