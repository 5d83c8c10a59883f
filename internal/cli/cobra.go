package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"georeg/internal/config"
	"georeg/internal/fsutil"
	"georeg/internal/pipeline"
	"georeg/internal/storage"
	"georeg/internal/tasks"
)

// Version is stamped at build time with -ldflags "-X georeg/internal/cli.Version=...".
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "georeg",
		Short: "georeg clips georeferenced rasters to an AOI and co-registers them",
		Long: `georeg clips two georeferenced rasters to the same area of interest,
estimates their sub-pixel misalignment by phase correlation and rewrites the
moving raster's georeferencing to absorb it. It also produces downsampled
8-bit quicklooks and serves all of this over HTTP and gRPC.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newClipCmd(root))
	rootCmd.AddCommand(newDownsampleCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

// legacyFlagNames accepts the snake_case spellings older callers pass
// (--image_a, --out_dir, --jobid).
func legacyFlagNames(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.ReplaceAll(name, "_", "-")
	if name == "jobid" {
		name = "job-id"
	}
	return pflag.NormalizedName(name)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		imageA, imageB string
		aoi            string
		outDir         string
		jobID          string
	)

	cmd := &cobra.Command{
		Use:     "align",
		Aliases: []string{"coregister"},
		Short:   "Clip two rasters to an AOI and align the second onto the first",
		Long: `Clip image A (reference) and image B (moving) to the AOI, estimate the
sub-pixel shift of B relative to A and write B with a corrected transform.

Outputs in --out-dir: A_clipped.tif, B_clipped_initial.tif, B_clipped_aligned.tif.
Progress is printed to stdout as "PROGRESS: <n>" lines.

Example:
  georeg align --image-a a.tif --image-b b.tif \
    --aoi "north=48.2;south=48.1;east=16.5;west=16.3" --out-dir /data/out/job1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				jobID = pipeline.NewID("coregister")
			}
			job := pipeline.Job{
				ID:        jobID,
				Type:      pipeline.JobCoregister,
				InputPath: imageA,
				Output:    outDir,
				Options: map[string]any{
					"imageA": imageA,
					"imageB": imageB,
					"aoi":    aoi,
				},
			}
			res, err := root.enqueueAndWait(cmdContext(cmd), job, true)
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "shift: row=%v col=%v error=%v\n", res.Meta["shiftRow"], res.Meta["shiftCol"], res.Meta["shiftError"])
			return nil
		},
	}

	cmd.Flags().SetNormalizeFunc(legacyFlagNames)
	cmd.Flags().StringVar(&imageA, "image-a", "", "reference raster")
	cmd.Flags().StringVar(&imageB, "image-b", "", "raster to align onto the reference")
	cmd.Flags().StringVar(&aoi, "aoi", "", `area of interest "north=..;south=..;east=..;west=.." in degrees`)
	cmd.Flags().StringVar(&outDir, "out-dir", "", "output directory")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job identifier (generated if empty)")
	for _, f := range []string{"image-a", "image-b", "aoi", "out-dir"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newClipCmd(root *Root) *cobra.Command {
	var image, aoi, output string

	cmd := &cobra.Command{
		Use:   "clip",
		Short: "Clip one raster to an AOI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        pipeline.NewID("clip"),
				Type:      pipeline.JobClip,
				InputPath: image,
				Output:    output,
				Options:   map[string]any{"aoi": aoi},
			}
			res, err := root.enqueueAndWait(cmdContext(cmd), job, false)
			if err != nil {
				return err
			}
			if noOverlap, _ := res.Meta["noOverlap"].(bool); noOverlap {
				fmt.Fprintf(root.out, "warning: AOI does not overlap %s, wrote a 1x1 placeholder\n", image)
			}
			fmt.Fprintf(root.out, "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "input raster")
	cmd.Flags().StringVar(&aoi, "aoi", "", `area of interest "north=..;south=..;east=..;west=.."`)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output raster")
	for _, f := range []string{"image", "aoi", "output"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newDownsampleCmd(root *Root) *cobra.Command {
	var (
		input, output string
		scale         float64
		preview       bool
	)

	cmd := &cobra.Command{
		Use:   "downsample",
		Short: "Write an 8-bit, area-averaged copy of a raster (or of every raster in a directory)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(input)
			if err != nil {
				return err
			}
			inputs := []string{input}
			outputs := []string{output}
			if info.IsDir() {
				if inputs, err = fsutil.ListRasters(input); err != nil {
					return err
				}
				if len(inputs) == 0 {
					return fmt.Errorf("no rasters found under %s", input)
				}
				outputs = outputs[:0]
				for _, in := range inputs {
					rel, _ := filepath.Rel(input, in)
					outputs = append(outputs, filepath.Join(output, rel))
				}
			}

			var errs []error
			for i, in := range inputs {
				job := pipeline.Job{
					ID:        pipeline.NewID("downsample"),
					Type:      pipeline.JobDownsample,
					InputPath: in,
					Output:    outputs[i],
					Options:   map[string]any{"scale": scale, "preview": preview},
				}
				if _, err := root.enqueueAndWait(cmdContext(cmd), job, false); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", in, err))
					continue
				}
				fmt.Fprintf(root.out, "wrote %s\n", outputs[i])
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "input raster or directory of rasters")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output raster (or directory when --input is a directory)")
	cmd.Flags().Float64Var(&scale, "scale", root.cfg.Downsample.Scale, "size factor in (0, 1]")
	cmd.Flags().BoolVar(&preview, "preview", root.cfg.Downsample.Preview, "also render a PNG quicklook")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	opts := serveOptions{}
	var watchInbox bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and gRPC job APIs",
		Long: `Start the HTTP API (POST /process_aoi, /downsample, /clip, GET /jobs,
/stream, /jobs/{id}/ws, /metrics) and, unless --grpc-addr is empty, the
georeg.v1.Jobs gRPC service. With --watch the inbox directory is also watched
for job manifests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watchInbox {
				opts.inbox = root.cfg.Paths.Inbox
			}
			root.log.Info("starting server", "addr", opts.addr, "grpc_addr", opts.grpcAddr, "inbox", opts.inbox)
			return root.serveFn(cmdContext(cmd), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address (empty disables)")
	cmd.Flags().BoolVar(&watchInbox, "watch", false, "also watch paths.inbox for job manifests")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]",
		Short: "Turn job manifests dropped into a directory into jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.pipeline == nil {
				return errNoPipeline
			}
			dir := root.cfg.Paths.Inbox
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no inbox directory: pass one or set paths.inbox")
			}
			return root.watchFn(cmdContext(cmd), dir, root.pipeline.Submit, root.log)
		},
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List recent jobs or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job store is not available")
			}
			if len(args) == 1 {
				return root.showJob(args[0])
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	return cmd
}

func (r *Root) showJob(id string) error {
	rec, err := r.store.Job(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "id:      %s\ntype:    %s\nstatus:  %s\ninput:   %s\noutput:  %s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath)
	if rec.Error != "" {
		fmt.Fprintf(r.out, "error:   %s\n", rec.Error)
	}
	progress, err := r.store.Progress(id)
	if err != nil {
		return err
	}
	for _, p := range progress {
		fmt.Fprintf(r.out, "  %3d%%  %s\n", p.Percent, tasks.State(p.State))
	}
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "georeg %s\n", Version)
		},
	}
}
