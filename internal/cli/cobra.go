package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"volalign/internal/config"
	"volalign/internal/pipeline"
	"volalign/internal/storage"
	"volalign/internal/watch"
)

// NewRootCmd builds the volalign command tree.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmdFrom(NewRoot(pipe, cfg, log, store))
}

func newRootCmdFrom(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "volalign",
		Short: "Distributed block-wise alignment for microscopy volumes",
		Long: `Volalign aligns multi-round microscopy volumes with piecewise deformable
registration and assembles tiled acquisitions into stitched volumes.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newTuneCmd(root))
	rootCmd.AddCommand(newApplyCmd(root))
	rootCmd.AddCommand(newStitchCmd(root, pipeline.JobStitch))
	rootCmd.AddCommand(newStitchCmd(root, pipeline.JobBlend))
	rootCmd.AddCommand(newResampleCmd(root))
	rootCmd.AddCommand(newConvertCmd(root))
	rootCmd.AddCommand(newDownsampleCmd(root))
	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newReorientCmd(root))
	rootCmd.AddCommand(newPreviewCmd(root))
	rootCmd.AddCommand(newGraphCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		fixPath        string
		movePath       string
		spacing        []float64
		blocksize      []int
		initTransforms []string
		outputDir      string
		outputName     string
		overlap        float64
		resume         bool
		workers        int
	)

	cmd := &cobra.Command{
		Use:   "align",
		Short: "Run the piecewise deformable alignment of a moving round",
		Long: `Align a moving volume onto a fixed volume block by block, producing a
blended deformation field and the warped moving round. TIFF inputs are
converted to chunked stores first using the given voxel spacing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sp, err := as3f(spacing, "spacing")
			if err != nil {
				return err
			}
			bs, err := as3i(blocksize, "blocksize")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return err
			}

			fix, err := root.ensureZarr(ctx, fixPath, sp, bs, outputDir, outputName+"_fix")
			if err != nil {
				return err
			}
			move, err := root.ensureZarr(ctx, movePath, sp, bs, outputDir, outputName+"_move")
			if err != nil {
				return err
			}

			job := pipeline.Job{
				ID:        newID("align"),
				Type:      pipeline.JobDeform,
				InputPath: fix,
				Output:    outputDir,
				Options: map[string]any{
					"fix":             fix,
					"move":            move,
					"name":            outputName,
					"blocksize":       bs,
					"overlap":         overlap,
					"init_transforms": initTransforms,
					"resume":          resume,
					"workers":         workers,
				},
			}
			return root.enqueueAndWait(ctx, job)
		},
	}

	cmd.Flags().StringVar(&fixPath, "fix_image_path", "", "fixed volume (.zarr store or TIFF stack)")
	cmd.Flags().StringVar(&movePath, "move_image_path", "", "moving volume (.zarr store or TIFF stack)")
	cmd.Flags().Float64SliceVar(&spacing, "spacing", []float64{0.1507417, 0.1507417, 0.1507417}, "voxel spacing z,y,x in physical units")
	cmd.Flags().IntSliceVar(&blocksize, "blocksize", []int{512, 512, 512}, "block core extent z,y,x in voxels")
	cmd.Flags().StringSliceVar(&initTransforms, "init_transform_path", nil, "affine matrix files applied before deformation, in order")
	cmd.Flags().StringVar(&outputDir, "output_dir", "", "directory for the field and aligned outputs")
	cmd.Flags().StringVar(&outputName, "output_name", "round", "prefix of the output store names")
	cmd.Flags().Float64Var(&overlap, "overlap", 0.3, "block overlap fraction of the core extent")
	cmd.Flags().BoolVar(&resume, "resume", false, "skip blocks already completed for this run fingerprint")
	cmd.Flags().IntVar(&workers, "workers", 0, "block workers, 0 uses the configured cluster size")
	cmd.MarkFlagRequired("fix_image_path")
	cmd.MarkFlagRequired("move_image_path")
	cmd.MarkFlagRequired("output_dir")

	return cmd
}

func newTuneCmd(root *Root) *cobra.Command {
	var (
		fixPath  string
		movePath string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Compute a global affine from a fixed/moving pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:     newID("tune"),
				Type:   pipeline.JobTune,
				Output: output,
				Options: map[string]any{
					"fix":  fixPath,
					"move": movePath,
				},
			})
		},
	}

	cmd.Flags().StringVar(&fixPath, "fix_image_path", "", "fixed volume store")
	cmd.Flags().StringVar(&movePath, "move_image_path", "", "moving volume store")
	cmd.Flags().StringVarP(&output, "output", "o", "", "matrix file to write")
	cmd.MarkFlagRequired("fix_image_path")
	cmd.MarkFlagRequired("move_image_path")
	cmd.MarkFlagRequired("output")

	return cmd
}

func newApplyCmd(root *Root) *cobra.Command {
	var (
		field     string
		affines   []string
		blocksize []int
	)

	cmd := &cobra.Command{
		Use:   "apply <moving.zarr> <output.zarr>",
		Short: "Warp a volume through saved affines and a deformation field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, err := as3i(blocksize, "blocksize")
			if err != nil {
				return err
			}
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("apply"),
				Type:      pipeline.JobApply,
				InputPath: args[0],
				Output:    args[1],
				Options: map[string]any{
					"field":     field,
					"affines":   affines,
					"blocksize": bs,
				},
			})
		},
	}

	cmd.Flags().StringVar(&field, "field", "", "deformation field store, optional")
	cmd.Flags().StringSliceVar(&affines, "affine", nil, "affine matrix files applied before the field, in order")
	cmd.Flags().IntSliceVar(&blocksize, "blocksize", []int{512, 512, 512}, "processing block extent z,y,x")

	return cmd
}

func newStitchCmd(root *Root, typ pipeline.JobType) *cobra.Command {
	var (
		outputDir string
		overlap   float64
		chunks    []int
	)

	short := "Refine tile positions with phase correlation and fuse a layout"
	if typ == pipeline.JobBlend {
		short = "Fuse a tile layout at its nominal positions, skipping refinement"
	}

	cmd := &cobra.Command{
		Use:   string(typ) + " <layout.xml>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ck, err := as3i(chunks, "chunks")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return err
			}
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID(string(typ)),
				Type:      typ,
				InputPath: args[0],
				Output:    outputDir,
				Options: map[string]any{
					"overlap": overlap,
					"chunks":  ck,
				},
			})
		},
	}

	cmd.Flags().StringVar(&outputDir, "output_dir", "", "directory for the per-channel stitched stores")
	cmd.Flags().Float64Var(&overlap, "overlap", 0, "tile overlap fraction, 0 uses the configured default")
	cmd.Flags().IntSliceVar(&chunks, "chunks", []int{128, 128, 128}, "output chunk extent z,y,x")
	cmd.MarkFlagRequired("output_dir")

	return cmd
}

func newResampleCmd(root *Root) *cobra.Command {
	var spacing []float64

	cmd := &cobra.Command{
		Use:   "resample <input.zarr> <output.zarr>",
		Short: "Rescale a volume onto a target voxel spacing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, err := as3f(spacing, "spacing")
			if err != nil {
				return err
			}
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("resample"),
				Type:      pipeline.JobResample,
				InputPath: args[0],
				Output:    args[1],
				Options:   map[string]any{"spacing": sp},
			})
		},
	}

	cmd.Flags().Float64SliceVar(&spacing, "spacing", nil, "target voxel spacing z,y,x")
	cmd.MarkFlagRequired("spacing")

	return cmd
}

func newConvertCmd(root *Root) *cobra.Command {
	var (
		chunks  []int
		spacing []float64
	)

	cmd := &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Convert between TIFF stacks and chunked stores",
		Long: `Convert a volume between formats. The direction follows the input
extension: a .zarr input writes a TIFF stack, anything else is read as
TIFF and written as a chunked store.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ck, err := as3i(chunks, "chunks")
			if err != nil {
				return err
			}
			sp, err := as3f(spacing, "spacing")
			if err != nil {
				return err
			}
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("convert"),
				Type:      pipeline.JobConvert,
				InputPath: args[0],
				Output:    args[1],
				Options: map[string]any{
					"chunks":  ck,
					"spacing": sp,
				},
			})
		},
	}

	cmd.Flags().IntSliceVar(&chunks, "chunks", []int{128, 128, 128}, "chunk extent z,y,x for store outputs")
	cmd.Flags().Float64SliceVar(&spacing, "spacing", []float64{1, 1, 1}, "voxel spacing z,y,x for store outputs")

	return cmd
}

func newDownsampleCmd(root *Root) *cobra.Command {
	var (
		factors []int
		order   int
	)

	cmd := &cobra.Command{
		Use:   "downsample <input.zarr> <output.zarr>",
		Short: "Reduce a volume by integer factors per axis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := as3i(factors, "factors")
			if err != nil {
				return err
			}
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("downsample"),
				Type:      pipeline.JobDownsample,
				InputPath: args[0],
				Output:    args[1],
				Options: map[string]any{
					"factors": f,
					"order":   order,
				},
			})
		},
	}

	cmd.Flags().IntSliceVar(&factors, "factors", []int{2, 2, 2}, "reduction factors z,y,x")
	cmd.Flags().IntVar(&order, "order", 1, "0 nearest sample, 1 box average")

	return cmd
}

func newStackCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack <first> <second> <output.zarr>",
		Short: "Interleave two single-channel volumes into one two-channel store",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("stack"),
				Type:      pipeline.JobStack,
				InputPath: args[0],
				Output:    args[2],
				Options:   map[string]any{"second": args[1]},
			})
		},
	}
	return cmd
}

func newReorientCmd(root *Root) *cobra.Command {
	var (
		rotation int
		flipZ    bool
	)

	cmd := &cobra.Command{
		Use:   "reorient <input.zarr> <output.zarr>",
		Short: "Rotate slices by multiples of 90 degrees, optionally flip z",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("reorient"),
				Type:      pipeline.JobReorient,
				InputPath: args[0],
				Output:    args[1],
				Options: map[string]any{
					"rotation": rotation,
					"flip_z":   flipZ,
				},
			})
		},
	}

	cmd.Flags().IntVar(&rotation, "rotation", 0, "rotation in degrees, multiple of 90")
	cmd.Flags().BoolVar(&flipZ, "flip_z", false, "flip the volume along z after rotation")

	return cmd
}

func newPreviewCmd(root *Root) *cobra.Command {
	var (
		axis  int
		width int
	)

	cmd := &cobra.Command{
		Use:   "preview <input.zarr> <output image>",
		Short: "Export a maximum-intensity projection as an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("preview"),
				Type:      pipeline.JobPreview,
				InputPath: args[0],
				Output:    args[1],
				Options: map[string]any{
					"axis":  axis,
					"width": width,
				},
			})
		},
	}

	cmd.Flags().IntVar(&axis, "axis", 0, "projection axis: 0 z, 1 y, 2 x")
	cmd.Flags().IntVar(&width, "width", 0, "output width in pixels, 0 keeps the projection size")

	return cmd
}

func newGraphCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <graph.yaml>",
		Short: "Execute a declarative component graph",
		Long: `Run a YAML-defined graph of pipeline components in dependency order.
Component inputs of the form "@id" consume the output of an earlier
component; a failed component aborts the graph.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := pipeline.LoadGraph(args[0])
			if err != nil {
				return err
			}
			executor := pipeline.NewGraphExecutor(root.log,
				pipeline.NewProcessor(root.log, root.store, root.cfg))
			outputs, err := executor.Execute(cmd.Context(), doc)
			if err != nil {
				return err
			}
			for id, out := range outputs {
				root.log.Info("graph output", "component", id, "output", out)
			}
			return nil
		},
	}
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		outputDir   string
		quietPeriod time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <acquisition directory>",
		Short: "Watch an acquisition directory and stitch completed tile sets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.watchFn(cmd.Context(), args[0], root.pipeline, watch.Options{
				QuietPeriod: quietPeriod,
				OutputDir:   outputDir,
				Logger:      root.log,
			})
		},
	}

	cmd.Flags().StringVar(&outputDir, "output_dir", "", "stitch output directory, defaults to <dir>/stitched")
	cmd.Flags().DurationVar(&quietPeriod, "quiet_period", 2*time.Second, "silence required before a tile set counts as complete")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP dashboard with live progress push",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting dashboard", "addr", addr)
			return root.serveFn(cmd.Context(), addr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (host:port)")

	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-40s %-12s %-10s %s\n", "ID", "KIND", "STATUS", "CREATED")
			for _, run := range runs {
				fmt.Fprintf(w, "%-40s %-12s %-10s %s\n",
					run.ID, run.Kind, run.Status, run.CreatedAt.Format(time.RFC3339))
				if run.Error != "" {
					fmt.Fprintf(w, "    error: %s\n", run.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate the configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Database Path:         %s\n", root.cfg.Paths.DatabasePath)
			fmt.Fprintf(w, "Default Output:        %s\n", root.cfg.Paths.DefaultOutput)
			fmt.Fprintf(w, "Parallel Jobs:         %d\n", root.cfg.Processing.ParallelJobs)
			fmt.Fprintf(w, "Workers:               %d\n", root.cfg.Cluster.Workers)
			fmt.Fprintf(w, "Threads Per Worker:    %d\n", root.cfg.Cluster.ThreadsPerWorker)
			fmt.Fprintf(w, "Memory Limit:          %s\n", root.cfg.Cluster.MemoryLimit)
			fmt.Fprintf(w, "Worker TTL:            %s\n", time.Duration(root.cfg.Cluster.WorkerTTL))
			fmt.Fprintf(w, "Log Level:             %s\n", root.cfg.Logging.Level)
			fmt.Fprintf(w, "Log Format:            %s\n", root.cfg.Logging.Format)
			fmt.Fprintf(w, "Stitch Min Corr:       %g\n", root.cfg.Stitch.MinCorrelation)
			fmt.Fprintf(w, "Stitch Max Shift:      %g\n", root.cfg.Stitch.MaxShiftVoxels)
			fmt.Fprintf(w, "Control Point Spacing: %g\n", root.cfg.Deform.ControlPointSpacing)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the cluster allocation against this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Cluster.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("volalign v1.0.0")
		},
	}
}

func as3f(v []float64, name string) ([3]float64, error) {
	if len(v) != 3 {
		return [3]float64{}, fmt.Errorf("%s requires exactly 3 values, got %d", name, len(v))
	}
	return [3]float64{v[0], v[1], v[2]}, nil
}

func as3i(v []int, name string) ([3]int, error) {
	if len(v) != 3 {
		return [3]int{}, fmt.Errorf("%s requires exactly 3 values, got %d", name, len(v))
	}
	return [3]int{v[0], v[1], v[2]}, nil
}
