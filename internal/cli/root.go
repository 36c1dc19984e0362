// Package cli implements the chunkupload command line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/network"
	"github.com/bitrise-io/go-chunkupload/upload"
)

type options struct {
	configPath             string
	name                   string
	chunkSize              string
	concurrency            int
	chunkTimeout           time.Duration
	httpRetries            int
	finalizeOnChunkFailure bool
	checkLimit             bool
	verbose                bool
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return NewRootCmd(env.NewRepository(), log.NewLogger()).ExecuteContext(ctx)
}

// NewRootCmd builds the command tree.
func NewRootCmd(envRepo env.Repository, logger log.Logger) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "chunkupload <server> <filePath>",
		Short: "Upload a file in chunks",
		Long: "Uploads a file to a chunked upload service: opens a session, sends the file in concurrent chunks, " +
			"verifies it with an MD5 checksum and prints the reference URL of the stored file.",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, envRepo, logger, opts, args)
			if err != nil {
				return err
			}
			return runUpload(cmd.Context(), cmd.OutOrStdout(), cfg, logger)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file (default $"+config.ConfigPathEnvKey+")")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.IntVar(&opts.httpRetries, "http-retries", 0, "Transport level retries of the start, chunk and finalize requests")

	rootCmd.Flags().StringVar(&opts.name, "name", "", "File name committed at finalize (default: base name of the file)")
	rootCmd.Flags().StringVar(&opts.chunkSize, "chunk-size", config.DefaultChunkSize, "Chunk size, e.g. 512KiB or 1MiB")
	rootCmd.Flags().IntVar(&opts.concurrency, "concurrency", chunkuploader.DefaultConcurrency(), "Number of chunks in flight")
	rootCmd.Flags().DurationVar(&opts.chunkTimeout, "chunk-timeout", chunkuploader.DefaultConfig().ChunkTimeout, "Timeout of a single chunk transfer, 0 disables it")
	rootCmd.Flags().BoolVar(&opts.finalizeOnChunkFailure, "finalize-on-chunk-failure", false, "Finalize the upload even if some chunks failed")
	rootCmd.Flags().BoolVar(&opts.checkLimit, "check-limit", false, "Refuse files larger than the service's upload limit")

	rootCmd.AddCommand(newLimitCmd(envRepo, logger, opts))

	return rootCmd
}

// loadConfig merges the config file, the environment, the positional arguments and the explicitly set flags.
func loadConfig(cmd *cobra.Command, envRepo env.Repository, logger log.Logger, opts *options, args []string) (config.Config, error) {
	cfg, err := config.Load(envRepo, opts.configPath)
	if err != nil {
		return config.Config{}, err
	}

	if len(args) > 0 {
		cfg.Server = args[0]
	}
	if len(args) > 1 {
		cfg.File = args[1]
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Name = opts.name
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = opts.chunkSize
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = opts.concurrency
	}
	if flags.Changed("chunk-timeout") {
		cfg.ChunkTimeout = opts.chunkTimeout
	}
	if flags.Changed("http-retries") {
		cfg.HTTPRetries = opts.httpRetries
	}
	if flags.Changed("finalize-on-chunk-failure") {
		cfg.FinalizeOnChunkFailure = opts.finalizeOnChunkFailure
	}
	if flags.Changed("check-limit") {
		cfg.CheckLimit = opts.checkLimit
	}
	if flags.Changed("verbose") {
		cfg.Verbose = opts.verbose
	}

	logger.EnableDebugLog(cfg.Verbose)

	return cfg, nil
}

func runUpload(ctx context.Context, out io.Writer, cfg config.Config, logger log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ResolveFile(pathutil.NewPathModifier(), pathutil.NewPathChecker()); err != nil {
		return err
	}
	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return err
	}

	file, err := chunk.OpenFile(cfg.File)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", cfg.File, err)
		}
	}()

	client := network.NewClient(cfg.Server, cfg.HTTPRetries, logger)
	defer client.CloseIdleConnections()

	orchestrator := upload.NewOrchestrator(client, logger)
	result, err := orchestrator.Upload(ctx, upload.Params{
		Source:                 file,
		Size:                   file.Size(),
		Name:                   cfg.UploadName(),
		ChunkSize:              chunkSize,
		Concurrency:            cfg.Concurrency,
		ChunkTimeout:           cfg.ChunkTimeout,
		FinalizeOnChunkFailure: cfg.FinalizeOnChunkFailure,
		CheckLimit:             cfg.CheckLimit,
		OnProgress: func(outcome chunkuploader.Outcome, progress chunkuploader.Progress) {
			fmt.Fprintln(out, progressLine(outcome, progress))
		},
	})
	if err != nil {
		return err
	}

	if result.HasReference() {
		fmt.Fprintln(out, result.ReferenceURL)
	} else {
		fmt.Fprintln(out, result.Raw)
	}
	return nil
}

// progressLine formats a resolved chunk as "status body resolvedBytes totalBytes fraction".
// Transport failures have status 0 and the error as body.
func progressLine(outcome chunkuploader.Outcome, progress chunkuploader.Progress) string {
	body := outcome.Body
	if outcome.Err != nil {
		body = outcome.Err.Error()
	}
	return fmt.Sprintf("%d %s %d %d %s",
		outcome.Status, body, progress.ResolvedBytes, progress.TotalBytes,
		strconv.FormatFloat(progress.Fraction(), 'f', -1, 64))
}
