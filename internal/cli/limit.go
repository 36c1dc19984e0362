package cli

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/go-chunkupload/network"
)

func newLimitCmd(envRepo env.Repository, logger log.Logger, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "limit [server]",
		Short: "Print the maximum file size the service accepts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, envRepo, logger, opts, args)
			if err != nil {
				return err
			}
			if cfg.Server == "" {
				return fmt.Errorf("server should not be empty")
			}

			client := network.NewClient(cfg.Server, cfg.HTTPRetries, logger)
			defer client.CloseIdleConnections()

			limit, err := client.UploadLimit(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d (%s)\n", limit, units.BytesSize(float64(limit)))
			return nil
		},
	}
}
