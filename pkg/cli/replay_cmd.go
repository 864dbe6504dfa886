package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"protosink/internal/app"
)

func newReplayCmd(configFile *string) *cobra.Command {
	var (
		file     string
		typeName string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a recorded message file through the plugin into the destination",
		Long: "Replay reads a zstd-compressed file of Protobuf messages together with the\n" +
			"descriptors needed to decode them and writes the transformed rows exactly\n" +
			"as run would. Kafka and the schema registry are not contacted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signalContext(cmd.Context(), logger)
			defer stop()

			a, src, err := app.NewReplay(ctx, cfg, logger, file, typeName)
			if err != nil {
				return err
			}
			defer closeApp(a, logger)

			if err := a.Pipeline.Run(ctx); err != nil {
				return err
			}
			st := a.Pipeline.Stats()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "batches=%d messages=%d skipped=%d rows=%d committed=%d\n",
				st.Batches, st.Messages, st.Skipped, st.Rows, src.Committed())
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "replay file to read")
	cmd.Flags().StringVar(&typeName, "type", "", "fully qualified message type (e.g. pkg.Msg)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
