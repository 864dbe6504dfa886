package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"protosink/internal/app"
	"protosink/internal/domain"
	"protosink/internal/plugin"
	"protosink/internal/value"
)

type checkColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type checkTableInfo struct {
	Name       string        `json:"name"`
	Schema     string        `json:"schema"`
	PrimaryKey string        `json:"primary_key,omitempty"`
	Columns    []checkColumn `json:"columns"`
}

type checkResult struct {
	Plugin    string          `json:"plugin"`
	Kind      string          `json:"kind"`
	Success   bool            `json:"success"`
	TableInfo *checkTableInfo `json:"table_info,omitempty"`
	Rows      []*value.Map    `json:"rows"`
	Error     string          `json:"error,omitempty"`
}

func newCheckPluginCmd(configFile *string) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "check-plugin",
		Short: "Run a plugin once against JSON input and print the coerced result",
		Long: "check-plugin loads the module given by --plugin, passes the JSON document\n" +
			"read from --input (or stdin) to its transform function and prints the\n" +
			"result as the sink would see it. No database or broker is needed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			if cfg.PluginPath == "" {
				return fmt.Errorf("plugin path is required (--plugin or PROTOSINK_PLUGIN)")
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			raw, err := readInput(cmd, input)
			if err != nil {
				return err
			}
			in, err := value.ParseJSON(raw)
			if err != nil {
				return fmt.Errorf("parse input: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			fetcher := app.ObjectStore(cfg)
			defer func() { _ = fetcher.Close() }()
			rt, err := plugin.Load(ctx, cfg.PluginPath, app.PluginOptions(cfg, fetcher, logger))
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

			res, err := rt.Transform(ctx, in)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(toCheckResult(rt, res))
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON input file (default: stdin)")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied flag
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return b, nil
}

func toCheckResult(rt *plugin.Runtime, res domain.TransformResult) checkResult {
	out := checkResult{
		Plugin:  rt.Source(),
		Kind:    string(rt.Kind()),
		Success: res.Success,
		Rows:    res.Rows,
		Error:   res.Error,
	}
	if out.Rows == nil {
		out.Rows = []*value.Map{}
	}
	if ti := res.TableInfo; ti != nil {
		info := &checkTableInfo{
			Name:       ti.Name,
			Schema:     ti.SchemaOrDefault(),
			PrimaryKey: ti.PrimaryKey,
			Columns:    make([]checkColumn, 0, len(ti.Columns)),
		}
		for _, c := range ti.Columns {
			info.Columns = append(info.Columns, checkColumn{Name: c.Name, Type: string(c.Type)})
		}
		out.TableInfo = info
	}
	return out
}
