package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rpattn/regsync/internal/app"
	"github.com/rpattn/regsync/internal/config"
	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// operator is the role of a local operator using the CLI.
var operator = domain.CallerRole{CanBulkUpload: true, CanRollback: true, CanModerate: true}

type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:          "regsyncctl",
		Short:        "Operate registry snapshot reconciliation",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", ".", "Directory containing config.yaml")

	cmd.AddCommand(
		newMigrateCmd(flags),
		newSimulateCmd(flags),
		newApplyCmd(flags),
		newRollbackCmd(flags),
		newHistoryCmd(flags),
		newUploadsCmd(flags),
		newVerifyCmd(flags),
		newRejectionsCmd(flags),
		newExportCmd(flags),
	)
	return cmd
}

func (g *globalFlags) load() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func (g *globalFlags) open(ctx context.Context) (*app.App, error) {
	cfg, log, err := g.load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log, app.Options{})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
