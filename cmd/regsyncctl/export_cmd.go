package main

import (
	"bytes"
	"os"

	"github.com/rpattn/regsync/internal/export"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
)

func newExportCmd(flags *globalFlags) *cobra.Command {
	var (
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the active registry in upload format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := export.ParseFormat(format)
			if err != nil {
				return err
			}

			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var buf bytes.Buffer
			result, err := a.Export.Write(cmd.Context(), &buf, parsed)
			if err != nil {
				return err
			}

			if out == "" {
				out = result.FileName
			}
			if out == "-" {
				_, err = buf.WriteTo(cmd.OutOrStdout())
				return err
			}
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return errors.Wrapf(err, "write %s", out)
			}
			result.FileName = out
			return writeJSON(cmd.ErrOrStderr(), result)
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "Output format: csv or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path, - for stdout (default: timestamped name)")
	return cmd
}
