package main

import (
	"path/filepath"
	"time"

	"github.com/rpattn/regsync/internal/ingestion"
	"github.com/rpattn/regsync/internal/reconcile"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
)

func newSimulateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate FILE",
		Short: "Show what applying a snapshot file would change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readFile(args[0])
			if err != nil {
				return err
			}

			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			snapshot, err := a.Ingestion.Parse(cmd.Context(), ingestion.Request{FileName: filepath.Base(args[0]), Data: data})
			if err != nil {
				return err
			}
			result, err := a.Engine.Simulate(cmd.Context(), snapshot.Records)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newApplyCmd(flags *globalFlags) *cobra.Command {
	var (
		label       string
		releaseDate string
		generation  int64
		checkStale  bool
	)

	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Apply a snapshot file to the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readFile(args[0])
			if err != nil {
				return err
			}

			var release *time.Time
			if releaseDate != "" {
				d, err := time.Parse("2006-01-02", releaseDate)
				if err != nil {
					return errors.Wrap(err, "invalid --release-date")
				}
				release = &d
			}

			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			fileName := filepath.Base(args[0])
			snapshot, err := a.Ingestion.Parse(cmd.Context(), ingestion.Request{FileName: fileName, Label: label, Data: data})
			if err != nil {
				return err
			}

			req := reconcile.ApplyRequest{
				Records: snapshot.Records,
				Upload: reconcile.Upload{
					FileName:    fileName,
					Label:       label,
					ReleaseDate: release,
					Payload:     data,
				},
			}
			if checkStale {
				diff, err := a.Engine.Simulate(cmd.Context(), snapshot.Records)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("generation") && diff.Generation != generation {
					return errors.Errorf("store is at generation %d, expected %d", diff.Generation, generation)
				}
				req.Expected = &reconcile.Expectation{Generation: diff.Generation, Summary: diff.Summary}
			}

			result, err := a.Engine.Apply(cmd.Context(), operator, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Caller label for the upload")
	cmd.Flags().StringVar(&releaseDate, "release-date", "", "Claimed release date (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&generation, "generation", 0, "Refuse to apply unless the store is at this generation")
	cmd.Flags().BoolVar(&checkStale, "check", true, "Simulate first and refuse to apply if the store changes meanwhile")
	return cmd
}

func newUploadsCmd(flags *globalFlags) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "List bulk uploads, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			uploads, err := a.Engine.ListUploads(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), uploads)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum uploads to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Uploads to skip")
	return cmd
}

func newRejectionsCmd(flags *globalFlags) *cobra.Command {
	var (
		fileName      string
		limit, offset int
	)

	cmd := &cobra.Command{
		Use:   "rejections",
		Short: "List rejected snapshot files",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Ingestion.Rejections(cmd.Context(), fileName, limit, offset)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&fileName, "file", "", "Only show rejections for this file name")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	return cmd
}
