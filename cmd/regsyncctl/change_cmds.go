package main

import (
	"fmt"
	"strings"

	"github.com/rpattn/regsync/internal/archive"
	"github.com/rpattn/regsync/internal/domain"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRollbackCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback CHANGE_SOURCE_ID",
		Short: "Reverse every version written by a change source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "invalid change source id")
			}

			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Engine.Rollback(cmd.Context(), operator, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"stats": stats})
		},
	}
}

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var showDiff bool

	cmd := &cobra.Command{
		Use:   "history EXTERNAL_ID",
		Short: "Show every recorded version of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := a.Engine.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !showDiff {
				return writeJSON(cmd.OutOrStdout(), history)
			}

			for _, h := range history {
				text, err := renderHistoryDiff(h)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showDiff, "diff", false, "Print unified diffs between consecutive versions")
	return cmd
}

// renderHistoryDiff prints each version as a diff against the one before it.
func renderHistoryDiff(h domain.EntityHistory) (string, error) {
	var (
		out      strings.Builder
		previous *domain.VersionSnapshot
	)
	for _, version := range h.Versions {
		current := domain.NewVersionSnapshot(h.Entity.ExternalID, version)
		baseLabel := "(none)"
		if previous != nil {
			baseLabel = fmt.Sprintf("%s@v%d", h.Entity.ExternalID, previous.VersionNumber)
		}
		diff, err := domain.DiffVersionSnapshots(baseLabel, previous, fmt.Sprintf("%s@v%d", h.Entity.ExternalID, version.VersionNumber), &current)
		if err != nil {
			return "", err
		}
		out.WriteString(diff)
		previous = &current
	}
	return out.String(), nil
}

func newVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify CHANGE_SOURCE_ID",
		Short: "Check an upload's archived bytes against the recorded sha256",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "invalid change source id")
			}

			a, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			upload, err := a.Store.GetBulkUploadBySource(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := archive.Verify(cmd.Context(), a.Archive, upload.Archive.Key, upload.Archive.SHA256); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok (%d bytes, sha256 %s)\n", upload.Archive.Key, upload.Archive.Size, upload.Archive.SHA256)
			return nil
		},
	}
}
