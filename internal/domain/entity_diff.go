package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// VersionSnapshot represents the minimal data required to render diffs between entity versions.
type VersionSnapshot struct {
	ExternalID    string
	VersionNumber int
	ChangeType    ChangeType
	IsDeleted     bool
	Fields        Fields
}

// NewVersionSnapshot creates a snapshot from a recorded version.
func NewVersionSnapshot(externalID string, version Version) VersionSnapshot {
	return VersionSnapshot{
		ExternalID:    externalID,
		VersionNumber: version.VersionNumber,
		ChangeType:    version.ChangeType,
		IsDeleted:     version.IsDeleted,
		Fields:        version.Fields.Clone(),
	}
}

// CanonicalText flattens the snapshot into a deterministic set of lines suitable for diffing.
func (s VersionSnapshot) CanonicalText() ([]string, error) {
	lines := []string{
		fmt.Sprintf("ExternalID: %s", s.ExternalID),
		fmt.Sprintf("Version: %d", s.VersionNumber),
		fmt.Sprintf("ChangeType: %s", s.ChangeType),
		fmt.Sprintf("Deleted: %t", s.IsDeleted),
		"Fields:",
	}

	flattened := map[string]string{}
	if err := flattenFields(s.Fields, flattened); err != nil {
		return nil, err
	}

	if len(flattened) == 0 {
		lines = append(lines, "  (empty)")
		return lines, nil
	}

	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, flattened[key]))
	}

	return lines, nil
}

// DiffVersionSnapshots produces a unified diff between two snapshots using the provided labels.
func DiffVersionSnapshots(baseLabel string, base *VersionSnapshot, targetLabel string, target *VersionSnapshot) (string, error) {
	baseString, err := canonicalString(base)
	if err != nil {
		return "", err
	}

	targetString, err := canonicalString(target)
	if err != nil {
		return "", err
	}

	return buildUnifiedDiff(baseLabel, targetLabel, baseString, targetString), nil
}

func canonicalString(snapshot *VersionSnapshot) (string, error) {
	if snapshot == nil {
		return "", nil
	}

	lines, err := snapshot.CanonicalText()
	if err != nil {
		return "", err
	}

	return strings.Join(lines, "\n") + "\n", nil
}

// flattenFields renders every set field as its JSON encoding. Dates are
// rendered as calendar dates so equal instants produce equal lines.
func flattenFields(fields Fields, acc map[string]string) error {
	put := func(key string, value any) error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", key, err)
		}
		acc[key] = string(encoded)
		return nil
	}
	putDate := func(key string, value *time.Time) error {
		if value == nil {
			return nil
		}
		return put(key, value.UTC().Format("2006-01-02"))
	}
	putString := func(key string, value *string) error {
		if value == nil {
			return nil
		}
		return put(key, *value)
	}

	if fields.FullName != "" {
		if err := put("fullName", fields.FullName); err != nil {
			return err
		}
	}
	if fields.Gender != "" {
		if err := put("gender", fields.Gender); err != nil {
			return err
		}
	}
	for key, value := range map[string]*string{
		"translatedName": fields.TranslatedName,
		"deathPlace":     fields.DeathPlace,
		"location":       fields.Location,
		"photoUrl":       fields.PhotoURL,
	} {
		if err := putString(key, value); err != nil {
			return err
		}
	}
	if err := putDate("birthDate", fields.BirthDate); err != nil {
		return err
	}
	return putDate("deathDate", fields.DeathDate)
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	baseLines := splitLines(baseContent)
	targetLines := splitLines(targetContent)

	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	builder.WriteString(fmt.Sprintf("@@ -1,%d +1,%d @@\n", len(baseLines), len(targetLines)))
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func splitLines(input string) []string {
	if input == "" {
		return nil
	}
	lines := strings.Split(input, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLines computes a longest-common-subsequence line diff.
func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}

		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}

	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}

	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}

	return ops
}
