package clause

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/c360studio/specpatch/spec"
)

// RenderPatch renders a diff as a line-oriented before/after block suitable
// for pull request bodies and terminal output.
func RenderPatch(d spec.ClauseDiff) string {
	before := pretty(d.Before)
	after := pretty(d.After)

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s/%s\n", d.Module, d.ClausePath)
	fmt.Fprintf(&sb, "+++ %s/%s (%s)\n", d.Module, d.ClausePath, d.Severity)
	if d.FieldLabel != "" {
		fmt.Fprintf(&sb, "@@ %s @@\n", d.FieldLabel)
	}
	for _, df := range diffs {
		prefix := " "
		switch df.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.SplitAfter(df.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(strings.TrimSuffix(line, "\n"))
			sb.WriteByte('\n')
		}
	}
	if d.Reason != "" {
		fmt.Fprintf(&sb, "# %s\n", d.Reason)
	}
	return sb.String()
}

// RenderPatches joins RenderPatch output for several diffs.
func RenderPatches(diffs []spec.ClauseDiff) string {
	parts := make([]string, 0, len(diffs))
	for _, d := range diffs {
		parts = append(parts, RenderPatch(d))
	}
	return strings.Join(parts, "\n")
}

func pretty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null\n"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw) + "\n"
	}
	buf.WriteByte('\n')
	return buf.String()
}
