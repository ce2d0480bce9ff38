package spec

import (
	"fmt"
	"regexp"
	"strconv"
)

var semverLabel = regexp.MustCompile(`^(v?)(\d+)\.(\d+)\.(\d+)$`)

// NextMinorLabel bumps the minor component of a vMAJOR.MINOR.PATCH label and
// resets the patch component. Labels of any other shape get a synthetic
// "+r<versionNumber>" suffix instead of failing.
func NextMinorLabel(label string, versionNumber int) string {
	m := semverLabel.FindStringSubmatch(label)
	if m == nil {
		if label == "" {
			return fmt.Sprintf("v1.%d.0", versionNumber-1)
		}
		return fmt.Sprintf("%s+r%d", label, versionNumber)
	}
	minor, err := strconv.Atoi(m[3])
	if err != nil {
		return fmt.Sprintf("%s+r%d", label, versionNumber)
	}
	return fmt.Sprintf("%s%s.%d.0", m[1], m[2], minor+1)
}
