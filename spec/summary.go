package spec

import (
	"fmt"
	"strings"
)

// Summarize builds the compact text used for semantic relevance scoring and for
// classifier prompts: project name, summary, problem statement, feature and
// data-flow descriptions, and non-functional requirements of the master module.
func Summarize(master Document) string {
	var parts []string

	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	add(stringField(master, "projectName"))
	add(stringField(master, "summary"))
	add(stringField(master, "problemStatement"))

	for _, f := range listField(master, "features") {
		add(describe(f, "name", "description"))
	}
	for _, f := range listField(master, "dataFlows") {
		add(describe(f, "name", "description"))
	}
	for _, r := range listField(master, "nonFunctionalRequirements") {
		add(describe(r, "category", "requirement", "description"))
	}

	return strings.Join(parts, "\n")
}

// Title returns the project name of a spec, falling back to its id.
func (v *SpecVersion) Title() string {
	if name := stringField(v.Module(ModuleMasterSpecification), "projectName"); name != "" {
		return name
	}
	return v.ID
}

func stringField(doc Document, key string) string {
	switch val := doc[key].(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func listField(doc Document, key string) []any {
	if list, ok := doc[key].([]any); ok {
		return list
	}
	return nil
}

// describe renders a list element: plain strings as-is, objects as the
// non-empty values of keys joined with ": ".
func describe(item any, keys ...string) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]any:
		var vals []string
		for _, k := range keys {
			if s := stringField(v, k); s != "" {
				vals = append(vals, s)
			}
		}
		return strings.Join(vals, ": ")
	default:
		return ""
	}
}
