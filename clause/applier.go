package clause

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/spec/clausepath"
)

// ApplyResult is the outcome of applying diffs to a module set.
type ApplyResult struct {
	// Modules holds every module: patched ones replaced, the rest carried over.
	Modules spec.Modules

	// Applied are the diffs that took effect, grouped in canonical module order.
	Applied []spec.ClauseDiff

	// Failed maps a module whose diffs could not be applied to the reason.
	// Such modules are carried over unchanged.
	Failed map[spec.ModuleKey]string
}

// Warnings renders Failed as stable, human-readable lines.
func (r ApplyResult) Warnings() []string {
	var out []string
	for _, m := range spec.AllModules() {
		if reason, ok := r.Failed[m]; ok {
			out = append(out, fmt.Sprintf("%s: %s", m, reason))
		}
	}
	return out
}

// Applier applies clause diffs deterministically and verifies the result.
type Applier struct {
	logger *slog.Logger
}

// NewApplier creates an applier.
func NewApplier(opts ...Option) *Applier {
	return &Applier{logger: buildOptions(opts).logger}
}

// ApplyDiffsToSpec returns a new module set with diffs applied. The input is
// not modified. A module is either fully patched and verified or left as is.
func (a *Applier) ApplyDiffsToSpec(modules spec.Modules, diffs []spec.ClauseDiff) ApplyResult {
	result := ApplyResult{
		Modules: modules.Clone(),
		Failed:  make(map[spec.ModuleKey]string),
	}

	byModule := make(map[spec.ModuleKey][]spec.ClauseDiff)
	for _, d := range diffs {
		byModule[d.Module] = append(byModule[d.Module], d)
	}

	for _, key := range spec.AllModules() {
		moduleDiffs := byModule[key]
		if len(moduleDiffs) == 0 {
			continue
		}
		original := modules[key]
		if original == nil {
			original = spec.Document{}
		}

		patched, err := applyModule(original, moduleDiffs)
		if err == nil {
			err = verifyModule(original, patched, moduleDiffs)
		}
		if err != nil {
			a.logger.Warn("Module patch failed, carrying module over unchanged",
				"module", key, "diffs", len(moduleDiffs), "error", err)
			result.Failed[key] = err.Error()
			continue
		}

		result.Modules[key] = patched
		result.Applied = append(result.Applied, moduleDiffs...)
	}

	for key, ds := range byModule {
		if !isKnownModule(key) {
			result.Failed[key] = fmt.Sprintf("unknown module (%d diffs)", len(ds))
		}
	}
	return result
}

func isKnownModule(key spec.ModuleKey) bool {
	_, err := spec.ParseModuleKey(string(key))
	return err == nil
}

func applyModule(doc spec.Document, diffs []spec.ClauseDiff) (spec.Document, error) {
	cur := doc
	for _, d := range diffs {
		path, err := clausepath.Parse(d.ClausePath)
		if err != nil {
			return nil, err
		}
		existing, err := clausepath.Get(cur, path)
		if err != nil {
			return nil, err
		}
		if !clausepath.EqualRaw(d.Before, existing) {
			return nil, fmt.Errorf("stale diff at %s", d.ClausePath)
		}
		var after any
		if err := json.Unmarshal(d.After, &after); err != nil {
			return nil, fmt.Errorf("decode after value at %s: %w", d.ClausePath, err)
		}
		cur, err = clausepath.Set(cur, path, after)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// verifyModule checks that patched equals original with only the named paths
// replaced by their after values.
func verifyModule(original, patched spec.Document, diffs []spec.ClauseDiff) error {
	expected := original
	for _, d := range diffs {
		path, err := clausepath.Parse(d.ClausePath)
		if err != nil {
			return err
		}
		got, err := clausepath.Get(patched, path)
		if err != nil {
			return fmt.Errorf("verify %s: %w", d.ClausePath, err)
		}
		if !clausepath.EqualRaw(d.After, got) {
			return fmt.Errorf("verify %s: value differs from proposed after", d.ClausePath)
		}
		// Rebuild the expected document from the original so untouched
		// fields are compared as well.
		expected, err = clausepath.Set(expected, path, got)
		if err != nil {
			return err
		}
	}
	if !clausepath.Equal(expected, patched) {
		return fmt.Errorf("verify: fields outside the named clause paths changed")
	}
	return nil
}
