package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/clause"
	regulationwatcher "github.com/c360studio/specpatch/processor/regulation-watcher"
	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the regulation-to-patch pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g, logger)
			if err != nil {
				return err
			}

			// Setup signal handling
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, logger)
			defer app.Close()

			if err := app.OpenStore(ctx); err != nil {
				return err
			}
			if err := app.ConnectBus(ctx); err != nil {
				return err
			}

			err = app.Serve(ctx)
			logger.Info("Shutdown complete")
			return err
		},
	}
}

func migrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the version store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g, logger)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required for migrate")
			}
			cfg.Database.MigrateOnStart = true

			app := NewApp(cfg, logger)
			defer app.Close()
			return app.OpenStore(cmd.Context())
		},
	}
}

// seedFile is the on-disk form of a version-1 spec.
type seedFile struct {
	ID            string                   `json:"id"`
	WorkspaceID   string                   `json:"workspace_id"`
	VersionLabel  string                   `json:"version_label"`
	ChangeReason  string                   `json:"change_reason"`
	Frameworks    []string                 `json:"frameworks"`
	Jurisdictions []string                 `json:"jurisdictions"`
	Modules       map[string]spec.Document `json:"modules"`
}

// loadSeed reads a seed file into an initial version.
func loadSeed(r io.Reader) (*spec.SpecVersion, error) {
	var f seedFile
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if f.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace_id is required")
	}
	if len(f.Frameworks) == 0 || len(f.Jurisdictions) == 0 {
		return nil, fmt.Errorf("frameworks and jurisdictions are required")
	}

	modules := make(spec.Modules, len(f.Modules))
	for name, doc := range f.Modules {
		key, err := spec.ParseModuleKey(name)
		if err != nil {
			return nil, err
		}
		modules[key] = normalizeNumbers(doc).(spec.Document)
	}

	label := f.VersionLabel
	if label == "" {
		label = "v1.0.0"
	}
	reason := f.ChangeReason
	if reason == "" {
		reason = "Initial version"
	}
	return &spec.SpecVersion{
		ID:            f.ID,
		WorkspaceID:   f.WorkspaceID,
		VersionNumber: 1,
		VersionLabel:  label,
		Status:        spec.StatusActive,
		ChangeReason:  reason,
		TriggeredBy:   spec.TriggeredByUser,
		Frameworks:    f.Frameworks,
		Jurisdictions: f.Jurisdictions,
		Modules:       modules,
	}, nil
}

// normalizeNumbers converts json.Number leaves to float64 so seeded payloads
// look like every other decoded document.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalizeNumbers(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = normalizeNumbers(child)
		}
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func seedCmd(g *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert version 1 of a spec from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g, logger)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required for seed")
			}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			v, err := loadSeed(f)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			app := NewApp(cfg, logger)
			defer app.Close()
			if err := app.OpenStore(cmd.Context()); err != nil {
				return err
			}
			if err := app.store.InsertInitialVersion(cmd.Context(), v); err != nil {
				return fmt.Errorf("insert version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded lineage %s (version %s, %s)\n", v.LineageID, v.ID, v.VersionLabel)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Spec JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func publishRegulationCmd(g *globalFlags) *cobra.Command {
	var (
		file   string
		source string
	)
	cmd := &cobra.Command{
		Use:   "publish-regulation",
		Short: "Publish regulations from a YAML or HTML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g, logger)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			regs, err := regulationwatcher.NewParser().Parse(file, data)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			app := NewApp(cfg, logger)
			defer app.Close()
			if err := app.ConnectBus(cmd.Context()); err != nil {
				return err
			}
			return publishRegulations(cmd.Context(), app.conn, regs, source, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Regulation file (.yaml, .yml, .html)")
	cmd.Flags().StringVar(&source, "source", "cli", "Source recorded on the event")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func publishRegulations(ctx context.Context, pub bus.Publisher, regs []spec.Regulation, source string, out io.Writer) error {
	for _, reg := range regs {
		id := bus.RegulationEventID(reg.Ref(), reg.Fingerprint())
		ev := bus.RegulationEvent{Regulation: reg, Source: source, PublishedAt: time.Now().UTC()}
		if err := bus.RegulationPublished.Publish(ctx, pub, id, ev); err != nil {
			return err
		}
		fmt.Fprintf(out, "Published %s (%s)\n", reg.Ref(), reg.Fingerprint())
	}
	return nil
}

func historyCmd(g *globalFlags) *cobra.Command {
	var showDiffs bool
	cmd := &cobra.Command{
		Use:   "history <lineage-id>",
		Short: "Show the version chain of a spec and verify its integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadConfig(g, logger)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required for history")
			}

			app := NewApp(cfg, logger)
			defer app.Close()
			if err := app.OpenStore(cmd.Context()); err != nil {
				return err
			}
			return printHistory(cmd.Context(), app.store, args[0], showDiffs, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&showDiffs, "diffs", false, "Render the clause diffs of each version")
	return cmd
}

// printHistory writes the lineage as a table and returns the chain
// verification error, if any.
func printHistory(ctx context.Context, store storage.VersionStore, lineageID string, showDiffs bool, out io.Writer) error {
	versions, err := store.ListLineage(ctx, lineageID)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("lineage %s: %w", lineageID, storage.ErrNotFound)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLABEL\tSTATUS\tTRIGGER\tCREATED\tID")
	for _, v := range versions {
		trigger := string(v.TriggeredBy)
		if v.RegulationTrigger != nil {
			trigger += ": " + *v.RegulationTrigger
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			v.VersionNumber, v.VersionLabel, v.Status, trigger, v.CreatedAt.Format(time.RFC3339), v.ID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if showDiffs {
		for _, v := range versions[1:] {
			diffs, err := store.ListDiffs(ctx, v.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n== %s (%d diffs)\n", v.VersionLabel, len(diffs))
			fmt.Fprint(out, clause.RenderPatches(diffs))
		}
	}

	if err := spec.VerifyChain(versions); err != nil {
		fmt.Fprintf(out, "\nChain integrity: FAILED (%v)\n", err)
		return err
	}
	fmt.Fprintf(out, "\nChain integrity: ok (%d versions, active %s)\n", len(versions), activeLabel(versions))
	return nil
}

func activeLabel(versions []*spec.SpecVersion) string {
	for _, v := range versions {
		if v.Status == spec.StatusActive {
			return v.VersionLabel
		}
	}
	return "none"
}

