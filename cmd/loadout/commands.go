package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaakkos/loadout/internal/dashboard"
	"github.com/jaakkos/loadout/internal/domain"
	"github.com/jaakkos/loadout/internal/policy"
	"github.com/jaakkos/loadout/internal/repository"
	"github.com/jaakkos/loadout/internal/repository/filestore"
)

// backend is what one-shot commands run against: a live server or the state
// directory opened in-process.
type backend interface {
	State(ctx context.Context) (dashboard.StateSnapshot, error)
	Preview(ctx context.Context, name string) (domain.Preview, error)
	Apply(ctx context.Context, name string) (domain.ApplyState, error)
	Rollback(ctx context.Context) (domain.ApplyState, error)
	Export(ctx context.Context, name string) ([]byte, error)
	Import(ctx context.Context, data []byte) (domain.Preset, error)
	Close()
}

// localBackend opens the state directory in this process.
type localBackend struct {
	b          *serverBundle
	dash       *dashboard.Handler
	syncLogger func()
}

func (l *localBackend) State(ctx context.Context) (dashboard.StateSnapshot, error) {
	return l.dash.Snapshot(ctx), nil
}

func (l *localBackend) Preview(ctx context.Context, name string) (domain.Preview, error) {
	return l.b.svc.Preview(ctx, name)
}

func (l *localBackend) Apply(ctx context.Context, name string) (domain.ApplyState, error) {
	err := l.b.svc.ApplyByName(ctx, name)
	return l.b.svc.ApplyState(), err
}

func (l *localBackend) Rollback(ctx context.Context) (domain.ApplyState, error) {
	err := l.b.svc.Rollback(ctx)
	return l.b.svc.ApplyState(), err
}

func (l *localBackend) Export(ctx context.Context, name string) ([]byte, error) {
	return l.b.svc.ExportYAML(ctx, name)
}

func (l *localBackend) Import(ctx context.Context, data []byte) (domain.Preset, error) {
	return l.b.svc.ImportYAML(ctx, data)
}

func (l *localBackend) Close() {
	l.b.close()
	l.syncLogger()
}

// openBackend prefers a running server for the configured state dir and falls
// back to opening the state in-process.
func openBackend(ctx context.Context) (backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pol := policy.New(cfg)

	if info, ok := liveInstance(pol.StateDir()); ok {
		api := newAPIClient(info.baseURL())
		if api.healthy(ctx) {
			if scopeFlag != 0 {
				return nil, fmt.Errorf("a server is running (pid %d); --scope only applies when it is stopped", info.PID)
			}
			return &remoteBackend{api: api}, nil
		}
	}

	logger, syncLogger := setupLogger(pol, true)
	b, err := openBundle(ctx, pol, logger)
	if err != nil {
		syncLogger()
		return nil, err
	}
	id := domain.Identity{ScopeID: scopeFlag}
	if id.ScopeID == 0 {
		s := pol.Session()
		id = domain.Identity{ScopeID: s.ScopeID, DisplayName: s.DisplayName, RealmName: s.RealmName}
	}
	if id.ScopeID != 0 {
		if _, err := b.svc.SetActiveScope(ctx, id); err != nil {
			b.close()
			syncLogger()
			return nil, err
		}
	}
	return &localBackend{b: b, dash: dashboard.NewHandler(b.svc, nil), syncLogger: syncLogger}, nil
}

// withBackend runs fn against the backend and closes it afterwards.
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, be backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	be, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer be.Close()
	return fn(ctx, be)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List presets and components of the active scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, be backend) error {
			snap, err := be.State(ctx)
			if err != nil {
				return err
			}
			writeListing(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <preset>",
	Short: "Show what applying a preset would change",
	Long:  `Shows the components a preset would enable and disable. Use "alwayson" to preview the always-on set alone.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, be backend) error {
			pv, err := be.Preview(ctx, args[0])
			if err != nil {
				return err
			}
			writePreview(cmd.OutOrStdout(), args[0], pv)
			return nil
		})
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <preset>",
	Short: "Apply a preset to the host",
	Long:  `Applies a preset (or "alwayson") and waits until every command is confirmed or timed out.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, be backend) error {
			st, err := be.Apply(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s in %s\n", st.Preset, applyDuration(st))
			return nil
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the components loaded before the last apply",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, be backend) error {
			if _, err := be.Rollback(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rolled back")
			return nil
		})
	},
}

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <preset>",
	Short: "Write a preset as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, be backend) error {
			data, err := be.Export(ctx, args[0])
			if err != nil {
				return err
			}
			if exportOutput == "" || exportOutput == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(exportOutput, data, 0o644)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Create or replace a preset from YAML (stdin when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 0 || args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		return withBackend(cmd, func(ctx context.Context, be backend) error {
			p, err := be.Import(ctx, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%d components)\n", p.Name, p.Components.Len())
			return nil
		})
	},
}

var migrateForce bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import presets from the legacy layout",
	Long: `Imports legacy presets and always-on lists into the current store. It runs
automatically on the first start; --force runs it again regardless of the marker.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pol := policy.New(cfg)
		logger, syncLogger := setupLogger(pol, true)
		defer syncLogger()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store := repository.NewScopeStore(pol, logger)
		if err := store.Load(ctx); err != nil {
			return err
		}
		m := filestore.NewMigrator(store, logger)

		var report filestore.MigrationReport
		if migrateForce {
			report, err = m.Force(ctx)
		} else {
			var ran bool
			ran, report, err = m.Run(ctx)
			if err == nil && !ran {
				fmt.Fprintf(cmd.OutOrStdout(), "Already migrated (%s). Use --force to run again.\n", m.MarkerPath())
				return nil
			}
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d scopes, %d presets, %d always-on entries (%d failed)\n",
			report.ScopesImported, report.PresetsImported, report.AlwaysOnAdded, report.ItemsFailed)
		if _, ok := liveInstance(pol.StateDir()); ok {
			fmt.Fprintln(cmd.OutOrStdout(), "The running server picks up the changes on its next reload.")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a server is running for the state directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pol := policy.New(cfg)
		out := cmd.OutOrStdout()
		info, ok := liveInstance(pol.StateDir())
		if !ok {
			fmt.Fprintf(out, "not running (state dir %s)\n", pol.StateDir())
			return nil
		}
		var h healthResponse
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := newAPIClient(info.baseURL()).do(ctx, http.MethodGet, "/health", nil, "", &h); err != nil {
			return fmt.Errorf("server pid %d not answering: %w", info.PID, err)
		}
		fmt.Fprintf(out, "running pid=%d port=%d version=%s clients=%d scope=%d apply=%s\n",
			info.PID, h.Port, h.Version, h.Clients, h.Scope, orDash(h.Apply))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false, "Run even if the migration marker exists")
}

// writeListing prints the scope header, presets and components as aligned columns.
func writeListing(w io.Writer, snap dashboard.StateSnapshot) {
	scope := "global"
	if snap.Scope.ID != 0 {
		scope = fmt.Sprintf("%d", snap.Scope.ID)
		if who := strings.Trim(snap.Scope.DisplayName+"-"+snap.Scope.RealmName, "-"); who != "" {
			scope = fmt.Sprintf("%s (%d)", who, snap.Scope.ID)
		}
	}
	fmt.Fprintf(w, "Scope: %s\n", scope)
	fmt.Fprintf(w, "Always on: %s\n\n", orDash(strings.Join(snap.Scope.AlwaysOn, ", ")))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRESET\tCOMPONENTS\tMODIFIED\t")
	for _, p := range snap.Presets {
		var tags []string
		if p.IsDefault {
			tags = append(tags, "default")
		}
		if p.LastApplied {
			tags = append(tags, "applied")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.Name, len(p.Components), p.Modified, strings.Join(tags, ","))
	}
	_ = tw.Flush()

	if snap.ComponentsErr != "" {
		fmt.Fprintf(w, "\nComponents unavailable: %s\n", snap.ComponentsErr)
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tSTATE\t")
	for _, c := range snap.Components {
		state := "off"
		if c.Loaded {
			state = "on"
		}
		tag := ""
		if c.AlwaysOn {
			tag = "always-on"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, state, tag)
	}
	_ = tw.Flush()
}

func writePreview(w io.Writer, name string, pv domain.Preview) {
	if pv.IsNoop() {
		fmt.Fprintf(w, "%s: nothing to change\n", name)
	} else {
		fmt.Fprintf(w, "%s:\n", name)
	}
	line := func(label string, ids []string) {
		if len(ids) > 0 {
			fmt.Fprintf(w, "  %s (%d): %s\n", label, len(ids), strings.Join(ids, ", "))
		}
	}
	line("Enable", pv.ToEnable)
	line("Disable", pv.ToDisable)
	line("Not installed", pv.Missing)
}

func applyDuration(st domain.ApplyState) time.Duration {
	if st.StartedAt.IsZero() || st.FinishedAt.Before(st.StartedAt) {
		return 0
	}
	return st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
