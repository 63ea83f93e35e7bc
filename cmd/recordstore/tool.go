package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arkilian/recordstore/internal/config"
	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/internal/manifest"
	"github.com/arkilian/recordstore/internal/observability"
	"github.com/arkilian/recordstore/internal/recordset"
	"github.com/arkilian/recordstore/pkg/types"
)

// tool holds the state shared by all commands. The config, logger and
// manifest are set up before any command runs.
type tool struct {
	Root *cobra.Command

	ctx          context.Context
	configPath   string
	dataDir      string
	setName      string
	printMetrics bool

	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	manifest *manifest.Store
}

func newTool(ctx context.Context) *tool {
	t := &tool{ctx: ctx}
	t.Root = &cobra.Command{
		Use:   "recordstore [command] (flags)",
		Short: "columnar record set tool",
		Long: `
Append schema-typed records to a commit log, compact them into columnar
datafiles and read them back.
`,
		Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: t.setup,
	}
	flags := t.Root.PersistentFlags()
	flags.StringVar(&t.configPath, "config", "", "path to configuration file (YAML or JSON)")
	flags.StringVar(&t.dataDir, "data-dir", "", "base directory for record sets and the manifest")
	flags.StringVarP(&t.setName, "set", "s", "", "record set to operate on")
	flags.BoolVar(&t.printMetrics, "print-metrics", false, "print collected metrics to stderr on exit")

	t.Root.AddCommand(
		t.ingestCmd(),
		t.rollCmd(),
		t.compactCmd(),
		t.listCmd(),
		t.fetchCmd(),
		t.scanCmd(),
		t.verifyCmd(),
		t.stateCmd(),
		t.historyCmd(),
		t.setsCmd(),
		t.dumpCmd(),
		t.backupCmd(),
		t.restoreCmd(),
	)
	return t
}

func (t *tool) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(t.configPath)
	if err != nil {
		return err
	}
	if t.dataDir != "" {
		cfg.DataDir = t.dataDir
		cfg.ManifestPath = ""
		cfg.Storage.Path = ""
		cfg.Resolve()
	}
	if t.setName != "" {
		cfg.RecordSet.Name = t.setName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	t.cfg = cfg

	if t.logger, err = observability.NewLogger(cfg.Log); err != nil {
		return err
	}
	t.registry = prometheus.NewRegistry()
	if t.manifest, err = manifest.NewStore(cfg.ManifestPath); err != nil {
		return err
	}
	return nil
}

// close releases what setup acquired. It is safe to call when setup never
// ran.
func (t *tool) close() error {
	var err error
	if t.printMetrics && t.registry != nil {
		err = multierr.Append(err, writeMetrics(os.Stderr, t.registry))
	}
	if t.manifest != nil {
		err = multierr.Append(err, t.manifest.Close())
	}
	if t.logger != nil {
		_ = t.logger.Sync()
	}
	return err
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (t *tool) options() []recordset.Option {
	return []recordset.Option{
		recordset.WithLogger(t.logger),
		recordset.WithMetrics(observability.NewMetrics(t.registry)),
		recordset.WithMaxDatafileSize(uint64(t.cfg.RecordSet.MaxDatafileSize)),
		recordset.WithBloomFPR(t.cfg.RecordSet.BloomFPR),
	}
}

// loadEntry returns the manifest entry of the configured set, or nil when
// the set has never been saved.
func (t *tool) loadEntry() (*manifest.Entry, error) {
	entry, err := t.manifest.Load(t.ctx, t.cfg.RecordSet.Name)
	if errors.Is(err, rserrors.ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

// schemaJSON returns the schema recorded for entry, falling back to the
// configured schema file.
func (t *tool) schemaJSON(entry *manifest.Entry) ([]byte, error) {
	if entry != nil && len(entry.SchemaJSON) > 0 {
		return entry.SchemaJSON, nil
	}
	path := t.cfg.RecordSet.SchemaPath
	if path == "" {
		return nil, fmt.Errorf("record set %q has no recorded schema; set record_set.schema_path",
			t.cfg.RecordSet.Name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	return data, nil
}

// openSet opens the configured record set. A set the manifest knows is
// opened from its saved state; any other set is discovered from the files
// under its prefix. The returned schema is non-nil when it still has to be
// recorded in the manifest.
func (t *tool) openSet() (*recordset.RecordSet, []byte, error) {
	entry, err := t.loadEntry()
	if err != nil {
		return nil, nil, err
	}
	data, err := t.schemaJSON(entry)
	if err != nil {
		return nil, nil, err
	}
	schema, err := types.ParseSchemaJSON(data)
	if err != nil {
		return nil, nil, err
	}

	if entry != nil {
		rs, err := recordset.Open(schema, entry.Prefix, entry.State, t.options()...)
		if err != nil {
			return nil, nil, err
		}
		if len(entry.SchemaJSON) > 0 {
			data = nil
		}
		return rs, data, nil
	}

	rs, err := recordset.Discover(schema, t.cfg.Prefix(t.cfg.RecordSet.Name), t.options()...)
	if err != nil {
		return nil, nil, err
	}
	return rs, data, nil
}

// withSet runs fn on the configured record set and saves the resulting
// state even when fn fails, since records may have been added before the
// failure.
func (t *tool) withSet(fn func(rs *recordset.RecordSet) error) (err error) {
	rs, schemaJSON, err := t.openSet()
	if err != nil {
		return err
	}
	defer func() {
		name := t.cfg.RecordSet.Name
		if serr := t.manifest.Save(t.ctx, name, rs.Prefix(), schemaJSON, rs.GetState()); serr != nil {
			err = multierr.Append(err, serr)
		}
		err = multierr.Append(err, rs.Close())
	}()
	return fn(rs)
}
