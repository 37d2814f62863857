package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/isometry/ad-ldap-sync/internal/config"
	"github.com/isometry/ad-ldap-sync/internal/engine"
	"github.com/isometry/ad-ldap-sync/internal/ldap"
	"github.com/isometry/ad-ldap-sync/internal/logger"
	"github.com/isometry/ad-ldap-sync/internal/monitor"
)

var userSyncCmd = &cobra.Command{
	Use:   "user-sync",
	Short: "Reconcile user accounts into the dependent directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd.Context(), func(opts *engine.Options) engine.Orchestrator {
			return engine.NewUserSync(opts)
		})
	},
}

var groupSyncCmd = &cobra.Command{
	Use:   "group-sync",
	Short: "Reconcile group memberships into the dependent directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd.Context(), func(opts *engine.Options) engine.Orchestrator {
			return engine.NewGroupSync(opts)
		})
	},
}

// executeRun performs the shared wiring for both runners: configuration,
// logging, directory clients, policy tables, and the monitoring sink.
func executeRun(ctx context.Context, build func(*engine.Options) engine.Orchestrator) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log, closeLog, err := logger.Init(logger.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	exceptions, err := config.LoadExceptions(cfg.Settings.ExceptionFile)
	if err != nil {
		return err
	}
	countries, err := config.LoadCountryControl(cfg.Settings.CountryControlFile)
	if err != nil {
		return err
	}

	dryRun := environment != "prod"

	primary := buildClient(&cfg.Primary, log)
	dependent := buildClient(&cfg.Dependent, log)
	if dryRun {
		primary = ldap.NewNoOpClient(primary, log)
		dependent = ldap.NewNoOpClient(dependent, log)
	}
	defer primary.Close()
	defer dependent.Close()

	if err := primary.Connect(ctx); err != nil {
		return fmt.Errorf("primary directory: %w", err)
	}
	if err := dependent.Connect(ctx); err != nil {
		return fmt.Errorf("dependent directory: %w", err)
	}

	sink := monitor.NewFileSink(cfg.Settings.ManifestPath, cfg.Settings.MonitoringDir, cfg.Settings.MetricsFile, log)
	defer sink.Close()

	opts := &engine.Options{
		Config:         cfg,
		Primary:        primary,
		Dependent:      dependent,
		Sink:           sink,
		Log:            log,
		Exceptions:     engine.ExceptionTable(exceptions),
		Countries:      engine.CountryPolicy(countries),
		DryRun:         dryRun,
		OverrideAll:    overrideAll,
		OverrideGroups: overrideGroups,
		RunID:          uuid.NewString(),
	}

	summary, err := build(opts).Run(ctx)
	if err != nil {
		return err
	}

	if len(summary.Gated) > 0 {
		renderGatedBatches(summary.Gated)
	}
	if !summary.Success {
		return fmt.Errorf("%s completed with %d failed entries", summary.Runner, summary.Failed)
	}
	return nil
}

func buildClient(dir *config.Directory, log *slog.Logger) ldap.Client {
	cc := ldap.DefaultConfig()
	cc.URL = dir.URL
	cc.BaseDN = dir.Schema.Base
	cc.Timeout = dir.Timeout
	cc.BindDN = dir.BindDN
	cc.BindPassword = dir.BindPassword
	cc.KerberosRealm = dir.Kerberos.Realm
	cc.KerberosKeytab = dir.Kerberos.Keytab
	cc.KerberosConfig = dir.Kerberos.ConfigFile
	cc.TLSSkipVerify = !dir.TLS.Verify
	cc.TLSCACertFile = dir.TLS.CAFile
	return ldap.NewClient(cc, log)
}

// renderGatedBatches prints the batches held back by the thresholds so an
// operator can review and re-run with an override flag.
func renderGatedBatches(gated []engine.GatedBatch) {
	fmt.Fprintln(os.Stdout, "\nBatches held for operator override:")
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Batch", "Current Size", "Additions", "Deletions"})
	for _, batch := range gated {
		table.Append([]string{
			batch.Identifier,
			strconv.Itoa(batch.BatchSize),
			strconv.Itoa(batch.Additions),
			strconv.Itoa(batch.Deletions),
		})
	}
	table.Render()
	fmt.Fprintln(os.Stdout, "Re-run with --override-all or --override-group <name> to apply.")
}
