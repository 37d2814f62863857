package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-ldap-sync/internal/config"
	"github.com/isometry/ad-ldap-sync/internal/ldap"
)

// Orchestrator drives the end-to-end reconciliation for one entity kind.
type Orchestrator interface {
	Run(ctx context.Context) (*RunSummary, error)
}

// Options wires an orchestrator's collaborators and policy inputs. The same
// Options value serves both runner kinds.
type Options struct {
	Config    *config.Config
	Primary   ldap.Client
	Dependent ldap.Client
	Sink      Sink
	Log       *slog.Logger

	Exceptions ExceptionTable
	Countries  CountryPolicy

	// DryRun marks manifest records as not applied. The directory
	// clients are expected to be no-op wrapped by the caller in this
	// mode, so Apply still executes every step against them.
	DryRun bool

	// Override authorizations for gated batches.
	OverrideAll    bool
	OverrideGroups []string

	RunID string
}

func (o *Options) thresholds() Thresholds {
	s := o.Config.Settings
	return Thresholds{
		Total:                 s.TotalChangeThreshold,
		Additions:             s.AdditionsChangeThreshold,
		Deletions:             s.DeletionsChangeThreshold,
		SmallGroupBlindUpdate: s.SmallGroupBlindUpdate,
	}
}

func (o *Options) overrideAuthorized(identifier string) bool {
	return o.OverrideAll || slices.Contains(o.OverrideGroups, identifier)
}

// runState accumulates per-run counters shared by both orchestrators.
type runState struct {
	opts    *Options
	runner  string
	log     *slog.Logger
	success bool

	applied int
	skipped int
	failed  int
	gated   []GatedBatch
}

func newRunState(opts *Options, runner string) *runState {
	return &runState{
		opts:    opts,
		runner:  runner,
		log:     opts.Log.With("runner", runner, "run_id", opts.RunID),
		success: true,
	}
}

// recordFailure logs an entry-level failure, writes its manifest record, and
// flips the run-success flag. The run continues for all other entries.
func (r *runState) recordFailure(identifier string, kind ObjectKind, err error) {
	r.failed++
	r.success = false
	r.log.Error("entry failed", "identifier", identifier, "error", err.Error())
	r.appendManifest(ManifestRecord{
		Identifier: identifier,
		Kind:       kind,
		Action:     ActionSkipExcepted,
		Reason:     "entry-level failure",
		Error:      err.Error(),
	})
}

func (r *runState) appendManifest(record ManifestRecord) {
	record.Timestamp = time.Now().UTC()
	record.RunID = r.opts.RunID
	record.Runner = r.runner
	if err := r.opts.Sink.AppendManifest(record); err != nil {
		r.log.Error("failed to append manifest record", "identifier", record.Identifier, "error", err.Error())
		r.success = false
	}
}

// apply executes a decision's operations in order and writes its manifest
// record. A failed operation is reported and recorded; prior operations are
// not rolled back, the next run reconciles.
func (r *runState) apply(ctx context.Context, d *Decision) {
	var applyErr error
	for _, op := range d.Operations() {
		if err := r.executeOperation(ctx, op); err != nil {
			applyErr = err
			break
		}
	}

	record := ManifestRecord{
		Identifier: d.Identifier,
		Kind:       d.Kind,
		Action:     d.Action,
		Reason:     d.Reason,
		Additions:  d.Additions,
		Deletions:  d.Deletions,
		Before:     d.Before,
		After:      d.After,
		Applied:    applyErr == nil && !r.opts.DryRun && len(d.ops) > 0,
	}

	switch {
	case applyErr != nil:
		record.Error = applyErr.Error()
		r.failed++
		r.success = false
		r.log.Error("operation failed", "identifier", d.Identifier, "action", string(d.Action), "error", applyErr.Error())
	case d.Action == ActionSkipOverride || d.Action == ActionSkipExcepted:
		r.skipped++
	default:
		r.applied++
		r.log.Info("decision applied",
			"identifier", d.Identifier,
			"action", string(d.Action),
			"additions", d.Additions,
			"deletions", d.Deletions,
			"dry_run", r.opts.DryRun)
	}

	r.appendManifest(record)
}

func (r *runState) executeOperation(ctx context.Context, op Operation) error {
	client := r.opts.Dependent
	if op.Target == SourcePrimary {
		client = r.opts.Primary
	}

	switch op.Type {
	case OpAdd:
		return client.Add(ctx, &ldap.AddRequest{DN: op.DN, Attributes: op.Attributes})
	case OpModify:
		return client.Modify(ctx, &ldap.ModifyRequest{
			DN:                op.DN,
			AddAttributes:     op.AddValues,
			ReplaceAttributes: op.ReplaceValues,
			DeleteAttributes:  op.DeleteValues,
		})
	case OpDelete:
		return client.Delete(ctx, op.DN)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// finish writes the run summary and returns it.
func (r *runState) finish() (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     r.opts.RunID,
		Runner:    r.runner,
		Timestamp: time.Now().UTC(),
		Success:   r.success,
		Applied:   r.applied,
		Skipped:   r.skipped,
		Failed:    r.failed,
		Gated:     r.gated,
	}

	r.log.Info("run complete",
		"success", summary.Success,
		"applied", summary.Applied,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"gated_batches", len(summary.Gated))

	if err := r.opts.Sink.WriteRunSummary(*summary); err != nil {
		return summary, fmt.Errorf("failed to write run summary: %w", err)
	}
	return summary, nil
}

// fetchBoth runs the two directory fetches in parallel. Either failure is
// fatal for the run: no reconciliation happens against a partial snapshot.
func fetchBoth(ctx context.Context, primary, dependent func(context.Context) error) error {
	var wg sync.WaitGroup
	var primaryErr, dependentErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		primaryErr = primary(ctx)
	}()
	go func() {
		defer wg.Done()
		dependentErr = dependent(ctx)
	}()
	wg.Wait()

	if primaryErr != nil {
		return fmt.Errorf("primary directory fetch failed: %w", primaryErr)
	}
	if dependentErr != nil {
		return fmt.Errorf("dependent directory fetch failed: %w", dependentErr)
	}
	return nil
}

func searchAll(ctx context.Context, client ldap.Client, baseDN, filter string) ([]*goldap.Entry, error) {
	result, err := client.Search(ctx, &ldap.SearchRequest{
		BaseDN: baseDN,
		Scope:  ldap.ScopeWholeSubtree,
		Filter: filter,
	})
	if err != nil {
		return nil, err
	}
	return result.Entries, nil
}

func classFilter(objectClass string) string {
	return fmt.Sprintf("(objectClass=%s)", goldap.EscapeFilter(objectClass))
}

func ouDN(ou, base string) string {
	if ou == "" {
		return base
	}
	return fmt.Sprintf("ou=%s,%s", ou, base)
}

// collectUsedIDs gathers the numeric values of one attribute across a set
// of entries, skipping unparseable values.
func collectUsedIDs(entries map[string]*Entry, attr string) []int {
	var ids []int
	for _, entry := range entries {
		raw := entry.Get(attr).String()
		if raw == "" {
			continue
		}
		if id, err := strconv.Atoi(raw); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// sortedNames returns the map keys in deterministic order so runs produce
// stable manifests.
func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
