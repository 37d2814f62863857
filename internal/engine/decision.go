package engine

import (
	"slices"
	"time"
)

// Action is the final classification of one entry for one run.
type Action string

const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionEnable       Action = "enable"
	ActionDisable      Action = "disable"
	ActionDelete       Action = "delete"
	ActionSkipOverride Action = "skip-override-required"
	ActionSkipExcepted Action = "skip-excepted"
)

// Decision is the unit of work produced by an orchestrator for one entry:
// what to do, the attribute changes involved, and the size metrics the
// governor used. Decisions are produced once per entry per run, compiled
// into operations, recorded, and discarded.
type Decision struct {
	Identifier string
	Kind       ObjectKind
	Action     Action
	Changes    ChangeSet
	Additions  int
	Deletions  int
	// Reason carries operator-facing context for skip actions.
	Reason string
	// Before and After snapshot the affected attributes for the audit
	// manifest. Credential attributes carry a redaction marker, never
	// plaintext or hashes.
	Before map[string][]string
	After  map[string][]string

	ops []Operation
}

// OpType discriminates compiled directory operations.
type OpType string

const (
	OpAdd    OpType = "add"
	OpModify OpType = "modify"
	OpDelete OpType = "delete"
)

// Operation is one concrete directory mutation.
type Operation struct {
	Type OpType
	DN   string

	// Attributes populates an add operation.
	Attributes map[string][]string

	// Modify operation change lists.
	AddValues     map[string][]string
	ReplaceValues map[string][]string
	DeleteValues  map[string][]string

	// Target selects which directory the operation applies to. Almost
	// everything targets the dependent directory; numeric-identifier
	// writebacks target the primary.
	Target Source
}

func (op Operation) rank() int {
	switch {
	case op.Type == OpAdd:
		// Entry creation precedes attribute updates for the same
		// identifier.
		return 0
	case op.Type == OpModify && len(op.DeleteValues) > 0 && len(op.AddValues) == 0:
		// Membership removals precede additions to avoid transient
		// over-membership.
		return 1
	case op.Type == OpModify:
		return 2
	default:
		return 3
	}
}

// AppendOperation attaches a compiled operation to the decision. Operations
// default to the dependent directory when Target is unset.
func (d *Decision) AppendOperation(op Operation) {
	if op.Target == "" {
		op.Target = SourceDependent
	}
	d.ops = append(d.ops, op)
}

// Operations returns the decision's operations in application order.
func (d *Decision) Operations() []Operation {
	ops := slices.Clone(d.ops)
	slices.SortStableFunc(ops, func(a, b Operation) int {
		return a.rank() - b.rank()
	})
	return ops
}

// Compile flattens a decision list into the ordered operation list for the
// run. Within each decision, creations come before updates and deletions
// before additions; across decisions, input order is preserved.
func Compile(decisions []*Decision) []Operation {
	var ops []Operation
	for _, d := range decisions {
		ops = append(ops, d.Operations()...)
	}
	return ops
}

// ManifestRecord is one append-only audit entry: the decision taken for one
// entity, with a before/after snapshot sufficient to reconstruct the change.
type ManifestRecord struct {
	Timestamp  time.Time           `json:"timestamp"`
	RunID      string              `json:"run_id"`
	Runner     string              `json:"runner"`
	Identifier string              `json:"identifier"`
	Kind       ObjectKind          `json:"kind"`
	Action     Action              `json:"action"`
	Reason     string              `json:"reason,omitempty"`
	Additions  int                 `json:"additions,omitempty"`
	Deletions  int                 `json:"deletions,omitempty"`
	Before     map[string][]string `json:"before,omitempty"`
	After      map[string][]string `json:"after,omitempty"`
	Applied    bool                `json:"applied"`
	Error      string              `json:"error,omitempty"`
}

// GatedBatch describes one batch held back for operator review.
type GatedBatch struct {
	Identifier string
	BatchSize  int
	Additions  int
	Deletions  int
}

// RunSummary is the run-level result consumed by the monitoring collector.
type RunSummary struct {
	RunID     string       `json:"run_id"`
	Runner    string       `json:"runner"`
	Timestamp time.Time    `json:"timestamp"`
	Success   bool         `json:"success"`
	Applied   int          `json:"applied"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Gated     []GatedBatch `json:"gated,omitempty"`
}

// Sink receives audit and monitoring output. Implementations must treat
// manifest records as append-only.
type Sink interface {
	AppendManifest(record ManifestRecord) error
	WriteRunSummary(summary RunSummary) error
}
