package engine

import "slices"

// Thresholds holds the change-volume limits, expressed as percentages of
// the batch size, plus the absolute batch size below which changes are
// always applied.
type Thresholds struct {
	Total                 int
	Additions             int
	Deletions             int
	SmallGroupBlindUpdate int
}

// BatchMetrics describes the change volume of one sync batch: one group's
// membership reconciliation, or the whole user run.
type BatchMetrics struct {
	// BatchSize is the current dependent-side entry count the changes
	// apply against.
	BatchSize int
	Additions int
	Deletions int
}

// TotalChanges is the combined change count of the batch.
func (m BatchMetrics) TotalChanges() int {
	return m.Additions + m.Deletions
}

func (m BatchMetrics) percentOf(count int) int {
	size := m.BatchSize
	if size < 1 {
		size = 1
	}
	return count * 100 / size
}

// Verdict is the governor's classification of a batch.
type Verdict int

const (
	VerdictApply Verdict = iota
	VerdictOverrideRequired
)

func (v Verdict) String() string {
	if v == VerdictOverrideRequired {
		return "override-required"
	}
	return "apply"
}

// Evaluate classifies a batch. Rules, in order: a batch at or below the
// small-group size is applied regardless of volume; a batch breaching any
// percentage threshold requires operator override and nothing is applied;
// everything else is applied.
func (t Thresholds) Evaluate(m BatchMetrics) Verdict {
	if m.BatchSize <= t.SmallGroupBlindUpdate {
		return VerdictApply
	}
	if m.percentOf(m.Additions) > t.Additions ||
		m.percentOf(m.Deletions) > t.Deletions ||
		m.percentOf(m.TotalChanges()) > t.Total {
		return VerdictOverrideRequired
	}
	return VerdictApply
}

// ExceptionNever is the exception-table sentinel marking a primary account
// that must never be synchronized.
const ExceptionNever = "NONE"

// ExceptionTable maps primary account names to the dependent account name
// each corresponds to. Listed identifiers are excluded from threshold
// counting and automatic application.
type ExceptionTable map[string]string

// Resolve maps a primary name through the table. It returns the dependent
// name to use, whether the account is exception-listed, and whether it is
// barred from synchronization entirely.
func (t ExceptionTable) Resolve(name string) (mapped string, listed, never bool) {
	target, ok := t[name]
	if !ok {
		return name, false, false
	}
	if target == ExceptionNever {
		return "", true, true
	}
	return target, true, false
}

// CountryPolicy maps controlled group names to the country codes allowed
// in each. Groups absent from the table are uncontrolled.
type CountryPolicy map[string][]string

// Allowed reports whether a member with the given country code may belong
// to the group. Members without a country code are allowed; the control
// exists to keep known-restricted countries out, not to require tagging.
func (p CountryPolicy) Allowed(group, countryCode string) bool {
	allowed, controlled := p[group]
	if !controlled || countryCode == "" {
		return true
	}
	return slices.Contains(allowed, countryCode)
}

// Controlled reports whether the group has a country-control entry.
func (p CountryPolicy) Controlled(group string) bool {
	_, ok := p[group]
	return ok
}
