package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		Total:                 30,
		Additions:             30,
		Deletions:             15,
		SmallGroupBlindUpdate: 10,
	}
}

func TestThresholds_Evaluate(t *testing.T) {
	tests := []struct {
		name    string
		metrics BatchMetrics
		verdict Verdict
	}{
		{
			"small batch applies regardless of volume",
			BatchMetrics{BatchSize: 10, Additions: 10, Deletions: 10},
			VerdictApply,
		},
		{
			"empty batch applies",
			BatchMetrics{BatchSize: 0, Additions: 5},
			VerdictApply,
		},
		{
			"modest change applies",
			BatchMetrics{BatchSize: 100, Additions: 10, Deletions: 5},
			VerdictApply,
		},
		{
			"addition surge is gated",
			BatchMetrics{BatchSize: 100, Additions: 40},
			VerdictOverrideRequired,
		},
		{
			"deletion surge is gated",
			BatchMetrics{BatchSize: 100, Deletions: 20},
			VerdictOverrideRequired,
		},
		{
			"combined volume is gated",
			BatchMetrics{BatchSize: 100, Additions: 20, Deletions: 15},
			VerdictOverrideRequired,
		},
		{
			"exactly at threshold applies",
			BatchMetrics{BatchSize: 100, Additions: 30},
			VerdictApply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.verdict, defaultThresholds().Evaluate(tt.metrics))
		})
	}
}

func TestExceptionTable_Resolve(t *testing.T) {
	table := ExceptionTable{
		"j.rod":   "jrod2",
		"svc-bot": ExceptionNever,
	}

	mapped, listed, never := table.Resolve("j.rod")
	assert.Equal(t, "jrod2", mapped)
	assert.True(t, listed)
	assert.False(t, never)

	_, listed, never = table.Resolve("svc-bot")
	assert.True(t, listed)
	assert.True(t, never)

	mapped, listed, never = table.Resolve("alice")
	assert.Equal(t, "alice", mapped)
	assert.False(t, listed)
	assert.False(t, never)
}

func TestCountryPolicy_Allowed(t *testing.T) {
	policy := CountryPolicy{
		"restricted-tools": {"GB", "US"},
	}

	assert.True(t, policy.Controlled("restricted-tools"))
	assert.False(t, policy.Controlled("staff"))

	assert.True(t, policy.Allowed("restricted-tools", "GB"))
	assert.False(t, policy.Allowed("restricted-tools", "DE"))
	assert.True(t, policy.Allowed("restricted-tools", ""), "untagged members are allowed")
	assert.True(t, policy.Allowed("staff", "DE"), "uncontrolled groups accept anyone")
}
