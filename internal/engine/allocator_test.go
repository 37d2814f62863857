package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocator_Next(t *testing.T) {
	tests := []struct {
		name     string
		floor    int
		used     []int
		expected int
	}{
		{"empty pool starts at floor", 1000, nil, 1000},
		{"contiguous pool appends", 1000, []int{1000, 1001, 1002}, 1003},
		{"gap is filled", 1000, []int{1000, 1002, 1003}, 1001},
		{"values below floor are ignored", 1000, []int{5, 500}, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAllocator(tt.floor, tt.used)
			got := a.Next()
			assert.Equal(t, tt.expected, got)
			assert.GreaterOrEqual(t, got, tt.floor)
			assert.NotContains(t, tt.used, got)
		})
	}
}

func TestAllocator_SequentialCallsNeverCollide(t *testing.T) {
	a := NewAllocator(1000, []int{1000, 1002})

	seen := map[int]bool{1000: true, 1002: true}
	for i := 0; i < 100; i++ {
		id := a.Next()
		assert.False(t, seen[id], "identifier %d allocated twice", id)
		seen[id] = true
	}
}

func TestAllocator_NextSequential(t *testing.T) {
	a := NewAllocator(1000, []int{1000, 1005})

	// Gaps are never reused for this class.
	assert.Equal(t, 1006, a.NextSequential())
	assert.Equal(t, 1007, a.NextSequential())

	t.Run("empty pool starts at floor", func(t *testing.T) {
		empty := NewAllocator(500, nil)
		assert.Equal(t, 500, empty.NextSequential())
	})
}

func TestAllocator_Register(t *testing.T) {
	a := NewAllocator(100, nil)
	a.Register(100)
	a.Register(102)

	assert.Equal(t, 101, a.Next())
	assert.Equal(t, 103, a.NextSequential())
}
