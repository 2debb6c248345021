package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Chundyy/CRDT-SSS/internal/model"
)

func TestVectorClock_Increment(t *testing.T) {
	clock := model.VectorClock{}

	next := clock.Increment("node-a")
	assert.Equal(t, int64(1), next.Counter("node-a"))
	assert.Equal(t, int64(0), clock.Counter("node-a"), "increment must not mutate the receiver")

	next = next.Increment("node-a").Increment("node-b")
	assert.Equal(t, int64(2), next.Counter("node-a"))
	assert.Equal(t, int64(1), next.Counter("node-b"))
}

func TestVectorClock_Compare(t *testing.T) {
	tests := []struct {
		name string
		a    model.VectorClock
		b    model.VectorClock
		want model.ClockRelation
	}{
		{
			name: "both empty are equal",
			a:    model.VectorClock{},
			b:    model.VectorClock{},
			want: model.ClockEqual,
		},
		{
			name: "identical clocks are equal",
			a:    model.VectorClock{"a": 2, "b": 1},
			b:    model.VectorClock{"a": 2, "b": 1},
			want: model.ClockEqual,
		},
		{
			name: "strictly dominated is before",
			a:    model.VectorClock{"a": 1},
			b:    model.VectorClock{"a": 2, "b": 1},
			want: model.ClockBefore,
		},
		{
			name: "strictly dominating is after",
			a:    model.VectorClock{"a": 3, "b": 1},
			b:    model.VectorClock{"a": 2, "b": 1},
			want: model.ClockAfter,
		},
		{
			name: "divergent entries are concurrent",
			a:    model.VectorClock{"a": 2, "b": 1},
			b:    model.VectorClock{"a": 1, "b": 2},
			want: model.ClockConcurrent,
		},
		{
			name: "disjoint node sets are concurrent",
			a:    model.VectorClock{"a": 1},
			b:    model.VectorClock{"b": 1},
			want: model.ClockConcurrent,
		},
		{
			name: "missing entry counts as zero",
			a:    model.VectorClock{"a": 1, "b": 1},
			b:    model.VectorClock{"a": 1},
			want: model.ClockAfter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))

			// Comparison is symmetric up to inversion.
			switch tt.want {
			case model.ClockEqual:
				assert.Equal(t, model.ClockEqual, tt.b.Compare(tt.a))
			case model.ClockBefore:
				assert.Equal(t, model.ClockAfter, tt.b.Compare(tt.a))
			case model.ClockAfter:
				assert.Equal(t, model.ClockBefore, tt.b.Compare(tt.a))
			case model.ClockConcurrent:
				assert.Equal(t, model.ClockConcurrent, tt.b.Compare(tt.a))
			}
		})
	}
}

func TestVectorClock_Merge(t *testing.T) {
	a := model.VectorClock{"a": 3, "b": 1}
	b := model.VectorClock{"a": 1, "b": 4, "c": 2}

	merged := a.Merge(b)
	assert.Equal(t, model.VectorClock{"a": 3, "b": 4, "c": 2}, merged)

	// Merged clock dominates or equals both inputs.
	assert.Contains(t, []model.ClockRelation{model.ClockAfter, model.ClockEqual}, merged.Compare(a))
	assert.Contains(t, []model.ClockRelation{model.ClockAfter, model.ClockEqual}, merged.Compare(b))

	// Inputs untouched.
	assert.Equal(t, model.VectorClock{"a": 3, "b": 1}, a)
	assert.Equal(t, model.VectorClock{"a": 1, "b": 4, "c": 2}, b)
}

func TestVectorClock_MergeCommutativeIdempotent(t *testing.T) {
	a := model.VectorClock{"a": 3, "b": 1}
	b := model.VectorClock{"b": 4, "c": 2}

	assert.True(t, a.Merge(b).Equal(b.Merge(a)))
	assert.True(t, a.Merge(a).Equal(a))
}
