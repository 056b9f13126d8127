package job

import (
	"math"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"created to prepare", StatusCreated, StatusPrepare, true},
		{"created to failed", StatusCreated, StatusFailed, true},
		{"prepare to completed", StatusPrepare, StatusCompleted, true},
		{"prepare to failed", StatusPrepare, StatusFailed, true},
		{"progress to completed", StatusProgress, StatusCompleted, true},
		{"created skips to completed", StatusCreated, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusFailed, false},
		{"failed is terminal", StatusFailed, StatusPrepare, false},
		{"cancelled is terminal", StatusCancelled, StatusCompleted, false},
		{"no backward move", StatusPrepare, StatusCreated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusPrepare, StatusProgress} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestApportionVolume(t *testing.T) {
	lines := []RecipeLine{
		{Proportion: 30},
		{Proportion: 20},
		{Proportion: 50},
	}

	amounts := ApportionVolume(10.0, lines)
	want := []float64{3.0, 2.0, 5.0}
	for i := range want {
		if math.Abs(amounts[i]-want[i]) > 1e-9 {
			t.Errorf("amounts[%d] = %v, want %v", i, amounts[i], want[i])
		}
	}
}

func TestApportionVolume_SumsToTotal(t *testing.T) {
	lines := []RecipeLine{
		{Proportion: 1},
		{Proportion: 1},
		{Proportion: 1},
	}

	amounts := ApportionVolume(2.0, lines)
	var sum float64
	for _, a := range amounts {
		sum += a
	}
	if math.Abs(sum-2.0) > 1e-9 {
		t.Errorf("apportioned sum = %v, want 2.0", sum)
	}
}

func TestApportionVolume_ZeroProportions(t *testing.T) {
	amounts := ApportionVolume(5.0, []RecipeLine{{Proportion: 0}})
	if amounts[0] != 0 {
		t.Errorf("amounts[0] = %v, want 0", amounts[0])
	}
}
