package runner

import "testing"

func TestFormulaBackOffAppliesBackoffTimesCounterToExponent(t *testing.T) {
	b := newFormulaBackOff(SlotConfig{RetryBackoff: 2, RetryBackoffExponent: 2})

	first := b.NextBackOff()
	if first.Seconds() != 2 {
		t.Fatalf("expected 2*1^2=2s, got %v", first)
	}
	second := b.NextBackOff()
	if second.Seconds() != 8 {
		t.Fatalf("expected 2*2^2=8s, got %v", second)
	}

	b.Reset()
	reset := b.NextBackOff()
	if reset.Seconds() != 2 {
		t.Fatalf("expected counter to restart at 1 after Reset, got %v", reset)
	}
}

func TestFormulaBackOffFlatWithoutExponent(t *testing.T) {
	b := newFormulaBackOff(SlotConfig{RetryBackoff: 5})
	for i := 0; i < 3; i++ {
		d := b.NextBackOff()
		if d.Seconds() != 5 {
			t.Fatalf("expected flat 5s delay with no exponent configured, got %v", d)
		}
	}
}

func TestFormulaBackOffDefaultsToOneSecondBackoff(t *testing.T) {
	b := newFormulaBackOff(SlotConfig{})
	if d := b.NextBackOff(); d.Seconds() != 1 {
		t.Fatalf("expected default 1s backoff, got %v", d)
	}
}
