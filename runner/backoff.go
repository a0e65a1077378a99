package runner

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var _ backoff.BackOff = (*formulaBackOff)(nil)

// formulaBackOff implements backoff.BackOff with the retry delay
// formula of §4.7: backoff * counter^exponent, counter starting at 1
// and incrementing on every call to NextBackOff. With no exponent
// configured the delay is flat backoff, not backoff*counter.
type formulaBackOff struct {
	backoff  float64
	exponent float64
	hasExpo  bool
	counter  float64
}

func newFormulaBackOff(slot SlotConfig) *formulaBackOff {
	b := slot.RetryBackoff
	if b <= 0 {
		b = 1
	}
	return &formulaBackOff{backoff: b, exponent: slot.RetryBackoffExponent, hasExpo: slot.RetryBackoffExponent > 0}
}

func (f *formulaBackOff) NextBackOff() time.Duration {
	f.counter++
	seconds := f.backoff
	if f.hasExpo {
		seconds = f.backoff * math.Pow(f.counter, f.exponent)
	}
	return time.Duration(seconds * float64(time.Second))
}

func (f *formulaBackOff) Reset() {
	f.counter = 0
}
