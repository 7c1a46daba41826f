package directive

import "time"

// RetryPolicy computes backoff delays. It owns no timers; callers decide
// when to wait.
type RetryPolicy struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts uint          `yaml:"max_attempts"`
}

// DefaultRetryPolicy matches the heartbeat client's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     time.Second,
		Max:         time.Minute,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// NextDelay returns the wait before retry number attempt (1-based) and
// whether another attempt is allowed at all.
func (p RetryPolicy) NextDelay(attempt uint) (time.Duration, bool) {
	if attempt == 0 || (p.MaxAttempts > 0 && attempt > p.MaxAttempts) {
		return 0, false
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.Initial)
	for i := uint(1); i < attempt; i++ {
		delay *= mult
		if p.Max > 0 && delay >= float64(p.Max) {
			return p.Max, true
		}
	}
	if p.Max > 0 && time.Duration(delay) > p.Max {
		return p.Max, true
	}
	return time.Duration(delay), true
}
