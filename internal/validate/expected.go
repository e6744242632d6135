// Package validate compares observed per-provider event counts with an
// expectations table.
package validate

import (
	"fmt"
	"math"
)

// PresenceOnly as an expected count only requires that the provider was seen.
const PresenceOnly = -1

// ExpectedCount is the expected number of events and the tolerated relative
// error. Error is ignored for PresenceOnly.
type ExpectedCount struct {
	Count int     `yaml:"count"`
	Error float64 `yaml:"error"`
}

// Exactly expects count events with no tolerance.
func Exactly(count int) ExpectedCount { return ExpectedCount{Count: count} }

// Within expects count events within a relative error.
func Within(count int, relErr float64) ExpectedCount { return ExpectedCount{Count: count, Error: relErr} }

// Present only requires at least one event.
func Present() ExpectedCount { return ExpectedCount{Count: PresenceOnly} }

// Accepts reports whether actual satisfies the expectation.
func (e ExpectedCount) Accepts(actual int) bool {
	if e.Count == PresenceOnly {
		return actual >= 1
	}
	return math.Abs(float64(actual-e.Count)) <= float64(e.Count)*e.Error
}

// Bounds returns the inclusive range of accepted counts. For PresenceOnly the
// upper bound is -1, meaning unbounded.
func (e ExpectedCount) Bounds() (lo, hi int) {
	if e.Count == PresenceOnly {
		return 1, -1
	}
	slack := float64(e.Count) * e.Error
	return int(math.Ceil(float64(e.Count) - slack)), int(math.Floor(float64(e.Count) + slack))
}

func (e ExpectedCount) String() string {
	if e.Count == PresenceOnly {
		return "present"
	}
	if e.Error == 0 {
		return fmt.Sprintf("%d", e.Count)
	}
	return fmt.Sprintf("%d ±%g%%", e.Count, e.Error*100)
}

// Expectation is one row of the table.
type Expectation struct {
	Provider string        `yaml:"provider"`
	Expected ExpectedCount `yaml:"expected"`
}

// Expectations is an ordered table; rows are checked in the order they were added.
type Expectations []Expectation

// Expect appends a row and returns the table.
func (t Expectations) Expect(provider string, e ExpectedCount) Expectations {
	return append(t, Expectation{Provider: provider, Expected: e})
}

// Providers lists the provider names in table order.
func (t Expectations) Providers() []string {
	out := make([]string, len(t))
	for i, e := range t {
		out[i] = e.Provider
	}
	return out
}

// Lookup returns the first row for provider.
func (t Expectations) Lookup(provider string) (ExpectedCount, bool) {
	for _, e := range t {
		if e.Provider == provider {
			return e.Expected, true
		}
	}
	return ExpectedCount{}, false
}
