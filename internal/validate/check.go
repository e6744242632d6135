package validate

import "fmt"

// MissingProviderError reports a provider from the table that produced no events.
type MissingProviderError struct {
	Provider string
}

func (e *MissingProviderError) Error() string {
	return fmt.Sprintf("provider %q was expected but no events were observed", e.Provider)
}

// CountMismatchError reports an observed count outside the tolerated range.
type CountMismatchError struct {
	Provider string
	Expected ExpectedCount
	Actual   int
}

func (e *CountMismatchError) Error() string {
	lo, hi := e.Expected.Bounds()
	if hi < 0 {
		return fmt.Sprintf("provider %q: expected at least %d events, observed %d", e.Provider, lo, e.Actual)
	}
	return fmt.Sprintf("provider %q: expected %s events (accepted %d..%d), observed %d",
		e.Provider, e.Expected, lo, hi, e.Actual)
}

// Check walks expected in table order and returns the first failure. A
// provider absent from actual is a *MissingProviderError, a count outside
// tolerance is a *CountMismatchError. Providers not in the table are ignored.
// Every row, including one expecting zero events, requires the provider to
// have been observed.
func Check(expected Expectations, actual map[string]int) error {
	for _, row := range expected {
		n, ok := actual[row.Provider]
		if !ok {
			return &MissingProviderError{Provider: row.Provider}
		}
		if !row.Expected.Accepts(n) {
			return &CountMismatchError{Provider: row.Provider, Expected: row.Expected, Actual: n}
		}
	}
	return nil
}

// CheckAll is Check without stopping at the first failure.
func CheckAll(expected Expectations, actual map[string]int) []error {
	var errs []error
	for _, row := range expected {
		if err := Check(Expectations{row}, actual); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
