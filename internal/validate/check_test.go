package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToleranceBoundary(t *testing.T) {
	table := Expectations{}.Expect("MyEventSource", Within(1000, 0.40))

	tests := []struct {
		actual int
		pass   bool
	}{
		{1000, true},
		{600, true},
		{599, false},
		{1400, true},
		{1401, false},
		{0, false},
	}
	for _, tt := range tests {
		err := Check(table, map[string]int{"MyEventSource": tt.actual})
		if tt.pass {
			assert.NoError(t, err, "actual=%d", tt.actual)
			continue
		}
		var mismatch *CountMismatchError
		require.True(t, errors.As(err, &mismatch), "actual=%d: %v", tt.actual, err)
		assert.Equal(t, "MyEventSource", mismatch.Provider)
		assert.Equal(t, 1000, mismatch.Expected.Count)
		assert.Equal(t, tt.actual, mismatch.Actual)
	}
}

func TestPresenceOnly(t *testing.T) {
	table := Expectations{}.Expect("Runtime", Present())

	assert.NoError(t, Check(table, map[string]int{"Runtime": 1}))
	assert.NoError(t, Check(table, map[string]int{"Runtime": 1_000_000}))

	var missing *MissingProviderError
	assert.True(t, errors.As(Check(table, map[string]int{}), &missing))
	assert.Equal(t, "Runtime", missing.Provider)

	var mismatch *CountMismatchError
	assert.True(t, errors.As(Check(table, map[string]int{"Runtime": 0}), &mismatch))
}

func TestFirstFailureInTableOrder(t *testing.T) {
	table := Expectations{}.
		Expect("A", Exactly(10)).
		Expect("B", Exactly(5)).
		Expect("C", Present())
	actual := map[string]int{"A": 9, "Extra": 1}

	var mismatch *CountMismatchError
	require.True(t, errors.As(Check(table, actual), &mismatch))
	assert.Equal(t, "A", mismatch.Provider)

	errs := CheckAll(table, actual)
	require.Len(t, errs, 3)
	var missing *MissingProviderError
	assert.True(t, errors.As(errs[1], &missing))
	assert.Equal(t, "B", missing.Provider)
}

func TestExtraProvidersIgnored(t *testing.T) {
	table := Expectations{}.Expect("A", Exactly(1))
	assert.NoError(t, Check(table, map[string]int{"A": 1, "B": 1000}))
	assert.NoError(t, Check(nil, map[string]int{"B": 1}))
}

func TestZeroExpectedCount(t *testing.T) {
	table := Expectations{}.Expect("Quiet", Exactly(0))
	var missing *MissingProviderError
	require.ErrorAs(t, Check(table, map[string]int{}), &missing)
	assert.Equal(t, "Quiet", missing.Provider)
	assert.NoError(t, Check(table, map[string]int{"Quiet": 0}))

	var mismatch *CountMismatchError
	assert.True(t, errors.As(Check(table, map[string]int{"Quiet": 1}), &mismatch))
}

func TestCheckIsDeterministic(t *testing.T) {
	table := Expectations{}.Expect("A", Within(100, 0.1)).Expect("B", Present())
	actual := map[string]int{"A": 85, "B": 3}

	first := Check(table, actual)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Check(table, actual))
	}
	assert.Equal(t, map[string]int{"A": 85, "B": 3}, actual, "inputs are not modified")
}

func TestExpectedCountString(t *testing.T) {
	assert.Equal(t, "present", Present().String())
	assert.Equal(t, "7", Exactly(7).String())
	assert.Equal(t, "1000 ±40%", Within(1000, 0.40).String())

	err := &CountMismatchError{Provider: "A", Expected: Within(1000, 0.40), Actual: 599}
	assert.Contains(t, err.Error(), "accepted 600..1400")
}

func TestLookup(t *testing.T) {
	table := Expectations{}.Expect("A", Exactly(1)).Expect("B", Present())
	e, ok := table.Lookup("B")
	assert.True(t, ok)
	assert.Equal(t, PresenceOnly, e.Count)
	_, ok = table.Lookup("C")
	assert.False(t, ok)
	assert.Equal(t, []string{"A", "B"}, table.Providers())
}
