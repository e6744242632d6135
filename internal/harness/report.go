package harness

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"tracecheck/internal/validate"
)

// WriteReport renders the session configuration, the expectations table and
// the observed counts.
func (r *RunResult) WriteReport(w io.Writer) error {
	status := "PASSED"
	if !r.Passed {
		status = fmt.Sprintf("FAILED (%s)", r.Kind)
	}
	if _, err := fmt.Fprintf(w, "Result: %s\n", status); err != nil {
		return err
	}
	if r.Err != nil {
		fmt.Fprintf(w, "Reason: %v\n", r.Err)
	}

	fmt.Fprintln(w, "\nConfiguration")
	cfg := tablewriter.NewWriter(w)
	cfg.Header("Setting", "Value")
	if r.Config != nil {
		_ = cfg.Append([]string{"Session", strconv.FormatUint(uint64(r.SessionID), 10)})
		_ = cfg.Append([]string{"Circular buffer", fmt.Sprintf("%d MB", r.Config.CircularBufferMB())})
		_ = cfg.Append([]string{"Format", r.Config.Format().String()})
		for _, p := range r.Config.Providers() {
			_ = cfg.Append([]string{"Provider", p.String()})
		}
	} else {
		_ = cfg.Append([]string{"Session", "<none>"})
	}
	if err := cfg.Render(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nExpected")
	exp := tablewriter.NewWriter(w)
	exp.Header("Provider", "Expected", "Observed", "Status")
	for _, row := range r.Expected {
		observed, seen := r.Counts[row.Provider]
		_ = exp.Append([]string{row.Provider, row.Expected.String(), observedCell(observed, seen), rowStatus(row, r.Counts)})
	}
	if err := exp.Render(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nActual")
	act := tablewriter.NewWriter(w)
	act.Header("Provider", "Events")
	providers := lo.Keys(r.Counts)
	slices.Sort(providers)
	for _, name := range providers {
		_ = act.Append([]string{name, strconv.Itoa(r.Counts[name])})
	}
	total := lo.Sum(lo.Values(r.Counts))
	_ = act.Append([]string{"(total)", strconv.Itoa(total)})
	_ = act.Append([]string{"(lost)", strconv.FormatUint(r.LostEvents, 10)})
	return act.Render()
}

func observedCell(n int, seen bool) string {
	if !seen {
		return "-"
	}
	return strconv.Itoa(n)
}

func rowStatus(row validate.Expectation, counts map[string]int) string {
	if err := validate.Check(validate.Expectations{row}, counts); err != nil {
		return "FAIL"
	}
	return "ok"
}

// Report is the serializable form of a RunResult.
type Report struct {
	Passed     bool                  `yaml:"passed"`
	Kind       FailureKind           `yaml:"kind"`
	ExitCode   int                   `yaml:"exit_code"`
	Error      string                `yaml:"error,omitempty"`
	SessionID  uint64                `yaml:"session_id"`
	Config     string                `yaml:"config,omitempty"`
	Expected   validate.Expectations `yaml:"expected"`
	Counts     map[string]int        `yaml:"counts"`
	LostEvents uint64                `yaml:"lost_events"`
	Summary    *TraceSummary         `yaml:"summary,omitempty"`
}

// Report converts the result for YAML output.
func (r *RunResult) Report() Report {
	rep := Report{
		Passed:     r.Passed,
		Kind:       r.Kind,
		ExitCode:   r.ExitCode(),
		SessionID:  uint64(r.SessionID),
		Expected:   r.Expected,
		Counts:     r.Counts,
		LostEvents: r.LostEvents,
		Summary:    r.Summary,
	}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	if r.Config != nil {
		rep.Config = r.Config.String()
	}
	return rep
}
