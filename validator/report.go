package validator

import (
	"fmt"
	"io"
	"time"
)

// Outcome classifies a finished validation run.
type Outcome string

const (
	OutcomePass              Outcome = "pass"
	OutcomeSetupError        Outcome = "setup_error"
	OutcomeEvidenceMissing   Outcome = "evidence_missing"
	OutcomeChallengeRejected Outcome = "challenge_rejected"
	OutcomeChecksFailed      Outcome = "checks_failed"
)

// ExitCode maps an outcome to the CLI exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomePass:
		return 0
	case OutcomeEvidenceMissing:
		return 3
	case OutcomeChallengeRejected:
		return 4
	case OutcomeChecksFailed:
		return 5
	default:
		return 1
	}
}

// Check is one named pass/fail entry. Soft checks are informational and do
// not affect AllPassed.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Hard    bool   `json:"hard"`
	Message string `json:"message"`
	RuleID  string `json:"rule_id,omitempty"`
}

type Report struct {
	ChallengeID  string            `json:"challenge_id,omitempty"`
	StudentID    string            `json:"student_id,omitempty"`
	Week         int               `json:"week,omitempty"`
	GeneratedAt  time.Time         `json:"generated_at"`
	Checks       []Check           `json:"checks"`
	AllPassed    bool              `json:"all_passed"`
	Outcome      Outcome           `json:"outcome"`
	ArchivedCIDs map[string]string `json:"archived_cids,omitempty"`
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
}

func (r *Report) pass(name, msg string) {
	r.add(Check{Name: name, Passed: true, Hard: true, Message: msg})
}

func (r *Report) fail(name, msg, rule string) {
	r.add(Check{Name: name, Hard: true, Message: msg, RuleID: rule})
}

// Check returns the check with the given name.
func (r *Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Failed returns the failed hard checks in order.
func (r *Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Hard && !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// finish computes AllPassed and, unless an earlier stage already decided
// it, the outcome.
func (r *Report) finish(o Outcome) {
	r.AllPassed = o != OutcomeSetupError && len(r.Failed()) == 0
	switch {
	case o != "":
		r.Outcome = o
	case r.AllPassed:
		r.Outcome = OutcomePass
	default:
		r.Outcome = OutcomeChecksFailed
	}
	if r.Outcome != OutcomePass {
		r.AllPassed = false
	}
}

// WriteText prints every check followed by the final PASS/FAIL line and
// the itemized failures.
func (r *Report) WriteText(w io.Writer) error {
	for _, c := range r.Checks {
		status := "ok"
		switch {
		case !c.Passed && c.Hard:
			status = "FAIL"
		case !c.Passed:
			status = "warn"
		}
		if _, err := fmt.Fprintf(w, "[%-4s] %-24s %s\n", status, c.Name, c.Message); err != nil {
			return err
		}
	}
	if r.AllPassed {
		_, err := fmt.Fprintf(w, "PASS (%s)\n", r.Outcome)
		return err
	}
	if _, err := fmt.Fprintf(w, "FAIL (%s)\n", r.Outcome); err != nil {
		return err
	}
	for _, c := range r.Failed() {
		line := fmt.Sprintf("  - %s: %s", c.Name, c.Message)
		if c.RuleID != "" {
			line += " [" + c.RuleID + "]"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
