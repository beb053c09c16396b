package audit

import (
	"fmt"

	"github.com/lexsight/lattice/pkg/domain"
)

// VerifyChain checks the integrity invariants of a recorded trail: all
// events share one run ID, positions are strictly increasing by
// (pass_index, order_index), and every event's input hash equals the
// previous event's output hash. An empty trail is trivially intact.
func VerifyChain(trail []domain.AuditEvent) error {
	for i, event := range trail {
		if event.RunID == "" {
			return fmt.Errorf("%w: event %d missing run id", domain.ErrAuditChainBroken, i)
		}
		if event.RunID != trail[0].RunID {
			return fmt.Errorf("%w: event %d belongs to run %q, trail is for run %q",
				domain.ErrAuditChainBroken, i, event.RunID, trail[0].RunID)
		}
		if i == 0 {
			continue
		}
		prev := trail[i-1]
		if !positionAfter(event, prev) {
			return fmt.Errorf("%w: event %d position (pass=%d, order=%d) does not follow (pass=%d, order=%d)",
				domain.ErrAuditChainBroken, i, event.PassIndex, event.OrderIndex, prev.PassIndex, prev.OrderIndex)
		}
		if prev.OutputHash != event.InputHash {
			return fmt.Errorf("%w: event %d input hash %s does not continue output hash %s",
				domain.ErrAuditChainBroken, i, event.InputHash, prev.OutputHash)
		}
	}
	return nil
}

// VerifyRun checks a trail against the input text it claims to describe:
// the chain must be intact and the first event's input hash must match the
// hash of the input text.
func VerifyRun(inputText string, trail []domain.AuditEvent) error {
	if err := VerifyChain(trail); err != nil {
		return err
	}
	if len(trail) == 0 {
		return nil
	}
	if got, want := trail[0].InputHash, HashText(inputText); got != want {
		return fmt.Errorf("%w: first event input hash %s does not match input text hash %s",
			domain.ErrAuditChainBroken, got, want)
	}
	return nil
}

// ReplayReport summarizes a walk over a stored trail.
type ReplayReport struct {
	// RunID is taken from the first event; empty for empty trails.
	RunID string `json:"run_id"`

	// Events is the number of events examined.
	Events int `json:"events"`

	// Passes is the number of distinct passes the trail covers.
	Passes int `json:"passes"`

	// Intact is true when the whole chain verified.
	Intact bool `json:"intact"`

	// BrokenAt is the index of the first event that failed verification,
	// or -1 when the chain is intact.
	BrokenAt int `json:"broken_at"`

	// Rejected is true when the trail ends in a rejection.
	Rejected bool `json:"rejected"`

	// FinalAction is the action of the last event; empty for empty trails.
	FinalAction domain.ActionTaken `json:"final_action,omitempty"`
}

// Replay walks a stored trail event by event and reports how far the hash
// chain holds together. Unlike VerifyChain it never returns an error; the
// report carries the findings.
func Replay(inputText string, trail []domain.AuditEvent) ReplayReport {
	report := ReplayReport{BrokenAt: -1, Events: len(trail)}
	if len(trail) == 0 {
		report.Intact = true
		return report
	}

	report.RunID = trail[0].RunID
	report.FinalAction = trail[len(trail)-1].ActionTaken
	report.Rejected = report.FinalAction == domain.ActionRejected

	passes := make(map[int]struct{})
	for _, event := range trail {
		passes[event.PassIndex] = struct{}{}
	}
	report.Passes = len(passes)

	if trail[0].InputHash != HashText(inputText) {
		report.BrokenAt = 0
		return report
	}
	for i := 1; i < len(trail); i++ {
		if trail[i].RunID != report.RunID ||
			!positionAfter(trail[i], trail[i-1]) ||
			trail[i-1].OutputHash != trail[i].InputHash {
			report.BrokenAt = i
			return report
		}
	}

	report.Intact = true
	return report
}
