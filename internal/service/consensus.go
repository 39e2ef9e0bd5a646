package service

import (
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// RequiredApprovals is the number of approver slots that must approve for
// the step to be satisfied. Percentages round up, so 50% of 3 needs 2.
func RequiredApprovals(step *repository.Step, approverCount int) int {
	if approverCount <= 0 {
		return 1
	}
	switch step.ApprovalType {
	case repository.ApprovalTypeAll:
		return approverCount
	case repository.ApprovalTypePercentage:
		pct := 100
		if step.RequiredPercentage != nil {
			pct = *step.RequiredPercentage
		}
		need := (approverCount*pct + 99) / 100
		if need < 1 {
			need = 1
		}
		return need
	default:
		return 1
	}
}

// ConsensusReached reports whether the recorded approvals satisfy the step.
// The approver set is the one frozen at resolution time.
func ConsensusReached(step *repository.Step, state *repository.StepState) bool {
	if state == nil || len(state.Approvers) == 0 {
		return false
	}
	return state.ApprovalCount() >= RequiredApprovals(step, len(state.Approvers))
}
