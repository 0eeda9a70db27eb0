package core

// Phase is a step of the per-account state machine.
//
//	Idle -> Validating -> [Approving -> AwaitingApprovalConfirm -> Staking -> AwaitingStakeConfirm]
//	                   -> [Withdrawing -> AwaitingWithdrawConfirm]
//	                   -> [Harvesting -> AwaitingHarvestConfirm]
//	     -> Refreshing -> Idle
//
// Any phase other than Idle may move to Failed, which immediately resets
// to Idle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseValidating
	PhaseApproving
	PhaseAwaitingApprovalConfirm
	PhaseStaking
	PhaseAwaitingStakeConfirm
	PhaseWithdrawing
	PhaseAwaitingWithdrawConfirm
	PhaseHarvesting
	PhaseAwaitingHarvestConfirm
	PhaseRefreshing
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseValidating:
		return "Validating"
	case PhaseApproving:
		return "Approving"
	case PhaseAwaitingApprovalConfirm:
		return "AwaitingApprovalConfirm"
	case PhaseStaking:
		return "Staking"
	case PhaseAwaitingStakeConfirm:
		return "AwaitingStakeConfirm"
	case PhaseWithdrawing:
		return "Withdrawing"
	case PhaseAwaitingWithdrawConfirm:
		return "AwaitingWithdrawConfirm"
	case PhaseHarvesting:
		return "Harvesting"
	case PhaseAwaitingHarvestConfirm:
		return "AwaitingHarvestConfirm"
	case PhaseRefreshing:
		return "Refreshing"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Status is the caller-facing summary of a machine.
type Status int32

const (
	StatusIdle Status = iota
	StatusPending
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusPending:
		return "Pending"
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// step pairs the submit phase of one ledger write with its await phase.
type step struct {
	submit Phase
	await  Phase
}

var (
	stepApprove  = step{PhaseApproving, PhaseAwaitingApprovalConfirm}
	stepStake    = step{PhaseStaking, PhaseAwaitingStakeConfirm}
	stepWithdraw = step{PhaseWithdrawing, PhaseAwaitingWithdrawConfirm}
	stepHarvest  = step{PhaseHarvesting, PhaseAwaitingHarvestConfirm}
)
