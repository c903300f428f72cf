package walletd

import (
	"fmt"

	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/scheduler"
)

// Operation identifies the kind of a request.
type Operation uint8

const (
	OpGetBalances Operation = iota
	OpPreparePay
	OpConfirmPay
	OpRefuseProposal
	OpGetPendingTasks
	OpRunPending
	OpRunUntilDone
	OpRetryTask
	OpListPurchases
	OpListCoins
)

// String returns the name of the operation.
func (o Operation) String() string {
	switch o {
	case OpGetBalances:
		return "getBalances"
	case OpPreparePay:
		return "preparePay"
	case OpConfirmPay:
		return "confirmPay"
	case OpRefuseProposal:
		return "refuseProposal"
	case OpGetPendingTasks:
		return "getPendingTasks"
	case OpRunPending:
		return "runPending"
	case OpRunUntilDone:
		return "runUntilDone"
	case OpRetryTask:
		return "retryTask"
	case OpListPurchases:
		return "listPurchases"
	case OpListCoins:
		return "listCoins"
	default:
		return fmt.Sprintf("unknown-%d", uint8(o))
	}
}

// Request is a request to the wallet. The set of requests is closed: only
// the types of this package implement it.
type Request interface {
	operation() Operation
}

// GetBalancesRequest asks for the balance of every currency. The result is
// a []walletdb.Balance.
type GetBalancesRequest struct{}

// PreparePayRequest downloads the proposal behind a taler://pay URI and
// checks whether it can be paid. The result is a *pay.PreparePayResult.
type PreparePayRequest struct {
	TalerPayURI string
}

// ConfirmPayRequest pays a downloaded proposal. The result is a
// *pay.ConfirmPayResult.
type ConfirmPayRequest struct {
	ProposalID string

	// SessionID, if set, replaces the session of the proposal.
	SessionID string
}

// RefuseProposalRequest declines a downloaded proposal. There is no
// result.
type RefuseProposalRequest struct {
	ProposalID string
}

// GetPendingTasksRequest lists the pending tasks. The result is a
// []scheduler.PendingTask.
type GetPendingTasksRequest struct{}

// RunPendingRequest runs every due task once, or every pending task with
// ForceNow. There is no result.
type RunPendingRequest struct {
	ForceNow bool
}

// RunUntilDoneRequest runs tasks until none gives lifeness. There is no
// result.
type RunUntilDoneRequest struct{}

// RetryTaskRequest resets the retry state of one task and runs it. There is
// no result.
type RetryTaskRequest struct {
	Type scheduler.TaskType
	ID   string
}

// ListPurchasesRequest lists all purchases. The result is a
// []*walletdb.Purchase.
type ListPurchasesRequest struct{}

// ListCoinsRequest lists all coins. The result is a []*walletdb.Coin.
type ListCoinsRequest struct{}

func (*GetBalancesRequest) operation() Operation {
	return OpGetBalances
}

func (*PreparePayRequest) operation() Operation {
	return OpPreparePay
}

func (*ConfirmPayRequest) operation() Operation {
	return OpConfirmPay
}

func (*RefuseProposalRequest) operation() Operation {
	return OpRefuseProposal
}

func (*GetPendingTasksRequest) operation() Operation {
	return OpGetPendingTasks
}

func (*RunPendingRequest) operation() Operation {
	return OpRunPending
}

func (*RunUntilDoneRequest) operation() Operation {
	return OpRunUntilDone
}

func (*RetryTaskRequest) operation() Operation {
	return OpRetryTask
}

func (*ListPurchasesRequest) operation() Operation {
	return OpListPurchases
}

func (*ListCoinsRequest) operation() Operation {
	return OpListCoins
}

func unknownOperation(op Operation) error {
	return errorcodes.New(
		errorcodes.WalletCoreAPIOperationUnknown,
		errorcodes.KindInternal, "no handler for operation %v", op,
	)
}
