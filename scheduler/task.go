package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ecashwallet/walletd/retry"
	"github.com/lightningnetwork/lnd/kvdb"
)

// TaskType is the kind of work a pending task stands for.
type TaskType uint8

const (
	TaskExchangeUpdate TaskType = iota
	TaskExchangeCheckRefresh
	TaskPay
	TaskProposalDownload
	TaskRefresh
	TaskReserve
	TaskRecoup
	TaskRefundQuery
	TaskTipPickup
	TaskWithdraw
	TaskDeposit
	TaskBackup

	// numTaskTypes must stay last.
	numTaskTypes
)

// String returns the name of the task type.
func (t TaskType) String() string {
	switch t {
	case TaskExchangeUpdate:
		return "exchange-update"
	case TaskExchangeCheckRefresh:
		return "exchange-check-refresh"
	case TaskPay:
		return "pay"
	case TaskProposalDownload:
		return "proposal-download"
	case TaskRefresh:
		return "refresh"
	case TaskReserve:
		return "reserve"
	case TaskRecoup:
		return "recoup"
	case TaskRefundQuery:
		return "refund-query"
	case TaskTipPickup:
		return "tip-pickup"
	case TaskWithdraw:
		return "withdraw"
	case TaskDeposit:
		return "deposit"
	case TaskBackup:
		return "backup"
	default:
		return fmt.Sprintf("unknown-%d", uint8(t))
	}
}

// ParseTaskType returns the task type with the given name.
func ParseTaskType(s string) (TaskType, error) {
	for t := TaskType(0); t < numTaskTypes; t++ {
		if t.String() == s {
			return t, nil
		}
	}

	return 0, fmt.Errorf("unknown task type %q", s)
}

// PendingTask is one outstanding unit of work.
type PendingTask struct {
	Type TaskType

	// ID identifies the record the task works on, unique per type.
	ID string

	// TimestampDue is the earliest time the task should run.
	TimestampDue time.Time

	// Retry is the retry state of the record, nil if it has none.
	Retry *retry.Info

	// GivesLifeness is true if the wallet should keep running while the
	// task is pending.
	GivesLifeness bool
}

// TaskID returns a string naming the task.
func (p *PendingTask) TaskID() string {
	return p.Type.String() + ":" + p.ID
}

// Due reports whether the task should run at now.
func (p *PendingTask) Due(now time.Time) bool {
	return !p.TimestampDue.After(now)
}

// Source lists the pending tasks of one subsystem. All sources are queried
// within the same read transaction.
type Source func(tx kvdb.RTx, now time.Time) ([]PendingTask, error)

// Processor runs the task of the given record. If forceNow is set, the
// processor resets the record's retry state before running. Processors
// record failures on the record themselves and return them for logging.
type Processor func(ctx context.Context, id string, forceNow bool) error
