package pay

import (
	"time"

	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/scheduler"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/lightningnetwork/lnd/kvdb"
)

// dueAt returns when work with the given retry state should run next.
func dueAt(info *retry.Info, now time.Time) time.Time {
	if info == nil || !info.Active {
		return now
	}

	return info.NextRetry
}

// PendingTasks lists the downloads, payments and refund queries that wait
// for work.
func (m *Manager) PendingTasks(tx kvdb.RTx,
	now time.Time) ([]scheduler.PendingTask, error) {

	var tasks []scheduler.PendingTask
	err := walletdb.ForAllProposalsTx(tx, func(p *walletdb.Proposal) error {
		if p.Status != walletdb.ProposalDownloading {
			return nil
		}

		tasks = append(tasks, scheduler.PendingTask{
			Type:          scheduler.TaskProposalDownload,
			ID:            p.ProposalID,
			TimestampDue:  dueAt(p.Retry, now),
			Retry:         p.Retry,
			GivesLifeness: true,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	err = walletdb.ForAllPurchasesTx(tx, func(p *walletdb.Purchase) error {
		if p.PaymentSubmitPending && !p.PayFrozen &&
			p.AbortStatus == walletdb.AbortNone {

			tasks = append(tasks, scheduler.PendingTask{
				Type:          scheduler.TaskPay,
				ID:            p.ProposalID,
				TimestampDue:  dueAt(p.PayRetry, now),
				Retry:         p.PayRetry,
				GivesLifeness: true,
			})
		}

		if p.RefundQueryRequested {
			tasks = append(tasks, scheduler.PendingTask{
				Type:          scheduler.TaskRefundQuery,
				ID:            p.ProposalID,
				TimestampDue:  dueAt(p.RefundStatusRetry, now),
				Retry:         p.RefundStatusRetry,
				GivesLifeness: true,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}
