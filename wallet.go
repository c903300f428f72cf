package walletd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/multimutex"
	"github.com/ecashwallet/walletd/notify"
	"github.com/ecashwallet/walletd/pay"
	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/scheduler"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// ErrWalletShuttingDown is returned for requests handled after Stop.
var ErrWalletShuttingDown = errors.New("wallet shutting down")

// WalletConfig holds everything a wallet is built from.
type WalletConfig struct {
	// DB is the opened ledger. The wallet doesn't close it.
	DB *walletdb.DB

	// Transport carries the requests to merchant backends.
	Transport merchant.Transport

	RetryPolicy retry.Policy

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// PollInterval is the longest time the scheduler sleeps between two
	// looks at the pending set.
	PollInterval time.Duration

	// MaxRetries stops RunUntilDone once a task failed this often. Zero
	// means no limit.
	MaxRetries uint32

	// BackgroundTasks runs the scheduler loop from Start. Tools that only
	// run tasks on request leave it unset.
	BackgroundTasks bool
}

// Wallet ties the ledger, the payment manager and the scheduler together.
// It is created once and passed to everything that acts on the wallet.
type Wallet struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *WalletConfig

	notifier  *notify.Server
	locks     *multimutex.Manager
	payMgr    *pay.Manager
	scheduler *scheduler.Scheduler

	// cleanups are run in reverse order by Stop.
	mu       sync.Mutex
	cleanups []func() error
}

// NewWallet wires a wallet from cfg. Nothing runs until Start.
func NewWallet(cfg *WalletConfig) *Wallet {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = scheduler.DefaultPollInterval
	}
	cfg.RetryPolicy.Clock = cfg.Clock

	w := &Wallet{
		cfg:      cfg,
		notifier: notify.NewServer(),
		locks:    multimutex.NewManager(),
	}

	w.payMgr = pay.New(&pay.Config{
		DB:          cfg.DB,
		Merchant:    merchant.NewClient(cfg.Transport),
		Notifier:    w.notifier,
		Locks:       w.locks,
		RetryPolicy: cfg.RetryPolicy,
		Clock:       cfg.Clock,
	})

	w.scheduler = scheduler.New(&scheduler.Config{
		DB:         cfg.DB,
		Clock:      cfg.Clock,
		Notifier:   w.notifier,
		PollTicker: ticker.New(cfg.PollInterval),
		MaxRetries: cfg.MaxRetries,
	})
	w.scheduler.RegisterSource(w.payMgr.PendingTasks)
	w.scheduler.RegisterProcessor(
		scheduler.TaskProposalDownload,
		w.payMgr.ProcessDownloadProposal,
	)
	w.scheduler.RegisterProcessor(
		scheduler.TaskPay, w.payMgr.ProcessPurchasePay,
	)

	return w
}

// RegisterSource adds the pending tasks of a peer subsystem to the
// scheduler. It must be called before Start.
func (w *Wallet) RegisterSource(src scheduler.Source) {
	w.scheduler.RegisterSource(src)
}

// RegisterProcessor installs the processor of a task type owned by a peer
// subsystem. It must be called before Start.
func (w *Wallet) RegisterProcessor(t scheduler.TaskType,
	p scheduler.Processor) {

	w.scheduler.RegisterProcessor(t, p)
}

// Start starts the notification server, the payment manager and, if
// configured, the background scheduler.
func (w *Wallet) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}

	// The notification server must run before anything can notify.
	if err := w.notifier.Start(); err != nil {
		return err
	}
	w.addCleanup(w.notifier.Stop)

	if err := w.payMgr.Start(); err != nil {
		return w.startFailed(err)
	}
	w.addCleanup(w.payMgr.Stop)

	// Stopping the scheduler also releases the poll ticker that on
	// request runs use.
	w.addCleanup(w.scheduler.Stop)
	if w.cfg.BackgroundTasks {
		if err := w.scheduler.Start(); err != nil {
			return w.startFailed(err)
		}
	}

	wltdLog.Infof("Wallet started (background tasks: %v)",
		w.cfg.BackgroundTasks)

	return nil
}

func (w *Wallet) addCleanup(f func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cleanups = append(w.cleanups, f)
}

func (w *Wallet) startFailed(err error) error {
	if stopErr := w.Stop(); stopErr != nil {
		wltdLog.Errorf("Unable to stop after failed start: %v",
			stopErr)
	}

	return err
}

// Stop stops everything Start started, in reverse order.
func (w *Wallet) Stop() error {
	if !w.stopped.CompareAndSwap(false, true) {
		return nil
	}

	w.mu.Lock()
	cleanups := w.cleanups
	w.cleanups = nil
	w.mu.Unlock()

	var firstErr error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	wltdLog.Info("Wallet stopped")

	return firstErr
}

// Subscribe returns a client receiving every notification of the wallet.
func (w *Wallet) Subscribe() (*notify.Client, error) {
	return w.notifier.Subscribe()
}

// Handle executes one request. The concrete type of the result is named in
// the documentation of each request type.
func (w *Wallet) Handle(ctx context.Context, req Request) (interface{},
	error) {

	if w.stopped.Load() {
		return nil, ErrWalletShuttingDown
	}

	op := req.operation()
	wltdLog.Debugf("Handling %v request", op)

	resp, err := w.handle(ctx, req)
	if err != nil {
		wltdLog.Debugf("Request %v failed: %v", op, err)
		return nil, fmt.Errorf("%v: %w", op, err)
	}

	return resp, nil
}

func (w *Wallet) handle(ctx context.Context, req Request) (interface{},
	error) {

	switch r := req.(type) {
	case *GetBalancesRequest:
		return w.cfg.DB.FetchBalances()

	case *PreparePayRequest:
		return w.payMgr.PreparePay(ctx, r.TalerPayURI)

	case *ConfirmPayRequest:
		resp, err := w.payMgr.ConfirmPay(
			ctx, r.ProposalID, r.SessionID,
		)
		w.scheduler.Wake()

		return resp, err

	case *RefuseProposalRequest:
		return nil, w.payMgr.RefuseProposal(ctx, r.ProposalID)

	case *GetPendingTasksRequest:
		return w.scheduler.PendingTasks()

	case *RunPendingRequest:
		return nil, w.scheduler.RunPending(ctx, r.ForceNow)

	case *RunUntilDoneRequest:
		return nil, w.scheduler.RunUntilIdle(ctx)

	case *RetryTaskRequest:
		return nil, w.scheduler.ForceNow(ctx, r.Type, r.ID)

	case *ListPurchasesRequest:
		return w.cfg.DB.FetchAllPurchases()

	case *ListCoinsRequest:
		return w.cfg.DB.FetchAllCoins()
	}

	// Request is sealed, so only a type added above without a case can
	// get here.
	return nil, unknownOperation(req.operation())
}
