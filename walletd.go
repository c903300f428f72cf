package walletd

import (
	"fmt"

	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/monitoring"
	"github.com/ecashwallet/walletd/pay"
	"github.com/ecashwallet/walletd/scheduler"
	"github.com/ecashwallet/walletd/signal"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/lightningnetwork/lnd/clock"
)

// Main is the true entry point for walletd. It opens the ledger, starts the
// wallet with its background task loop and blocks until a shutdown is
// requested through interceptor.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		wltdLog.Info("Shutdown complete")
		if cfg.LogRotator == nil {
			return
		}
		if err := cfg.LogRotator.Close(); err != nil {
			wltdLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	clk := clock.NewDefaultClock()

	wltdLog.Infof("Opening the ledger in %v", cfg.DB.DataDir)
	db, err := walletdb.Open(cfg.DB, clk)
	if err != nil {
		err := fmt.Errorf("unable to open ledger: %w", err)
		wltdLog.Error(err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			wltdLog.Errorf("Unable to close ledger: %v", err)
		}
	}()

	transport := merchant.NewHTTPTransport(cfg.HTTP, nil)

	wallet := NewWallet(&WalletConfig{
		DB:              db,
		Transport:       transport,
		RetryPolicy:     *cfg.Retry,
		Clock:           clk,
		PollInterval:    cfg.Scheduler.PollInterval,
		BackgroundTasks: true,
	})

	if cfg.Prometheus.Enabled() {
		collectors := append(
			scheduler.Collectors(), pay.Collectors()...,
		)
		err := monitoring.ExportPrometheusMetrics(
			cfg.Prometheus, collectors...,
		)
		if err != nil {
			err := fmt.Errorf("unable to export metrics: %w", err)
			wltdLog.Error(err)
			return err
		}
	}

	if err := wallet.Start(); err != nil {
		err := fmt.Errorf("unable to start wallet: %w", err)
		wltdLog.Error(err)
		return err
	}
	defer func() {
		if err := wallet.Stop(); err != nil {
			wltdLog.Errorf("Unable to stop wallet: %v", err)
		}
	}()

	wltdLog.Info("Wallet is running, waiting for shutdown")

	<-interceptor.ShutdownChannel()

	return nil
}
