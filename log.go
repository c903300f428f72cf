package walletd

import (
	"github.com/btcsuite/btclog"
	"github.com/ecashwallet/walletd/build"
	"github.com/ecashwallet/walletd/coinselect"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/monitoring"
	"github.com/ecashwallet/walletd/multimutex"
	"github.com/ecashwallet/walletd/notify"
	"github.com/ecashwallet/walletd/pay"
	"github.com/ecashwallet/walletd/scheduler"
	"github.com/ecashwallet/walletd/signal"
	"github.com/ecashwallet/walletd/walletdb"
)

// Subsystem is the subsystem of the wallet daemon itself.
const Subsystem = "WLTD"

// wltdLog is the logger of the daemon. Like every subsystem logger it is
// disabled until SetupLoggers is called.
var wltdLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables. Critical
// messages of the pay subsystem call requestShutdown.
func SetupLoggers(root *build.SubLoggerManager, requestShutdown func()) {

	wltdLog = root.RegisterSubLogger(Subsystem, func(btclog.Logger) {})

	AddSubLogger(root, coinselect.Subsystem, coinselect.UseLogger)
	AddSubLogger(root, merchant.Subsystem, merchant.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
	AddSubLogger(root, multimutex.Subsystem, multimutex.UseLogger)
	AddSubLogger(root, notify.Subsystem, notify.UseLogger)
	AddSubLogger(root, scheduler.Subsystem, scheduler.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
	AddSubLogger(root, walletdb.Subsystem, walletdb.UseLogger)

	payLog := build.NewShutdownLogger(
		root.GenSubLogger(pay.Subsystem), requestShutdown,
	)
	pay.UseLogger(payLog)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	logger := root.RegisterSubLogger(subsystem, func(btclog.Logger) {})
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
