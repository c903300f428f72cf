package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ecashwallet/walletd"
	"github.com/ecashwallet/walletd/merchant"
	"github.com/ecashwallet/walletd/walletcfg"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[walletcli] %v\n", err)
	os.Exit(1)
}

// getWallet opens the ledger below the configured wallet directory and
// starts a wallet on it that runs tasks only when asked to. The returned
// function stops the wallet and closes the ledger.
func getWallet(ctx *cli.Context) (*walletd.Wallet, func()) {
	walletDir := walletcfg.CleanAndExpandPath(
		ctx.GlobalString("walletdir"),
	)
	dbCfg := walletdb.DefaultConfig(filepath.Join(walletDir, "data"))

	db, err := walletdb.Open(dbCfg, nil)
	if err != nil {
		fatal(fmt.Errorf("unable to open ledger: %w", err))
	}

	transportCfg := merchant.DefaultTransportConfig()
	transportCfg.UserAgent = "walletcli"

	wallet := walletd.NewWallet(&walletd.WalletConfig{
		DB:          db,
		Transport:   merchant.NewHTTPTransport(transportCfg, nil),
		RetryPolicy: retryPolicy(ctx),
		MaxRetries:  uint32(ctx.GlobalUint("maxretries")),
	})
	if err := wallet.Start(); err != nil {
		_ = db.Close()
		fatal(err)
	}

	cleanUp := func() {
		if err := wallet.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "unable to stop wallet: %v\n",
				err)
		}
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "unable to close ledger: %v\n",
				err)
		}
	}

	return wallet, cleanUp
}

func printJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "    ")
	out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}

func main() {
	app := cli.NewApp()
	app.Name = "walletcli"
	app.Usage = "operate on the ledger of an e-cash wallet"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "walletdir",
			Value:     walletd.DefaultWalletDir,
			Usage:     "The path to walletd's base directory.",
			TakesFile: true,
		},
		cli.UintFlag{
			Name: "maxretries",
			Usage: "Stop run-until-done once a task has been " +
				"retried this often (0 to retry forever).",
		},
		cli.DurationFlag{
			Name:  "backoffdelta",
			Usage: "Initial delay before a failed task is retried.",
		},
	}
	app.Commands = []cli.Command{
		balanceCommand,
		pendingCommand,
		preparePayCommand,
		confirmPayCommand,
		refuseCommand,
		runPendingCommand,
		runUntilDoneCommand,
		retryCommand,
		purchasesCommand,
		coinsCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
