package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ecashwallet/walletd"
	"github.com/ecashwallet/walletd/errorcodes"
	"github.com/ecashwallet/walletd/pay"
	"github.com/ecashwallet/walletd/retry"
	"github.com/ecashwallet/walletd/scheduler"
	"github.com/ecashwallet/walletd/walletdb"
	"github.com/urfave/cli"
)

// retryPolicy returns the default retry policy with the overrides given on
// the command line.
func retryPolicy(ctx *cli.Context) retry.Policy {
	policy := retry.DefaultPolicy()
	if ctx.GlobalIsSet("backoffdelta") {
		policy.BackoffDelta = ctx.GlobalDuration("backoffdelta")
	}

	return policy
}

// handle runs one request against the wallet of the command line context.
func handle(ctx *cli.Context, req walletd.Request) (interface{}, error) {
	wallet, cleanUp := getWallet(ctx)
	defer cleanUp()

	return wallet.Handle(context.Background(), req)
}

var balanceCommand = cli.Command{
	Name:   "balance",
	Usage:  "Show the balance of every currency.",
	Action: balance,
}

func balance(ctx *cli.Context) error {
	resp, err := handle(ctx, &walletd.GetBalancesRequest{})
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

type pendingTask struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	Due           time.Time `json:"due"`
	GivesLifeness bool      `json:"gives_lifeness"`
	RetryCounter  uint32    `json:"retry_counter"`
}

var pendingCommand = cli.Command{
	Name:   "pending",
	Usage:  "List the tasks waiting to be run.",
	Action: pending,
}

func pending(ctx *cli.Context) error {
	resp, err := handle(ctx, &walletd.GetPendingTasksRequest{})
	if err != nil {
		return err
	}

	tasks := resp.([]scheduler.PendingTask)
	out := make([]pendingTask, 0, len(tasks))
	for _, t := range tasks {
		task := pendingTask{
			Type:          t.Type.String(),
			ID:            t.ID,
			Due:           t.TimestampDue,
			GivesLifeness: t.GivesLifeness,
		}
		if t.Retry != nil {
			task.RetryCounter = t.Retry.Counter
		}
		out = append(out, task)
	}

	printJSON(out)

	return nil
}

var preparePayCommand = cli.Command{
	Name:      "prepare-pay",
	Usage:     "Download the proposal of a taler://pay URI.",
	ArgsUsage: "uri",
	Description: `
	Claim the order behind the URI and check whether the wallet can pay it.
	The returned proposal id is passed to confirm-pay or refuse.`,
	Action: preparePay,
}

func preparePay(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "prepare-pay")
	}

	resp, err := handle(ctx, &walletd.PreparePayRequest{
		TalerPayURI: ctx.Args().First(),
	})
	if err != nil {
		return err
	}

	res := resp.(*pay.PreparePayResult)
	out := struct {
		Status          string          `json:"status"`
		ProposalID      string          `json:"proposal_id"`
		AmountRaw       string          `json:"amount_raw"`
		AmountEffective string          `json:"amount_effective,omitempty"`
		Paid            bool            `json:"paid"`
		ContractTerms   json.RawMessage `json:"contract_terms"`
	}{
		Status:        res.Status.String(),
		ProposalID:    res.ProposalID,
		AmountRaw:     res.AmountRaw.String(),
		Paid:          res.Paid,
		ContractTerms: res.ContractTermsRaw,
	}
	if res.Status == pay.PaymentPossible {
		out.AmountEffective = res.AmountEffective.String()
	}

	printJSON(out)

	return nil
}

var confirmPayCommand = cli.Command{
	Name:      "confirm-pay",
	Usage:     "Pay a downloaded proposal.",
	ArgsUsage: "proposal_id",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "session",
			Usage: "Pay in this session instead of the proposal's.",
		},
	},
	Action: confirmPay,
}

func confirmPay(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "confirm-pay")
	}

	resp, err := handle(ctx, &walletd.ConfirmPayRequest{
		ProposalID: ctx.Args().First(),
		SessionID:  ctx.String("session"),
	})
	if err != nil {
		return err
	}

	res := resp.(*pay.ConfirmPayResult)
	out := struct {
		Status        string                     `json:"status"`
		ContractTerms json.RawMessage            `json:"contract_terms,omitempty"`
		LastError     *errorcodes.OperationError `json:"last_error,omitempty"`
	}{
		Status:        res.Status.String(),
		ContractTerms: res.ContractTermsRaw,
		LastError:     res.LastError,
	}

	printJSON(out)

	return nil
}

var refuseCommand = cli.Command{
	Name:      "refuse",
	Usage:     "Decline a downloaded proposal.",
	ArgsUsage: "proposal_id",
	Action:    refuse,
}

func refuse(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "refuse")
	}

	_, err := handle(ctx, &walletd.RefuseProposalRequest{
		ProposalID: ctx.Args().First(),
	})

	return err
}

var runPendingCommand = cli.Command{
	Name:  "run-pending",
	Usage: "Run every due task once.",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "force",
			Usage: "Also run tasks that aren't due yet.",
		},
	},
	Action: runPending,
}

func runPending(ctx *cli.Context) error {
	_, err := handle(ctx, &walletd.RunPendingRequest{
		ForceNow: ctx.Bool("force"),
	})

	return err
}

var runUntilDoneCommand = cli.Command{
	Name:   "run-until-done",
	Usage:  "Run tasks until no task keeps the wallet busy.",
	Action: runUntilDone,
}

func runUntilDone(ctx *cli.Context) error {
	_, err := handle(ctx, &walletd.RunUntilDoneRequest{})
	return err
}

var retryCommand = cli.Command{
	Name:      "retry",
	Usage:     "Reset the retry state of a task and run it now.",
	ArgsUsage: "type id",
	Action:    retryTask,
}

func retryTask(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "retry")
	}

	taskType, err := scheduler.ParseTaskType(ctx.Args().Get(0))
	if err != nil {
		return err
	}

	_, err = handle(ctx, &walletd.RetryTaskRequest{
		Type: taskType,
		ID:   ctx.Args().Get(1),
	})

	return err
}

type purchase struct {
	ProposalID    string `json:"proposal_id"`
	OrderID       string `json:"order_id"`
	Summary       string `json:"summary"`
	Amount        string `json:"amount"`
	TotalPayCost  string `json:"total_pay_cost"`
	Paid          bool   `json:"paid"`
	SubmitPending bool   `json:"submit_pending"`
	Frozen        bool   `json:"frozen"`
	LastSessionID string `json:"last_session_id"`

	LastPayError *errorcodes.OperationError `json:"last_pay_error,omitempty"`
}

var purchasesCommand = cli.Command{
	Name:   "purchases",
	Usage:  "List all purchases.",
	Action: purchases,
}

func purchases(ctx *cli.Context) error {
	resp, err := handle(ctx, &walletd.ListPurchasesRequest{})
	if err != nil {
		return err
	}

	all := resp.([]*walletdb.Purchase)
	out := make([]purchase, 0, len(all))
	for _, p := range all {
		cd := p.Download.ContractData
		out = append(out, purchase{
			ProposalID:    p.ProposalID,
			OrderID:       cd.OrderID,
			Summary:       cd.Summary,
			Amount:        cd.Amount.String(),
			TotalPayCost:  p.TotalPayCost.String(),
			Paid:          p.Paid(),
			SubmitPending: p.PaymentSubmitPending,
			Frozen:        p.PayFrozen,
			LastSessionID: p.LastSessionID,
			LastPayError:  p.LastPayError,
		})
	}

	printJSON(out)

	return nil
}

type coin struct {
	CoinPub         string `json:"coin_pub"`
	ExchangeBaseURL string `json:"exchange_base_url"`
	DenomPubHash    string `json:"denom_pub_hash"`
	CurrentAmount   string `json:"current_amount"`
	Status          string `json:"status"`
	Suspended       bool   `json:"suspended"`
	Allocation      string `json:"allocation,omitempty"`
}

var coinsCommand = cli.Command{
	Name:   "coins",
	Usage:  "List all coins.",
	Action: coins,
}

func coins(ctx *cli.Context) error {
	resp, err := handle(ctx, &walletd.ListCoinsRequest{})
	if err != nil {
		return err
	}

	all := resp.([]*walletdb.Coin)
	out := make([]coin, 0, len(all))
	for _, c := range all {
		entry := coin{
			CoinPub:         c.CoinPub,
			ExchangeBaseURL: c.ExchangeBaseURL,
			DenomPubHash:    c.DenomPubHash,
			CurrentAmount:   c.CurrentAmount.String(),
			Status:          c.Status.String(),
			Suspended:       c.Suspended,
		}
		if c.Allocation != nil {
			entry.Allocation = fmt.Sprintf("%s (%v)",
				c.Allocation.ID, c.Allocation.Amount)
		}
		out = append(out, entry)
	}

	printJSON(out)

	return nil
}
