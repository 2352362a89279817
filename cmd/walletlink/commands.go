package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/learnverse/backend/internal/models"
	"github.com/urfave/cli/v2"
)

// historyWindow — сколько блоков назад смотрит activity по умолчанию.
const historyWindow = 50_000

type statusView struct {
	Session models.WalletLinkSession `json:"session"`
	Notice  string                   `json:"notice,omitempty"`
}

func printStatus(e *env) error {
	return printJSON(statusView{Session: e.client.Session(), Notice: e.client.Notice()})
}

// result печатает состояние и превращает ошибку действия в код выхода.
func result(e *env, err error) error {
	if perr := printStatus(e); perr != nil {
		return perr
	}
	if err != nil {
		return cli.Exit(e.client.Notice(), 1)
	}
	return nil
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "show the wallet link, server session first",
	Action: withEnv(func(ctx context.Context, e *env, _ *cli.Context) error {
		e.client.Restore(ctx)
		return printStatus(e)
	}),
}

var connectCmd = &cli.Command{
	Name:  "connect",
	Usage: "request wallet access",
	Action: withEnv(func(ctx context.Context, e *env, _ *cli.Context) error {
		e.client.Restore(ctx)
		return result(e, e.client.Connect(ctx))
	}),
}

var verifyCmd = &cli.Command{
	Name:  "verify",
	Usage: "prove wallet ownership with a signed challenge",
	Action: withEnv(func(ctx context.Context, e *env, _ *cli.Context) error {
		e.client.Restore(ctx)
		return result(e, e.client.Verify(ctx))
	}),
}

var disconnectCmd = &cli.Command{
	Name:  "disconnect",
	Usage: "forget the link locally and end the server session",
	Action: withEnv(func(ctx context.Context, e *env, _ *cli.Context) error {
		e.client.Restore(ctx)
		return result(e, e.client.Disconnect(ctx))
	}),
}

var switchChainCmd = &cli.Command{
	Name:      "switch-chain",
	Usage:     "switch the wallet network",
	ArgsUsage: "chain-id",
	Action: withEnv(func(ctx context.Context, e *env, cctx *cli.Context) error {
		if e.keystore == nil {
			return errors.New("no wallet keys configured")
		}
		id, err := strconv.ParseInt(cctx.Args().Get(0), 0, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid chain id %q", cctx.Args().Get(0))
		}
		e.client.Restore(ctx)
		e.keystore.SwitchChain(id)
		return printStatus(e)
	}),
}

var switchAccountCmd = &cli.Command{
	Name:      "switch-account",
	Usage:     "make another configured key the active wallet account",
	ArgsUsage: "index",
	Action: withEnv(func(ctx context.Context, e *env, cctx *cli.Context) error {
		if e.keystore == nil {
			return errors.New("no wallet keys configured")
		}
		i, err := strconv.Atoi(cctx.Args().Get(0))
		if err != nil {
			return fmt.Errorf("invalid account index %q", cctx.Args().Get(0))
		}
		e.client.Restore(ctx)
		if err := e.keystore.SwitchAccount(i); err != nil {
			return err
		}
		return printStatus(e)
	}),
}

var balancesCmd = &cli.Command{
	Name:  "balances",
	Usage: "show credits and reputation of the linked wallet",
	Action: withEnv(func(ctx context.Context, e *env, _ *cli.Context) error {
		e.client.Restore(ctx)
		return printJSON(e.engine.LoadOnchainBalances(ctx))
	}),
}

type ledgerView struct {
	Balances   models.Balances         `json:"balances"`
	Activities []models.LedgerActivity `json:"activities"`
	Notice     string                  `json:"notice,omitempty"`
}

func printLedger(e *env, err error) error {
	if perr := printJSON(ledgerView{
		Balances:   e.engine.Balances(),
		Activities: e.engine.Activities(),
		Notice:     e.client.Notice(),
	}); perr != nil {
		return perr
	}
	if err != nil {
		return cli.Exit(e.client.Notice(), 1)
	}
	return nil
}

var stakeCmd = &cli.Command{
	Name:  "stake",
	Usage: "stake STAKE_AMOUNT tokens for reputation",
	Action: withEnv(func(ctx context.Context, e *env, _ *cli.Context) error {
		e.client.Restore(ctx)
		return printLedger(e, e.client.StakeReputation(ctx))
	}),
}

var claimCmd = &cli.Command{
	Name:  "claim",
	Usage: "claim a backend-authorized reward",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "activity", Value: "course_completed", Usage: "activity type the reward is for"},
	},
	Action: withEnv(func(ctx context.Context, e *env, cctx *cli.Context) error {
		e.client.Restore(ctx)
		return printLedger(e, e.client.ClaimRewards(ctx, cctx.String("activity")))
	}),
}

var activityCmd = &cli.Command{
	Name:  "activity",
	Usage: "list recent stake and claim events of the linked wallet",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "from-block", Usage: "first block to scan, default is the last 50000 blocks"},
	},
	Action: withEnv(func(ctx context.Context, e *env, cctx *cli.Context) error {
		sess := e.client.Restore(ctx)
		if !sess.IsLinked() {
			return errors.New("no wallet linked")
		}
		from := cctx.Uint64("from-block")
		if !cctx.IsSet("from-block") && e.eth != nil {
			if head, err := e.eth.BlockNumber(ctx); err == nil && head > historyWindow {
				from = head - historyWindow
			}
		}
		if _, err := e.engine.LoadHistory(ctx, sess.Address, from); err != nil {
			return err
		}
		return printLedger(e, nil)
	}),
}

var watchCmd = &cli.Command{
	Name:  "watch",
	Usage: "follow ledger events of the linked wallet until interrupted",
	Action: withEnv(func(ctx context.Context, e *env, _ *cli.Context) error {
		sess := e.client.Restore(ctx)
		if !sess.IsLinked() {
			return errors.New("no wallet linked")
		}
		if err := e.engine.Watch(ctx, sess.Address); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "watching %s, Ctrl+C to stop\n", sess.Address)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		seen := make(map[string]bool)
		for {
			select {
			case <-ticker.C:
				acts := e.engine.Activities()
				for i := len(acts) - 1; i >= 0; i-- {
					if seen[acts[i].TxHash] {
						continue
					}
					seen[acts[i].TxHash] = true
					_ = printJSON(acts[i])
				}
			case <-sigCh:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}),
}
