package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/db"
	"github.com/learnverse/backend/internal/identity"
	"github.com/learnverse/backend/internal/ledger"
	"github.com/learnverse/backend/internal/provider"
	"github.com/learnverse/backend/internal/session"
	"github.com/learnverse/backend/internal/walletlink"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "walletlink",
		Usage: "link an Ethereum wallet to a Learnverse profile and use the reward ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api", Usage: "wallet API base url", EnvVars: []string{"WALLET_API_BASE_URL"}},
			&cli.StringFlag{Name: "rpc", Usage: "Ethereum JSON-RPC url, ws:// is required for watch", EnvVars: []string{"ETH_RPC_URL"}},
			&cli.StringFlag{Name: "store", Usage: "session store: file or redis", Value: "file"},
			&cli.StringFlag{Name: "session-file", EnvVars: []string{"WALLET_SESSION_FILE"}},
			&cli.StringFlag{Name: "cookie-file", EnvVars: []string{"WALLET_COOKIE_FILE"}},
			&cli.BoolFlag{Name: "reset-on-chain-change", Usage: "drop verification when the wallet switches networks"},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "approve every wallet prompt"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
		},
		Commands: []*cli.Command{
			statusCmd, connectCmd, verifyCmd, disconnectCmd,
			switchChainCmd, switchAccountCmd,
			balancesCmd, stakeCmd, claimCmd, activityCmd, watchCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is everything one command invocation needs.
type env struct {
	cfg      *config.Config
	log      *zap.Logger
	keystore *provider.KeystoreProvider
	eth      *ethclient.Client
	rdb      *redis.Client
	session  *session.Session
	engine   *ledger.Engine
	client   *walletlink.Client
}

func setup(cctx *cli.Context) (*env, error) {
	cfg := config.Load()
	if v := cctx.String("api"); v != "" {
		cfg.WalletAPIBaseURL = v
	}
	if v := cctx.String("rpc"); v != "" {
		cfg.EthRPCURL = v
	}
	if v := cctx.String("session-file"); v != "" {
		cfg.SessionFile = v
	}
	if v := cctx.String("cookie-file"); v != "" {
		cfg.CookieFile = v
	}

	e := &env{cfg: cfg, log: newLogger(cctx.Bool("verbose"))}
	ctx := cctx.Context

	keys, err := parseKeys(cfg.WalletPrivateKey)
	if err != nil {
		return nil, err
	}

	var store session.Store
	switch cctx.String("store") {
	case "redis":
		e.rdb, err = db.NewRedisClient(ctx, cfg.RedisURL, e.log)
		if err != nil {
			return nil, err
		}
		owner := "anonymous"
		if len(keys) > 0 {
			owner = strings.ToLower(keyAddress(keys[0]))
		}
		store = session.NewRedisStore(e.rdb, owner)
	default:
		store = session.NewFileStore(cfg.SessionFile)
	}

	e.session = session.New(store, cfg.DefaultChainID, e.log)
	e.session.Restore(ctx)
	snap := e.session.Snapshot()

	if cfg.EthRPCURL != "" {
		e.eth, err = ethclient.DialContext(ctx, cfg.EthRPCURL)
		if err != nil {
			e.log.Warn("rpc unavailable, on-chain features disabled", zap.Error(err))
		}
	}

	var p provider.Provider
	if len(keys) > 0 {
		e.keystore = provider.NewKeystoreProvider(snap.ChainID, keys...)
		if e.eth != nil {
			e.keystore.WithBackend(e.eth)
		}
		if !cctx.Bool("yes") {
			e.keystore.WithApproval(newApprover(os.Stdin, os.Stderr).approve)
		}
		// кошелёк помнит выбранный аккаунт и разрешение сайта
		if snap.IsLinked() {
			for i, k := range keys {
				if identity.SameAddress(keyAddress(k), snap.Address) {
					_ = e.keystore.SwitchAccount(i)
					e.keystore.Authorize()
					break
				}
			}
		}
		p = e.keystore
	}

	jar, err := walletlink.NewFileCookieJar(cfg.CookieFile, e.log)
	if err != nil {
		return nil, err
	}
	backend := walletlink.NewBackendClient(cfg.WalletAPIBaseURL, walletlink.Endpoints{
		Challenge:  cfg.ChallengePath,
		Verify:     cfg.VerifyPath,
		Session:    cfg.SessionPath,
		Logout:     cfg.LogoutPath,
		RewardSign: cfg.RewardSignPath,
	}, jar, cfg.RequestTimeout, e.log)

	bridge := provider.NewBridge(p, e.log)
	e.client = walletlink.NewClient(e.session, bridge, backend, walletlink.Options{
		ResetVerificationOnChainChange: cctx.Bool("reset-on-chain-change"),
	}, e.log)

	stake, err := ledger.ToBaseUnits(cfg.StakeAmount, ledger.TokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("invalid STAKE_AMOUNT: %w", err)
	}
	var contract *ledger.Contract
	var chain ledger.Backend
	if e.eth != nil && common.IsHexAddress(cfg.LedgerContractAddress) {
		contract, err = ledger.NewContract(common.HexToAddress(cfg.LedgerContractAddress))
		if err != nil {
			return nil, err
		}
		chain = e.eth
	}
	e.engine = ledger.NewEngine(contract, chain, bridge.Signer(), e.session, backend, ledger.Options{StakeAmount: stake}, e.log)
	e.client.AttachLedger(e.engine)

	return e, nil
}

func (e *env) Close() {
	e.client.Close()
	if e.eth != nil {
		e.eth.Close()
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	_ = e.log.Sync()
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// parseKeys читает список ключей через запятую.
func parseKeys(s string) ([]*ecdsa.PrivateKey, error) {
	var keys []*ecdsa.PrivateKey
	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := provider.KeyFromHex(part)
		if err != nil {
			return nil, fmt.Errorf("WALLET_PRIVATE_KEY #%d: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func keyAddress(k *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(k.PublicKey).Hex()
}

// approver asks on the terminal. One reader serves every prompt so piped
// answers are not lost in a discarded buffer.
type approver struct {
	in  *bufio.Reader
	out io.Writer
}

func newApprover(in io.Reader, out io.Writer) *approver {
	return &approver{in: bufio.NewReader(in), out: out}
}

func (a *approver) approve(method string) bool {
	fmt.Fprintf(a.out, "Wallet request %s. Approve? [y/N] ", method)
	line, _ := a.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func withEnv(fn func(ctx context.Context, e *env, cctx *cli.Context) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		e, err := setup(cctx)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cctx.Context, e, cctx)
	}
}
