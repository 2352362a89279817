// Package ledger submits stake and claim transactions to the reward ledger
// contract and mirrors balances and recent activity for the linked wallet.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/learnverse/backend/internal/identity"
	"github.com/learnverse/backend/internal/models"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured     = errors.New("ledger contract is not configured")
	ErrNotConnected      = errors.New("wallet is not connected")
	ErrSignerMismatch    = errors.New("active wallet account does not match the linked address, reconnect your wallet")
	ErrIncompleteReward  = errors.New("reward authorization is incomplete")
	ErrTransactionFailed = errors.New("transaction failed")
)

// Backend is the subset of ethclient.Client the engine reads from.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Signer is the wallet account that pays for and signs transactions.
type Signer interface {
	Address(ctx context.Context) (common.Address, error)
	SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
}

// RewardSigner obtains a backend-signed claim authorization.
type RewardSigner interface {
	SignReward(ctx context.Context, walletAddress, activityType, proofID string) (models.RewardAuthorization, error)
}

// SessionView exposes the currently linked wallet.
type SessionView interface {
	Snapshot() models.WalletLinkSession
}

type Options struct {
	StakeAmount    *big.Int // base units
	RewardActivity string
	ReceiptPoll    time.Duration
}

type Engine struct {
	contract *Contract
	backend  Backend
	signer   Signer
	session  SessionView
	rewards  RewardSigner
	opts     Options
	log      *zap.Logger

	activity *ActivityList

	mu       sync.Mutex
	balances models.Balances
	pending  []models.LedgerActivity

	watchMu sync.Mutex
	watch   *watcher

	newProofID func() string
	now        func() time.Time
}

type watcher struct {
	address common.Address
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *watcher) stop() {
	w.cancel()
	<-w.done
}

// alive reports whether the subscription is still delivering. It turns false
// once the RPC drops the subscription.
func (w *watcher) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// NewEngine builds an engine. A nil contract leaves on-chain features disabled:
// balances stay at their profile values and transactions fail with ErrNotConfigured.
func NewEngine(contract *Contract, backend Backend, signer Signer, session SessionView, rewards RewardSigner, opts Options, log *zap.Logger) *Engine {
	if opts.StakeAmount == nil {
		opts.StakeAmount = new(big.Int)
	}
	if opts.RewardActivity == "" {
		opts.RewardActivity = "course_completed"
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = 2 * time.Second
	}
	return &Engine{
		contract:   contract,
		backend:    backend,
		signer:     signer,
		session:    session,
		rewards:    rewards,
		opts:       opts,
		log:        log,
		activity:   NewActivityList(models.MaxLedgerActivities),
		balances:   models.Balances{Credits: "0", Reputation: "0"},
		newProofID: uuid.NewString,
		now:        time.Now,
	}
}

// SetProfileBalances seeds balances from the platform profile.
func (e *Engine) SetProfileBalances(b models.Balances) {
	b.OnChain = false
	e.mu.Lock()
	e.balances = b
	e.mu.Unlock()
}

func (e *Engine) Balances() models.Balances {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances
}

func (e *Engine) Activities() []models.LedgerActivity {
	return e.activity.Items()
}

// Pending returns submitted transactions still waiting for a receipt, newest first.
func (e *Engine) Pending() []models.LedgerActivity {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.LedgerActivity, len(e.pending))
	for i, p := range e.pending {
		out[len(e.pending)-1-i] = p
	}
	return out
}

// StakeReputation stakes the configured fixed amount.
func (e *Engine) StakeReputation(ctx context.Context) (common.Hash, error) {
	if e.contract == nil {
		return common.Hash{}, ErrNotConfigured
	}
	if _, err := e.requireSigner(ctx); err != nil {
		return common.Hash{}, err
	}

	data, err := e.contract.PackStake(e.opts.StakeAmount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack stake: %w", err)
	}
	return e.submit(ctx, data, models.LedgerActivity{
		Type:   models.ActivityTypeStake,
		Amount: FormatUnits(e.opts.StakeAmount, TokenDecimals),
		Detail: "Staked credits for reputation",
	})
}

// ClaimRewards fetches a signed authorization for activityType under a fresh
// proof id and submits it. An empty activityType uses the configured default.
func (e *Engine) ClaimRewards(ctx context.Context, activityType string) (common.Hash, error) {
	if e.contract == nil {
		return common.Hash{}, ErrNotConfigured
	}
	from, err := e.requireSigner(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if e.rewards == nil {
		return common.Hash{}, errors.New("reward signing is not available")
	}
	if activityType == "" {
		activityType = e.opts.RewardActivity
	}

	proofID := e.newProofID()
	reward, err := e.rewards.SignReward(ctx, from.Hex(), activityType, proofID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("request reward authorization: %w", err)
	}
	if !reward.Complete() {
		return common.Hash{}, ErrIncompleteReward
	}

	amount, ok := parseBaseUnits(reward.Amount)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: bad amount %q", ErrIncompleteReward, reward.Amount)
	}
	points, ok := parseBaseUnits(reward.ReputationPoints)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: bad reputation points %q", ErrIncompleteReward, reward.ReputationPoints)
	}
	txid, err := hexutil.Decode(reward.TxID)
	if err != nil || len(txid) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: bad txid %q", ErrIncompleteReward, reward.TxID)
	}
	sig, err := hexutil.Decode(reward.Signature)
	if err != nil || len(sig) == 0 {
		return common.Hash{}, fmt.Errorf("%w: bad signature", ErrIncompleteReward)
	}

	data, err := e.contract.PackClaim(amount, points, [32]byte(common.BytesToHash(txid)), sig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack claim: %w", err)
	}
	e.log.Debug("claiming reward",
		zap.String("address", from.Hex()),
		zap.String("activity", activityType),
		zap.String("proof_id", proofID),
		zap.String("txid", reward.TxID),
	)
	return e.submit(ctx, data, models.LedgerActivity{
		Type:   models.ActivityTypeReward,
		Amount: FormatUnits(amount, TokenDecimals),
		Detail: fmt.Sprintf("%s reward, +%s reputation", activityType, points),
	})
}

// requireSigner checks that the wallet signer is the linked address.
func (e *Engine) requireSigner(ctx context.Context) (common.Address, error) {
	linked, ok := identity.NormalizeAddress(e.session.Snapshot().Address)
	if !ok {
		return common.Address{}, ErrNotConnected
	}
	if e.signer == nil {
		return common.Address{}, ErrSignerMismatch
	}
	active, err := e.signer.Address(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrSignerMismatch, err)
	}
	if active != common.HexToAddress(linked) {
		return common.Address{}, ErrSignerMismatch
	}
	return active, nil
}

func (e *Engine) submit(ctx context.Context, data []byte, entry models.LedgerActivity) (common.Hash, error) {
	hash, err := e.signer.SendTransaction(ctx, e.contract.Address, data, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}

	entry.ID = uuid.NewString()
	entry.TxHash = hash.Hex()
	entry.Date = e.now().UTC().Format(time.RFC3339)
	e.addPending(entry)
	e.log.Info("ledger transaction submitted", zap.String("type", entry.Type), zap.String("tx_hash", entry.TxHash))

	receipt, err := e.waitReceipt(ctx, hash)
	if err != nil {
		e.dropPending(hash)
		return hash, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		e.dropPending(hash)
		return hash, fmt.Errorf("%w: %s reverted", ErrTransactionFailed, hash.Hex())
	}

	e.dropPending(hash)
	e.activity.Add(entry)
	e.LoadOnchainBalances(ctx)
	return hash, nil
}

func (e *Engine) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) addPending(a models.LedgerActivity) {
	e.mu.Lock()
	e.pending = append(e.pending, a)
	e.mu.Unlock()
}

func (e *Engine) dropPending(hash common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pending {
		if p.TxHash == hash.Hex() {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// LoadOnchainBalances refreshes balances from the contract. Any read failure
// keeps the last known values.
func (e *Engine) LoadOnchainBalances(ctx context.Context) models.Balances {
	current := e.Balances()
	if e.contract == nil || e.backend == nil {
		return current
	}
	addr, ok := identity.NormalizeAddress(e.session.Snapshot().Address)
	if !ok {
		return current
	}
	account := common.HexToAddress(addr)

	credits, err := e.callUint(ctx, "balanceOf", account)
	if err != nil {
		e.log.Debug("on-chain balance unavailable", zap.String("address", addr), zap.Error(err))
		return current
	}
	reputation, err := e.callUint(ctx, "reputationOf", account)
	if err != nil {
		e.log.Debug("on-chain reputation unavailable", zap.String("address", addr), zap.Error(err))
		return current
	}

	next := models.Balances{
		Credits:    FormatUnits(credits, TokenDecimals),
		Reputation: reputation.String(),
		OnChain:    true,
	}
	e.mu.Lock()
	e.balances = next
	e.mu.Unlock()
	return next
}

func (e *Engine) callUint(ctx context.Context, method string, account common.Address) (*big.Int, error) {
	var data []byte
	var err error
	if method == "balanceOf" {
		data, err = e.contract.PackBalanceOf(account)
	} else {
		data, err = e.contract.PackReputationOf(account)
	}
	if err != nil {
		return nil, err
	}
	to := e.contract.Address
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return e.contract.UnpackUint(method, out)
}

// Watch subscribes to stake and claim events for address. Watching a new
// address tears down the previous subscription.
func (e *Engine) Watch(ctx context.Context, address string) error {
	if e.contract == nil {
		return ErrNotConfigured
	}
	norm, ok := identity.NormalizeAddress(address)
	if !ok {
		return ErrNotConnected
	}
	account := common.HexToAddress(norm)

	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	if e.watch != nil {
		if e.watch.address == account && e.watch.alive() {
			return nil
		}
		e.watch.stop()
		e.watch = nil
	}

	q := ethereum.FilterQuery{
		Addresses: []common.Address{e.contract.Address},
		Topics: [][]common.Hash{
			{e.contract.StakedTopic(), e.contract.ClaimedTopic()},
			{common.BytesToHash(account.Bytes())},
		},
	}
	logs := make(chan types.Log, 16)
	wctx, cancel := context.WithCancel(ctx)
	sub, err := e.backend.SubscribeFilterLogs(wctx, q, logs)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe ledger events: %w", err)
	}

	w := &watcher{address: account, cancel: cancel, done: make(chan struct{})}
	e.watch = w
	go e.consume(wctx, w, sub, logs)

	e.log.Debug("watching ledger events", zap.String("address", norm))
	return nil
}

// Unwatch tears down the event subscription, if any.
func (e *Engine) Unwatch() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if e.watch != nil {
		e.watch.stop()
		e.watch = nil
	}
}

func (e *Engine) Close() {
	e.Unwatch()
}

func (e *Engine) consume(ctx context.Context, w *watcher, sub ethereum.Subscription, logs <-chan types.Log) {
	defer close(w.done)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				e.log.Warn("ledger event subscription ended", zap.Error(err))
			}
			return
		case l := <-logs:
			e.handleLog(ctx, l)
		}
	}
}

func (e *Engine) handleLog(ctx context.Context, l types.Log) {
	entry, ok := e.activityFromLog(l)
	if !ok {
		return
	}
	e.dropPending(l.TxHash)
	e.activity.Add(entry)
	e.LoadOnchainBalances(ctx)
}

// LoadHistory fills the activity list from past stake and claim events of
// address starting at fromBlock. It returns how many entries were added.
func (e *Engine) LoadHistory(ctx context.Context, address string, fromBlock uint64) (int, error) {
	if e.contract == nil {
		return 0, ErrNotConfigured
	}
	norm, ok := identity.NormalizeAddress(address)
	if !ok {
		return 0, ErrNotConnected
	}
	account := common.HexToAddress(norm)

	logs, err := e.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{e.contract.Address},
		Topics: [][]common.Hash{
			{e.contract.StakedTopic(), e.contract.ClaimedTopic()},
			{common.BytesToHash(account.Bytes())},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("load ledger history: %w", err)
	}

	// oldest first, Add prepends
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	added := 0
	for _, l := range logs {
		if entry, ok := e.activityFromLog(l); ok && e.activity.Add(entry) {
			added++
		}
	}
	return added, nil
}

func (e *Engine) activityFromLog(l types.Log) (models.LedgerActivity, bool) {
	if l.Removed || len(l.Topics) == 0 {
		return models.LedgerActivity{}, false
	}

	var entry models.LedgerActivity
	switch l.Topics[0] {
	case e.contract.StakedTopic():
		ev, err := e.contract.DecodeStaked(l)
		if err != nil {
			e.log.Warn("bad stake log", zap.Error(err))
			return entry, false
		}
		entry = models.LedgerActivity{
			Type:   models.ActivityTypeStake,
			Amount: FormatUnits(ev.Amount, TokenDecimals),
			Detail: fmt.Sprintf("Stake confirmed, reputation %s", ev.Reputation),
		}
	case e.contract.ClaimedTopic():
		ev, err := e.contract.DecodeClaimed(l)
		if err != nil {
			e.log.Warn("bad claim log", zap.Error(err))
			return entry, false
		}
		entry = models.LedgerActivity{
			Type:   models.ActivityTypeReward,
			Amount: FormatUnits(ev.Amount, TokenDecimals),
			Detail: fmt.Sprintf("Reward claimed, +%s reputation", ev.ReputationPoints),
		}
	default:
		return entry, false
	}

	entry.ID = uuid.NewString()
	entry.TxHash = l.TxHash.Hex()
	index := l.Index
	entry.LogIndex = &index
	entry.Date = e.now().UTC().Format(time.RFC3339)
	return entry, true
}
