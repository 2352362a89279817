// Package walletlink links a wallet account to the platform: it connects
// through the wallet provider, proves control of the address with a signed
// backend challenge and keeps the session in sync with wallet notifications.
package walletlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/learnverse/backend/internal/identity"
	"github.com/learnverse/backend/internal/ledger"
	"github.com/learnverse/backend/internal/models"
	"github.com/learnverse/backend/internal/provider"
	"github.com/learnverse/backend/internal/session"
	"go.uber.org/zap"
)

var (
	ErrBusy           = errors.New("action already in progress")
	ErrAccountChanged = errors.New("wallet account changed during verification")
	ErrNoLedger       = errors.New("ledger is not available")
)

// Action names a user-initiated operation. Each has its own busy flag.
type Action string

const (
	ActionConnect    Action = "connect"
	ActionVerify     Action = "verify"
	ActionStake      Action = "stake"
	ActionClaim      Action = "claim"
	ActionDisconnect Action = "disconnect"
)

type Options struct {
	// ResetVerificationOnChainChange downgrades a verified session to
	// connected when the wallet switches networks.
	ResetVerificationOnChainChange bool
}

// Client owns one wallet-link session.
type Client struct {
	session *session.Session
	bridge  *provider.Bridge
	backend *BackendClient
	ledger  *ledger.Engine
	opts    Options
	log     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	release func()

	busyMu sync.Mutex
	busy   map[Action]bool

	noticeMu sync.Mutex
	notice   string

	now func() time.Time
}

// NewClient subscribes to wallet notifications for the lifetime of the
// client. Close releases them.
func NewClient(sess *session.Session, bridge *provider.Bridge, backend *BackendClient, opts Options, log *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		session: sess,
		bridge:  bridge,
		backend: backend,
		opts:    opts,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		release: func() {},
		busy:    make(map[Action]bool),
		now:     time.Now,
	}

	release, err := bridge.Subscribe(c.handleAccountsChanged, c.handleChainChanged)
	if err != nil {
		c.setNotice(describe(err))
	} else {
		c.release = release
	}
	return c
}

// AttachLedger enables stake and claim actions.
func (c *Client) AttachLedger(e *ledger.Engine) {
	c.ledger = e
}

func (c *Client) Close() {
	c.release()
	if c.ledger != nil {
		c.ledger.Close()
	}
	c.cancel()
}

func (c *Client) Session() models.WalletLinkSession {
	return c.session.Snapshot()
}

// Notice is the last short status message for the user.
func (c *Client) Notice() string {
	c.noticeMu.Lock()
	defer c.noticeMu.Unlock()
	return c.notice
}

func (c *Client) Busy(a Action) bool {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	return c.busy[a]
}

// Restore loads the local record, then lets a live server session override
// it. A failed server call keeps the local state.
func (c *Client) Restore(ctx context.Context) models.WalletLinkSession {
	c.session.Restore(ctx)

	remote, err := c.backend.FetchSession(ctx)
	if err != nil {
		c.log.Debug("no server session", zap.Error(err))
		c.watchLedger()
		return c.session.Snapshot()
	}
	addr, ok := identity.NormalizeAddress(remote.Address)
	if !ok {
		c.log.Debug("server session has invalid address", zap.String("address", remote.Address))
		c.watchLedger()
		return c.session.Snapshot()
	}

	verifiedAt := remote.VerifiedAt
	if verifiedAt == "" {
		verifiedAt = c.timestamp()
	}
	next, err := c.session.Update(ctx, func(s *models.WalletLinkSession) {
		s.Address = addr
		s.ChainID = identity.NormalizeChainID(fmt.Sprint(remote.ChainID), c.session.DefaultChainID())
		s.DID = remote.DID
		s.VerifyStatus = models.VerifyStatusVerified
		s.VerifiedAt = verifiedAt
	})
	if err != nil {
		c.log.Warn("server session not applied", zap.Error(err))
	}
	c.watchLedger()
	return next
}

// Connect requests wallet access. No backend call is made.
func (c *Client) Connect(ctx context.Context) error {
	if !c.acquire(ActionConnect) {
		return ErrBusy
	}
	defer c.done(ActionConnect)

	_, err := c.connect(ctx)
	return c.finish(ActionConnect, err, "Wallet connected")
}

func (c *Client) connect(ctx context.Context) (models.WalletLinkSession, error) {
	accounts, err := c.bridge.RequestAccounts(ctx)
	if err != nil {
		return models.WalletLinkSession{}, err
	}
	if len(accounts) == 0 {
		return models.WalletLinkSession{}, provider.ErrNoAccounts
	}
	addr, ok := identity.NormalizeAddress(accounts[0])
	if !ok {
		return models.WalletLinkSession{}, fmt.Errorf("wallet returned invalid address %q", accounts[0])
	}

	chainID, err := c.bridge.RequestChainID(ctx)
	if err != nil {
		c.log.Debug("chain id unavailable, keeping current", zap.Error(err))
		chainID = c.session.Snapshot().ChainID
	}

	next, err := c.session.Update(ctx, func(s *models.WalletLinkSession) {
		s.Address = addr
		s.ChainID = chainID
		s.VerifyStatus = models.VerifyStatusConnected
		s.VerifiedAt = ""
	})
	if err != nil {
		return next, err
	}
	c.watchLedger()
	return next, nil
}

// Verify runs the challenge round trip. Without a linked address it connects
// first. Calling it on a verified session repeats the full round trip.
func (c *Client) Verify(ctx context.Context) error {
	if !c.acquire(ActionVerify) {
		return ErrBusy
	}
	defer c.done(ActionVerify)

	return c.finish(ActionVerify, c.verify(ctx), "Wallet verified")
}

func (c *Client) verify(ctx context.Context) error {
	snap := c.session.Snapshot()
	if snap.Address == "" {
		var err error
		if snap, err = c.connect(ctx); err != nil {
			return err
		}
	}

	challenge, err := c.backend.RequestChallenge(ctx, ChallengeRequest{
		Address: snap.Address,
		ChainID: snap.ChainID,
		DID:     snap.DID,
	})
	if err != nil {
		c.markError(ctx)
		return fmt.Errorf("request challenge: %w", err)
	}

	signature, err := c.bridge.SignMessage(ctx, challenge.Message, snap.Address)
	if err != nil {
		if errors.Is(err, provider.ErrUserRejected) {
			return err
		}
		c.markError(ctx)
		return fmt.Errorf("sign challenge: %w", err)
	}

	result, err := c.backend.Verify(ctx, VerifyRequest{
		Message:   challenge.Message,
		Signature: signature,
		Address:   snap.Address,
		ChainID:   snap.ChainID,
		DID:       snap.DID,
		RequestID: challenge.RequestID,
	})
	if err != nil {
		c.markError(ctx)
		return fmt.Errorf("verify signature: %w", err)
	}

	verifiedAt := result.VerifiedAt
	if verifiedAt == "" {
		verifiedAt = c.timestamp()
	}
	changed := false
	_, err = c.session.Update(ctx, func(s *models.WalletLinkSession) {
		if s.Address != snap.Address {
			changed = true
			return
		}
		s.VerifyStatus = models.VerifyStatusVerified
		s.VerifiedAt = verifiedAt
		if result.DID != "" {
			s.DID = result.DID
		}
	})
	if err != nil {
		return err
	}
	if changed {
		// сервер уже выдал cookie на старый адрес
		if err := c.backend.Logout(ctx); err != nil {
			c.log.Debug("logout of superseded address failed", zap.Error(err))
		}
		return ErrAccountChanged
	}
	return nil
}

func (c *Client) markError(ctx context.Context) {
	if _, err := c.session.Update(ctx, func(s *models.WalletLinkSession) {
		s.VerifyStatus = models.VerifyStatusError
	}); err != nil {
		c.log.Warn("cannot mark session failed", zap.Error(err))
	}
}

// Disconnect clears the local session and asks the backend to log out.
// A failed logout does not block the local disconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.acquire(ActionDisconnect) {
		return ErrBusy
	}
	defer c.done(ActionDisconnect)

	c.clearLocal(ctx)
	if err := c.backend.Logout(ctx); err != nil {
		c.log.Debug("logout failed", zap.Error(err))
	}
	c.setNotice("Wallet disconnected")
	return nil
}

func (c *Client) clearLocal(ctx context.Context) {
	c.session.Reset(ctx)
	if c.ledger != nil {
		c.ledger.Unwatch()
	}
}

// StakeReputation stakes the configured amount from the linked wallet.
func (c *Client) StakeReputation(ctx context.Context) error {
	if !c.acquire(ActionStake) {
		return ErrBusy
	}
	defer c.done(ActionStake)

	if c.ledger == nil {
		return c.finish(ActionStake, ErrNoLedger, "")
	}
	_, err := c.ledger.StakeReputation(ctx)
	return c.finish(ActionStake, err, "Stake confirmed")
}

// ClaimRewards claims a backend-authorized reward for activityType.
func (c *Client) ClaimRewards(ctx context.Context, activityType string) error {
	if !c.acquire(ActionClaim) {
		return ErrBusy
	}
	defer c.done(ActionClaim)

	if c.ledger == nil {
		return c.finish(ActionClaim, ErrNoLedger, "")
	}
	_, err := c.ledger.ClaimRewards(ctx, activityType)
	return c.finish(ActionClaim, err, "Reward claimed")
}

func (c *Client) handleAccountsChanged(accounts []string) {
	if len(accounts) == 0 {
		c.clearLocal(c.ctx)
		c.setNotice("Wallet disconnected")
		return
	}

	addr, ok := identity.NormalizeAddress(accounts[0])
	if !ok {
		c.log.Warn("accountsChanged with invalid address", zap.String("address", accounts[0]))
		return
	}
	_, err := c.session.Update(c.ctx, func(s *models.WalletLinkSession) {
		if s.Address == addr {
			return
		}
		// a verification belongs to the previous address
		s.Address = addr
		s.VerifyStatus = models.VerifyStatusConnected
		s.VerifiedAt = ""
	})
	if err != nil {
		c.log.Warn("account change not applied", zap.Error(err))
		return
	}
	c.watchLedger()
}

func (c *Client) handleChainChanged(chainID int64) {
	_, err := c.session.Update(c.ctx, func(s *models.WalletLinkSession) {
		s.ChainID = chainID
		if c.opts.ResetVerificationOnChainChange && s.VerifyStatus == models.VerifyStatusVerified {
			s.VerifyStatus = models.VerifyStatusConnected
			s.VerifiedAt = ""
		}
	})
	if err != nil {
		c.log.Warn("chain change not applied", zap.Error(err))
	}
}

func (c *Client) watchLedger() {
	if c.ledger == nil {
		return
	}
	addr := c.session.Snapshot().Address
	if addr == "" {
		c.ledger.Unwatch()
		return
	}
	if err := c.ledger.Watch(c.ctx, addr); err != nil && !errors.Is(err, ledger.ErrNotConfigured) {
		c.log.Info("ledger watch unavailable", zap.Error(err))
	}
}

func (c *Client) acquire(a Action) bool {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	if c.busy[a] {
		return false
	}
	c.busy[a] = true
	return true
}

func (c *Client) done(a Action) {
	c.busyMu.Lock()
	delete(c.busy, a)
	c.busyMu.Unlock()
}

// finish converts the outcome of an action into a notice.
func (c *Client) finish(a Action, err error, success string) error {
	if err == nil {
		c.setNotice(success)
		return nil
	}
	c.log.Debug("wallet action failed", zap.String("action", string(a)), zap.Error(err))
	c.setNotice(describe(err))
	return err
}

func (c *Client) setNotice(msg string) {
	c.noticeMu.Lock()
	c.notice = msg
	c.noticeMu.Unlock()
}

func (c *Client) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

// describe maps an error to a short user-facing message.
func describe(err error) string {
	var be *BackendError
	switch {
	case errors.Is(err, provider.ErrNoProvider):
		return "No wallet detected. Install a wallet extension to continue."
	case errors.Is(err, provider.ErrUserRejected):
		return "Request was rejected in the wallet."
	case errors.Is(err, provider.ErrNoAccounts):
		return "The wallet did not share any account."
	case errors.Is(err, ledger.ErrSignerMismatch):
		return "The active wallet account does not match the linked address. Reconnect your wallet."
	case errors.Is(err, ledger.ErrNotConnected):
		return "Connect your wallet first."
	case errors.Is(err, ledger.ErrIncompleteReward):
		return "Reward authorization was incomplete, nothing was submitted."
	case errors.Is(err, ledger.ErrTransactionFailed):
		return "Transaction failed."
	case errors.Is(err, ledger.ErrNotConfigured), errors.Is(err, ErrNoLedger):
		return "The ledger is not available on this network."
	case errors.Is(err, ErrAccountChanged):
		return "Wallet account changed, please verify again."
	case errors.As(err, &be):
		if be.Message != "" {
			return be.Message
		}
		return "Verification failed."
	default:
		return "Something went wrong, please try again."
	}
}
