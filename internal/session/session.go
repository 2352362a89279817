package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/learnverse/backend/internal/identity"
	"github.com/learnverse/backend/internal/models"
	"go.uber.org/zap"
)

var ErrInvalidTransition = errors.New("invalid verify status transition")

// Session owns the wallet-link state of one client and writes every change
// through to its Store as a single blob.
type Session struct {
	mu             sync.Mutex
	store          Store
	state          models.WalletLinkSession
	defaultChainID int64
	log            *zap.Logger
}

func New(store Store, defaultChainID int64, log *zap.Logger) *Session {
	if defaultChainID <= 0 {
		defaultChainID = identity.DefaultChainID
	}
	return &Session{
		store:          store,
		state:          models.EmptySession(defaultChainID),
		defaultChainID: defaultChainID,
		log:            log,
	}
}

func (s *Session) DefaultChainID() int64 {
	return s.defaultChainID
}

// Restore loads the persisted blob. Unreadable or malformed data leaves the
// session empty; restored reports whether a linked session was found.
func (s *Session) Restore(ctx context.Context) (restored bool) {
	stored, err := s.store.Load(ctx)
	if err != nil {
		s.log.Debug("session load failed", zap.Error(err))
		return false
	}
	if stored == nil {
		return false
	}

	clean, ok := s.sanitize(*stored)
	if !ok {
		return false
	}

	s.mu.Lock()
	s.state = clean
	s.mu.Unlock()
	return clean.IsLinked()
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() models.WalletLinkSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies fn to a copy of the state, validates the status transition,
// re-derives the DID when address or chain changed (unless fn assigned a new
// one) and persists the result.
func (s *Session) Update(ctx context.Context, fn func(*models.WalletLinkSession)) (models.WalletLinkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	next := prev
	fn(&next)

	if next.VerifyStatus != prev.VerifyStatus && !models.IsValidVerifyTransition(prev.VerifyStatus, next.VerifyStatus) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.VerifyStatus, next.VerifyStatus)
	}
	if next.ChainID <= 0 {
		next.ChainID = s.defaultChainID
	}
	switch {
	case next.Address == "":
		next.DID = ""
	case next.DID != "" && next.DID != prev.DID:
		// DID assigned by the server on verification
	case next.Address != prev.Address || next.ChainID != prev.ChainID || next.DID == "":
		next.DID = identity.ToDID(next.ChainID, next.Address)
	}

	s.state = next
	if err := s.store.Save(ctx, next); err != nil {
		s.log.Warn("session persist failed", zap.Error(err))
	}
	return next, nil
}

// Reset clears all fields at once and removes the persisted record.
func (s *Session) Reset(ctx context.Context) models.WalletLinkSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = models.EmptySession(s.defaultChainID)
	if err := s.store.Clear(ctx); err != nil {
		s.log.Warn("session clear failed", zap.Error(err))
	}
	return s.state
}

func (s *Session) sanitize(in models.WalletLinkSession) (models.WalletLinkSession, bool) {
	out := models.EmptySession(s.defaultChainID)
	if in.ChainID > 0 {
		out.ChainID = in.ChainID
	}
	if in.Address == "" {
		return out, true
	}

	addr, ok := identity.NormalizeAddress(in.Address)
	if !ok {
		return out, false
	}
	out.Address = addr
	out.DID = in.DID
	if out.DID == "" {
		out.DID = identity.ToDID(out.ChainID, addr)
	}

	switch in.VerifyStatus {
	case models.VerifyStatusConnected, models.VerifyStatusVerified, models.VerifyStatusError:
		out.VerifyStatus = in.VerifyStatus
	default:
		out.VerifyStatus = models.VerifyStatusConnected
	}
	if out.VerifyStatus != models.VerifyStatusConnected {
		out.VerifiedAt = in.VerifiedAt
	}
	return out, true
}
