package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/learnverse/backend/internal/auth"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/events"
	"github.com/learnverse/backend/internal/ledger"
	"github.com/learnverse/backend/internal/models"
	"go.uber.org/zap"
)

// --- fakes ---

type memChallenges struct {
	mu    sync.Mutex
	byReq map[uuid.UUID]*models.WalletChallenge
}

func (m *memChallenges) Create(_ context.Context, c *models.WalletChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	cp := *c
	m.byReq[c.RequestID] = &cp
	return nil
}

func (m *memChallenges) Consume(_ context.Context, id uuid.UUID) (*models.WalletChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byReq[id]
	if !ok || c.Used || time.Now().After(c.ExpiresAt) {
		return nil, pgx.ErrNoRows
	}
	c.Used = true
	cp := *c
	return &cp, nil
}

type memLinks struct {
	mu    sync.Mutex
	links map[string]*models.WalletLink
}

func (m *memLinks) Upsert(_ context.Context, w *models.WalletLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.ID = uuid.New()
	w.VerifiedAt = time.Now()
	cp := *w
	cp.Address = strings.ToLower(w.Address)
	m.links[cp.Address] = &cp
	return nil
}

func (m *memLinks) GetActive(_ context.Context, address string) (*models.WalletLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[strings.ToLower(address)]
	if !ok || !l.IsActive {
		return nil, pgx.ErrNoRows
	}
	cp := *l
	return &cp, nil
}

func (m *memLinks) Deactivate(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[strings.ToLower(address)]; ok {
		l.IsActive = false
	}
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (m *memAudit) Log(_ context.Context, e models.AuditLog) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

type memRewards struct {
	mu     sync.Mutex
	grants map[string]*models.RewardGrant
}

func rewardKey(w, a, p string) string { return strings.ToLower(w) + "|" + a + "|" + p }

func (m *memRewards) Find(_ context.Context, w, a, p string) (*models.RewardGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[rewardKey(w, a, p)], nil
}

func (m *memRewards) Create(_ context.Context, g *models.RewardGrant) (*models.RewardGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rewardKey(g.WalletAddress, g.ActivityType, g.ProofID)
	if existing, ok := m.grants[k]; ok {
		return existing, nil
	}
	cp := *g
	cp.ID = uuid.New()
	cp.Status = models.RewardStatusSigned
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.grants[k] = &cp
	return &cp, nil
}

func (m *memRewards) MarkClaimed(_ context.Context, txid, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.TxID == txid && g.Status != models.RewardStatusClaimed {
			g.Status = models.RewardStatusClaimed
			g.ClaimTxHash = &hash
			return true, nil
		}
	}
	return false, nil
}

func (m *memRewards) ExpireSigned(context.Context, time.Duration) (int64, error) { return 0, nil }

func (m *memRewards) CountSince(_ context.Context, w, a string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.grants {
		if strings.EqualFold(g.WalletAddress, w) && g.ActivityType == a && !g.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultChainID:         1,
		AllowedChainIDs:        []int64{1, 137},
		ChallengeDomain:        "learnverse.test",
		ChallengeURI:           "https://learnverse.test",
		AppName:                "Learnverse",
		ChallengeTTL:           5 * time.Minute,
		LedgerChainID:          137,
		LedgerContractAddress:  "0x00000000000000000000000000000000000C0DE1",
		RewardActivities:       map[string]config.RewardActivity{"course_completed": {Amount: "10", ReputationPoints: 5}},
		RewardAuthorizationTTL: 72 * time.Hour,
	}
}

func newWalletService() (*WalletService, *memChallenges, *memLinks, *memAudit, *memPublisher) {
	ch := &memChallenges{byReq: make(map[uuid.UUID]*models.WalletChallenge)}
	links := &memLinks{links: make(map[string]*models.WalletLink)}
	audit := &memAudit{}
	pub := &memPublisher{}
	return NewWalletService(ch, links, audit, pub, testConfig(), zap.NewNop()), ch, links, audit, pub
}

func signPersonal(t *testing.T, key *ecdsa.PrivateKey, msg string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27
	return hexutil.Encode(sig)
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// --- wallet service ---

func TestIssueChallenge(t *testing.T) {
	svc, store, _, _, _ := newWalletService()
	_, addr := newKey(t)

	ch, err := svc.IssueChallenge(context.Background(), ChallengeRequest{Address: strings.ToLower(addr)})
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if ch.Address != addr {
		t.Errorf("address = %s, want checksummed %s", ch.Address, addr)
	}
	if ch.ChainID != 1 {
		t.Errorf("chain = %d, want default 1", ch.ChainID)
	}
	if _, ok := store.byReq[ch.RequestID]; !ok {
		t.Error("challenge was not stored")
	}

	fields, err := auth.ParseChallengeMessage(ch.Message)
	if err != nil {
		t.Fatalf("message does not parse: %v", err)
	}
	if fields.RequestID != ch.RequestID.String() || fields.Domain != "learnverse.test" {
		t.Errorf("unexpected fields: %+v", fields)
	}
	if !strings.Contains(ch.Message, "Learnverse profile") {
		t.Errorf("statement missing: %q", ch.Message)
	}
}

func TestIssueChallengeRejects(t *testing.T) {
	svc, _, _, _, _ := newWalletService()
	_, addr := newKey(t)

	tests := []struct {
		name string
		req  ChallengeRequest
		want error
	}{
		{"bad address", ChallengeRequest{Address: "0x123"}, ErrInvalidAddress},
		{"chain not allowed", ChallengeRequest{Address: addr, ChainID: 56}, ErrChainNotAllowed},
		{"did mismatch", ChallengeRequest{Address: addr, ChainID: 1, DID: "did:pkh:eip155:137:" + strings.ToLower(addr)}, ErrDIDMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.IssueChallenge(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyLinksWallet(t *testing.T) {
	svc, _, links, audit, pub := newWalletService()
	key, addr := newKey(t)
	ctx := context.Background()

	ch, err := svc.IssueChallenge(ctx, ChallengeRequest{Address: addr, ChainID: 137})
	if err != nil {
		t.Fatal(err)
	}
	link, err := svc.Verify(ctx, VerifyRequest{
		Message:   ch.Message,
		Signature: signPersonal(t, key, ch.Message),
		Address:   strings.ToLower(addr),
		ChainID:   137,
		RequestID: ch.RequestID.String(),
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	wantDID := "did:pkh:eip155:137:" + strings.ToLower(addr)
	if link.DID != wantDID {
		t.Errorf("did = %s, want %s", link.DID, wantDID)
	}
	if _, ok := links.links[strings.ToLower(addr)]; !ok {
		t.Error("link not stored")
	}
	if len(audit.entries) != 1 || audit.entries[0].Action != "wallet_verified" {
		t.Errorf("audit = %+v", audit.entries)
	}
	if len(pub.events) != 1 || pub.events[0].Type != events.EventWalletVerified {
		t.Errorf("events = %+v", pub.events)
	}

	sess, err := svc.GetSession(ctx, strings.ToLower(addr))
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Address != addr {
		t.Errorf("session address = %s, want %s", sess.Address, addr)
	}
}

func TestVerifyIsSingleUse(t *testing.T) {
	svc, _, _, _, _ := newWalletService()
	key, addr := newKey(t)
	ctx := context.Background()

	ch, _ := svc.IssueChallenge(ctx, ChallengeRequest{Address: addr})
	req := VerifyRequest{
		Message:   ch.Message,
		Signature: signPersonal(t, key, ch.Message),
		Address:   addr,
		RequestID: ch.RequestID.String(),
	}
	if _, err := svc.Verify(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, req); !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("replay err = %v, want ErrChallengeNotFound", err)
	}
}

func TestVerifyFailures(t *testing.T) {
	key, addr := newKey(t)
	other, _ := newKey(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *VerifyRequest)
		want   error
	}{
		{"wrong signer", func(r *VerifyRequest) { r.Signature = signPersonal(t, other, r.Message) }, ErrBadSignature},
		{"garbage signature", func(r *VerifyRequest) { r.Signature = "0xdead" }, ErrBadSignature},
		{"edited message", func(r *VerifyRequest) { r.Message += " " }, ErrChallengeMismatch},
		{"other address", func(r *VerifyRequest) { r.Address = "0x0000000000000000000000000000000000000001" }, ErrChallengeMismatch},
		{"other chain", func(r *VerifyRequest) { r.ChainID = 137 }, ErrChallengeMismatch},
		{"unknown request", func(r *VerifyRequest) { r.RequestID = uuid.NewString() }, ErrChallengeNotFound},
		{"malformed request id", func(r *VerifyRequest) { r.RequestID = "nope" }, ErrChallengeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, links, _, _ := newWalletService()
			ch, err := svc.IssueChallenge(ctx, ChallengeRequest{Address: addr, ChainID: 1})
			if err != nil {
				t.Fatal(err)
			}
			req := VerifyRequest{
				Message:   ch.Message,
				Signature: signPersonal(t, key, ch.Message),
				Address:   addr,
				ChainID:   1,
				RequestID: ch.RequestID.String(),
			}
			tt.mutate(&req)
			if _, err := svc.Verify(ctx, req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if len(links.links) != 0 {
				t.Error("link stored after failed verification")
			}
		})
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	svc, _, _, _, _ := newWalletService()
	key, addr := newKey(t)
	ctx := context.Background()

	ch, _ := svc.IssueChallenge(ctx, ChallengeRequest{Address: addr})
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err := svc.Verify(ctx, VerifyRequest{
		Message:   ch.Message,
		Signature: signPersonal(t, key, ch.Message),
		Address:   addr,
		RequestID: ch.RequestID.String(),
	})
	if !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("err = %v, want ErrChallengeNotFound", err)
	}
}

func TestLogout(t *testing.T) {
	svc, _, links, _, pub := newWalletService()
	key, addr := newKey(t)
	ctx := context.Background()

	ch, _ := svc.IssueChallenge(ctx, ChallengeRequest{Address: addr})
	link, err := svc.Verify(ctx, VerifyRequest{
		Message:   ch.Message,
		Signature: signPersonal(t, key, ch.Message),
		Address:   addr,
		RequestID: ch.RequestID.String(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Logout(ctx, addr, link.DID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if links.links[strings.ToLower(addr)].IsActive {
		t.Error("link still active")
	}
	if _, err := svc.GetSession(ctx, addr); !errors.Is(err, ErrNoSession) {
		t.Errorf("GetSession err = %v, want ErrNoSession", err)
	}
	if last := pub.events[len(pub.events)-1]; last.Type != events.EventWalletDisconnected {
		t.Errorf("last event = %s", last.Type)
	}
}

// --- reward service ---

func newRewardService(t *testing.T) (*RewardService, *memRewards, *ecdsa.PrivateKey) {
	t.Helper()
	signer, _ := newKey(t)
	cfg := testConfig()
	cfg.RewardSignerKey = hexutil.Encode(crypto.FromECDSA(signer))
	store := &memRewards{grants: make(map[string]*models.RewardGrant)}
	svc, err := NewRewardService(store, &memAudit{}, &memPublisher{}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRewardService: %v", err)
	}
	return svc, store, signer
}

func TestRewardServiceDisabled(t *testing.T) {
	svc, err := NewRewardService(&memRewards{}, &memAudit{}, nil, testConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Sign(context.Background(), "", "", "course_completed", "p"); !errors.Is(err, ErrRewardsDisabled) {
		t.Errorf("err = %v, want ErrRewardsDisabled", err)
	}
	if svc.SignerAddress() != (common.Address{}) {
		t.Error("disabled service reports a signer")
	}
}

func TestRewardServiceBadKey(t *testing.T) {
	cfg := testConfig()
	cfg.RewardSignerKey = "0xzz"
	if _, err := NewRewardService(&memRewards{}, &memAudit{}, nil, cfg, zap.NewNop()); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestRewardSign(t *testing.T) {
	svc, _, signer := newRewardService(t)
	_, wallet := newKey(t)
	ctx := context.Background()

	grant, err := svc.Sign(ctx, strings.ToLower(wallet), wallet, "course_completed", "proof-1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	wantAmount := new(big.Int).Mul(big.NewInt(10), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if grant.Amount != wantAmount.String() {
		t.Errorf("amount = %s, want %s", grant.Amount, wantAmount)
	}
	if grant.ReputationPoints != 5 {
		t.Errorf("points = %d", grant.ReputationPoints)
	}

	txid, _ := ledger.RewardTxID(common.HexToAddress(wallet), "course_completed", "proof-1")
	if grant.TxID != txid.Hex() {
		t.Errorf("txid = %s, want %s", grant.TxID, txid.Hex())
	}

	cfg := testConfig()
	digest, err := ledger.RewardDigest(common.HexToAddress(cfg.LedgerContractAddress), big.NewInt(cfg.LedgerChainID),
		common.HexToAddress(wallet), wantAmount, big.NewInt(5), txid)
	if err != nil {
		t.Fatal(err)
	}
	sig := hexutil.MustDecode(grant.Signature)
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), sig)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.PubkeyToAddress(*pub) != crypto.PubkeyToAddress(signer.PublicKey) {
		t.Error("authorization not signed by the reward signer")
	}
	if svc.SignerAddress() != crypto.PubkeyToAddress(signer.PublicKey) {
		t.Error("SignerAddress mismatch")
	}
}

func TestRewardSignIdempotent(t *testing.T) {
	svc, store, _ := newRewardService(t)
	_, wallet := newKey(t)
	ctx := context.Background()

	first, err := svc.Sign(ctx, wallet, wallet, "course_completed", "proof-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Sign(ctx, wallet, wallet, "course_completed", "proof-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || first.Signature != second.Signature {
		t.Error("second call minted a new authorization")
	}
	if len(store.grants) != 1 {
		t.Errorf("grants = %d, want 1", len(store.grants))
	}

	third, err := svc.Sign(ctx, wallet, wallet, "course_completed", "proof-2")
	if err != nil {
		t.Fatal(err)
	}
	if third.TxID == first.TxID {
		t.Error("different proof produced the same txid")
	}
}

func TestRewardSignRejects(t *testing.T) {
	svc, _, _ := newRewardService(t)
	_, wallet := newKey(t)
	_, other := newKey(t)

	tests := []struct {
		name                    string
		session, wallet, act, p string
		want                    error
	}{
		{"bad wallet", wallet, "0x12", "course_completed", "p", ErrInvalidAddress},
		{"foreign wallet", other, wallet, "course_completed", "p", ErrWalletMismatch},
		{"unknown activity", wallet, wallet, "bribe", "p", ErrUnknownActivity},
		{"empty proof", wallet, wallet, "course_completed", "  ", ErrInvalidProofID},
		{"long proof", wallet, wallet, "course_completed", strings.Repeat("x", 200), ErrInvalidProofID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Sign(context.Background(), tt.session, tt.wallet, tt.act, tt.p)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRewardSignDailyLimit(t *testing.T) {
	svc, _, _ := newRewardService(t)
	svc.cfg.RewardDailyLimit = 2
	_, wallet := newKey(t)
	ctx := context.Background()

	for _, p := range []string{"p1", "p2"} {
		if _, err := svc.Sign(ctx, wallet, wallet, "course_completed", p); err != nil {
			t.Fatalf("sign %s: %v", p, err)
		}
	}
	if _, err := svc.Sign(ctx, wallet, wallet, "course_completed", "p3"); !errors.Is(err, ErrRewardQuota) {
		t.Fatalf("third proof: err = %v, want ErrRewardQuota", err)
	}
	// already issued grants are still returned
	if _, err := svc.Sign(ctx, wallet, wallet, "course_completed", "p1"); err != nil {
		t.Fatalf("re-sign p1: %v", err)
	}

	// a day later the window is free again
	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if _, err := svc.Sign(ctx, wallet, wallet, "course_completed", "p3"); err != nil {
		t.Fatalf("next day: %v", err)
	}
}

func TestRewardMarkClaimed(t *testing.T) {
	svc, store, _ := newRewardService(t)
	_, wallet := newKey(t)
	ctx := context.Background()

	grant, err := svc.Sign(ctx, wallet, wallet, "course_completed", "proof-1")
	if err != nil {
		t.Fatal(err)
	}
	ev := &ledger.ClaimedEvent{
		Recipient: common.HexToAddress(wallet),
		TxID:      common.HexToHash(grant.TxID),
		TxHash:    common.HexToHash("0xabc"),
	}
	if err := svc.MarkClaimed(ctx, ev); err != nil {
		t.Fatalf("MarkClaimed: %v", err)
	}
	g, _ := store.Find(ctx, wallet, "course_completed", "proof-1")
	if g.Status != models.RewardStatusClaimed {
		t.Errorf("status = %s", g.Status)
	}
	// повторное событие не ошибка
	if err := svc.MarkClaimed(ctx, ev); err != nil {
		t.Errorf("second MarkClaimed: %v", err)
	}
}
