package repositories

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learnverse/backend/internal/models"
)

type RewardRepo struct {
	pool *pgxpool.Pool
}

func NewRewardRepo(pool *pgxpool.Pool) *RewardRepo {
	return &RewardRepo{pool: pool}
}

const rewardColumns = `id, wallet_address, activity_type, proof_id, txid, amount, reputation_points,
	signature, status, claim_tx_hash, created_at, claimed_at`

func scanReward(row pgx.Row) (*models.RewardGrant, error) {
	var g models.RewardGrant
	err := row.Scan(&g.ID, &g.WalletAddress, &g.ActivityType, &g.ProofID, &g.TxID, &g.Amount,
		&g.ReputationPoints, &g.Signature, &g.Status, &g.ClaimTxHash, &g.CreatedAt, &g.ClaimedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Find returns the grant for (wallet, activity, proof) or nil.
func (r *RewardRepo) Find(ctx context.Context, wallet, activityType, proofID string) (*models.RewardGrant, error) {
	g, err := scanReward(r.pool.QueryRow(ctx, `
		SELECT `+rewardColumns+` FROM reward_grants
		WHERE wallet_address = $1 AND activity_type = $2 AND proof_id = $3
	`, strings.ToLower(wallet), activityType, proofID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// Create inserts g. A concurrent insert of the same key returns the stored row.
func (r *RewardRepo) Create(ctx context.Context, g *models.RewardGrant) (*models.RewardGrant, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reward_grants (wallet_address, activity_type, proof_id, txid, amount, reputation_points, signature, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (wallet_address, activity_type, proof_id) DO NOTHING
	`, strings.ToLower(g.WalletAddress), g.ActivityType, g.ProofID, g.TxID, g.Amount, g.ReputationPoints, g.Signature, models.RewardStatusSigned)
	if err != nil {
		return nil, err
	}
	return r.Find(ctx, g.WalletAddress, g.ActivityType, g.ProofID)
}

// MarkClaimed records the on-chain claim of txid. Returns false if no
// unclaimed grant has that txid.
func (r *RewardRepo) MarkClaimed(ctx context.Context, txid, claimTxHash string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reward_grants SET status = $3, claim_tx_hash = $2, claimed_at = now()
		WHERE txid = $1 AND status <> $3
	`, strings.ToLower(txid), claimTxHash, models.RewardStatusClaimed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountSince counts grants of wallet for activityType created at or after since.
func (r *RewardRepo) CountSince(ctx context.Context, wallet, activityType string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM reward_grants
		WHERE wallet_address = $1 AND activity_type = $2 AND created_at >= $3
	`, strings.ToLower(wallet), activityType, since).Scan(&n)
	return n, err
}

// ExpireSigned flags signed-but-unclaimed grants older than age.
func (r *RewardRepo) ExpireSigned(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reward_grants SET status = $2
		WHERE status = $1 AND created_at < now() - $3::interval
	`, models.RewardStatusSigned, models.RewardStatusExpired, age.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
