package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learnverse/backend/internal/models"
)

type ChallengeRepo struct {
	pool *pgxpool.Pool
}

func NewChallengeRepo(pool *pgxpool.Pool) *ChallengeRepo {
	return &ChallengeRepo{pool: pool}
}

func (r *ChallengeRepo) Create(ctx context.Context, c *models.WalletChallenge) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO wallet_challenges (request_id, address, chain_id, did, nonce, message, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, c.RequestID, c.Address, c.ChainID, c.DID, c.Nonce, c.Message, c.ExpiresAt).Scan(&c.ID, &c.CreatedAt)
}

// Consume marks the challenge used and returns it. A used, expired or
// unknown challenge yields pgx.ErrNoRows.
func (r *ChallengeRepo) Consume(ctx context.Context, requestID uuid.UUID) (*models.WalletChallenge, error) {
	var c models.WalletChallenge
	err := r.pool.QueryRow(ctx, `
		UPDATE wallet_challenges
		SET used = true
		WHERE request_id = $1 AND used = false AND expires_at > now()
		RETURNING id, request_id, address, chain_id, did, nonce, message, created_at, expires_at, used
	`, requestID).Scan(&c.ID, &c.RequestID, &c.Address, &c.ChainID, &c.DID, &c.Nonce, &c.Message, &c.CreatedAt, &c.ExpiresAt, &c.Used)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PurgeStale deletes used or expired challenges older than age.
func (r *ChallengeRepo) PurgeStale(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM wallet_challenges
		WHERE (used = true OR expires_at < now()) AND created_at < now() - $1::interval
	`, age.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
