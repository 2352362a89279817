package repositories

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/learnverse/backend/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

// Upsert saves a verified link; one row per address (lowercase).
func (r *WalletRepo) Upsert(ctx context.Context, w *models.WalletLink) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO wallet_links (address, chain_id, did, request_id, signature, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
		ON CONFLICT (address) DO UPDATE SET
			chain_id = EXCLUDED.chain_id,
			did = EXCLUDED.did,
			request_id = EXCLUDED.request_id,
			signature = EXCLUDED.signature,
			is_active = true,
			disconnected_at = NULL,
			verified_at = now()
		RETURNING id, verified_at
	`, strings.ToLower(w.Address), w.ChainID, w.DID, w.RequestID, w.Signature).Scan(&w.ID, &w.VerifiedAt)
}

func (r *WalletRepo) GetActive(ctx context.Context, address string) (*models.WalletLink, error) {
	var w models.WalletLink
	err := r.pool.QueryRow(ctx, `
		SELECT id, address, chain_id, did, request_id, signature, verified_at, disconnected_at, is_active
		FROM wallet_links
		WHERE address = $1 AND is_active = true
	`, strings.ToLower(address)).Scan(
		&w.ID, &w.Address, &w.ChainID, &w.DID, &w.RequestID, &w.Signature,
		&w.VerifiedAt, &w.DisconnectedAt, &w.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepo) Deactivate(ctx context.Context, address string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE wallet_links SET is_active = false, disconnected_at = now()
		WHERE address = $1 AND is_active = true
	`, strings.ToLower(address))
	return err
}
