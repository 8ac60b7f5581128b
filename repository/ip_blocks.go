package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/localdirectory/guardian/models"
)

// BlockedIPRepository persists the audit engine's IP blocks.
type BlockedIPRepository struct {
	db *sql.DB
}

func NewBlockedIPRepository(db *sql.DB) *BlockedIPRepository {
	return &BlockedIPRepository{db: db}
}

// SaveBlock inserts or replaces the block for an IP.
func (r *BlockedIPRepository) SaveBlock(ctx context.Context, b models.IPBlock) error {
	query := `INSERT INTO ip_blocks (ip, reason, blocked_at, expires_at)
			  VALUES ($1, $2, $3, $4)
			  ON CONFLICT (ip) DO UPDATE SET
			  	reason = EXCLUDED.reason,
			  	blocked_at = EXCLUDED.blocked_at,
			  	expires_at = EXCLUDED.expires_at`
	_, err := r.db.ExecContext(ctx, query, b.IP, b.Reason, b.BlockedAt, b.ExpiresAt)
	return err
}

func (r *BlockedIPRepository) DeleteBlock(ctx context.Context, ip string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ip_blocks WHERE ip = $1`, ip)
	return err
}

func (r *BlockedIPRepository) ListActiveBlocks(ctx context.Context, now time.Time) ([]models.IPBlock, error) {
	query := `SELECT ip, reason, blocked_at, expires_at FROM ip_blocks WHERE expires_at > $1 ORDER BY blocked_at DESC`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []models.IPBlock
	for rows.Next() {
		var b models.IPBlock
		if err := rows.Scan(&b.IP, &b.Reason, &b.BlockedAt, &b.ExpiresAt); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// PurgeExpired removes blocks that ended before now.
func (r *BlockedIPRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ip_blocks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
