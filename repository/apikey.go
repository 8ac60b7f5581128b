package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/localdirectory/guardian/models"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKeyRepository stores only a hash of each key; the plain key is returned
// once, from Create.
type APIKeyRepository struct {
	db *sql.DB
}

func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create issues a key for userID. rateLimit and window override the api tier
// for this key when positive.
func (r *APIKeyRepository) Create(ctx context.Context, userID string, rateLimit int, window time.Duration) (*models.APIKey, error) {
	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	apiKey := &models.APIKey{
		ID:             uuid.NewString(),
		UserID:         userID,
		APIKey:         key,
		IsActive:       true,
		RateLimit:      rateLimit,
		RateWindowSecs: int(window / time.Second),
		CreatedAt:      time.Now().UTC(),
	}

	query := `INSERT INTO api_keys (id, user_id, key_hash, is_active, rate_limit, rate_window_secs, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.db.ExecContext(ctx, query, apiKey.ID, apiKey.UserID, hashKey(key), apiKey.IsActive,
		apiKey.RateLimit, apiKey.RateWindowSecs, apiKey.CreatedAt)
	if err != nil {
		return nil, err
	}
	return apiKey, nil
}

// GetByKey looks a presented key up by its hash. The returned record does not
// carry the plain key.
func (r *APIKeyRepository) GetByKey(ctx context.Context, key string) (*models.APIKey, error) {
	apiKey := &models.APIKey{}
	query := `SELECT id, user_id, is_active, rate_limit, rate_window_secs, created_at FROM api_keys WHERE key_hash = $1`
	err := r.db.QueryRowContext(ctx, query, hashKey(key)).Scan(&apiKey.ID, &apiKey.UserID, &apiKey.IsActive,
		&apiKey.RateLimit, &apiKey.RateWindowSecs, &apiKey.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return apiKey, nil
}

func (r *APIKeyRepository) GetByUserID(ctx context.Context, userID string) ([]*models.APIKey, error) {
	query := `SELECT id, user_id, is_active, rate_limit, rate_window_secs, created_at FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key := &models.APIKey{}
		if err := rows.Scan(&key.ID, &key.UserID, &key.IsActive, &key.RateLimit, &key.RateWindowSecs, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *APIKeyRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE api_keys SET is_active = $1 WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrAPIKeyNotFound)
}

func (r *APIKeyRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM api_keys WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrAPIKeyNotFound)
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk_" + hex.EncodeToString(b), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
