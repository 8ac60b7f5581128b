package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/localdirectory/guardian/models"
	"github.com/localdirectory/guardian/subscription"
)

// SubscriptionRepository implements subscription.Store on Postgres. Usage and
// limits live in JSONB columns.
type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, user_id, business_id, plan, status, amount, usage, limits,
	is_trialing, trial_start, trial_end, current_period_start, current_period_end,
	canceled_at, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub        models.Subscription
		businessID sql.NullString
		plan       string
		trialStart pq.NullTime
		trialEnd   pq.NullTime
		canceledAt pq.NullTime
	)
	err := row.Scan(&sub.ID, &sub.UserID, &businessID, &plan, &sub.Status, &sub.Amount, &sub.Usage, &sub.Limits,
		&sub.Trial.IsTrialing, &trialStart, &trialEnd, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&canceledAt, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}

	sub.BusinessID = businessID.String
	sub.Plan = models.Plan(plan)
	if trialStart.Valid {
		sub.Trial.TrialStart = &trialStart.Time
	}
	if trialEnd.Valid {
		sub.Trial.TrialEnd = &trialEnd.Time
	}
	if canceledAt.Valid {
		sub.CanceledAt = &canceledAt.Time
	}
	return &sub, nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.db.QueryRowContext(ctx, query, id))
}

func (r *SubscriptionRepository) FindByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
			  WHERE user_id = $1 AND business_id IS NULL ORDER BY created_at DESC LIMIT 1`
	return scanSubscription(r.db.QueryRowContext(ctx, query, userID))
}

func (r *SubscriptionRepository) FindByBusinessID(ctx context.Context, businessID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
			  WHERE business_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanSubscription(r.db.QueryRowContext(ctx, query, businessID))
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	query := `INSERT INTO subscriptions (` + subscriptionColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.db.ExecContext(ctx, query, sub.ID, sub.UserID, nullString(sub.BusinessID), string(sub.Plan), sub.Status,
		sub.Amount, sub.Usage, sub.Limits, sub.Trial.IsTrialing, nullTime(sub.Trial.TrialStart), nullTime(sub.Trial.TrialEnd),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, nullTime(sub.CanceledAt), sub.Version, sub.CreatedAt, sub.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return subscription.ErrSubscriptionExists
	}
	return err
}

// Update writes sub only if the row is still at expectedVersion.
func (r *SubscriptionRepository) Update(ctx context.Context, sub *models.Subscription, expectedVersion int64) error {
	query := `UPDATE subscriptions SET
			  	plan = $3, status = $4, amount = $5, usage = $6, limits = $7,
			  	is_trialing = $8, trial_start = $9, trial_end = $10,
			  	current_period_start = $11, current_period_end = $12, canceled_at = $13,
			  	version = version + 1, updated_at = $14
			  WHERE id = $1 AND version = $2`
	res, err := r.db.ExecContext(ctx, query, sub.ID, expectedVersion, string(sub.Plan), sub.Status, sub.Amount,
		sub.Usage, sub.Limits, sub.Trial.IsTrialing, nullTime(sub.Trial.TrialStart), nullTime(sub.Trial.TrialEnd),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, nullTime(sub.CanceledAt), sub.UpdatedAt)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return subscription.ErrSubscriptionNotFound
		}
		return subscription.ErrVersionConflict
	}
	sub.Version = expectedVersion + 1
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
