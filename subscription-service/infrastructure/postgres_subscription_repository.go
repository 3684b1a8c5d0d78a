package infrastructure

import (
	"context"
	"database/sql"
	"time"

	sharedinfra "github.com/draftea/subscription-system/shared/infrastructure"
	"github.com/draftea/subscription-system/shared/models"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ domain.SubscriptionRepository = (*PostgresSubscriptionRepository)(nil)

// PostgresSubscriptionRepository implements SubscriptionRepository using PostgreSQL
type PostgresSubscriptionRepository struct {
	db *sqlx.DB
}

// NewPostgresSubscriptionRepository creates a new PostgresSubscriptionRepository
func NewPostgresSubscriptionRepository(db *sqlx.DB) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{db: db}
}

// postgresSubscription represents subscription in database
type postgresSubscription struct {
	ID            string    `db:"id"`
	UserID        string    `db:"user_id"`
	PlanID        string    `db:"plan_id"`
	Status        string    `db:"status"`
	BillingPeriod string    `db:"billing_period"`
	StartsAt      time.Time `db:"starts_at"`
	NextBillingAt time.Time `db:"next_billing_at"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	Version       int       `db:"version"`
}

const subscriptionColumns = `id, user_id, plan_id, status, billing_period,
	starts_at, next_billing_at, created_at, updated_at, version`

// Save inserts version 1 and updates anything newer with optimistic locking
func (r *PostgresSubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	if sub.Version.IsFirst() {
		return r.insert(ctx, sub)
	}
	return r.update(ctx, sub)
}

func (r *PostgresSubscriptionRepository) insert(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, user_id, plan_id, status, billing_period,
			starts_at, next_billing_at, created_at, updated_at, version
		) VALUES (
			:id, :user_id, :plan_id, :status, :billing_period,
			:starts_at, :next_billing_at, :created_at, :updated_at, :version
		)`

	if _, err := sharedinfra.Executor(ctx, r.db).NamedExecContext(ctx, query, r.toPostgres(sub)); err != nil {
		return errors.Wrap(err, "failed to insert subscription")
	}
	return nil
}

func (r *PostgresSubscriptionRepository) update(ctx context.Context, sub *domain.Subscription) error {
	query := `
		UPDATE subscriptions
		SET status = :status, starts_at = :starts_at, next_billing_at = :next_billing_at,
			updated_at = :updated_at, version = :version
		WHERE id = :id AND version = :old_version`

	res, err := sharedinfra.Executor(ctx, r.db).NamedExecContext(ctx, query, map[string]interface{}{
		"id":              sub.ID.String(),
		"status":          string(sub.Status),
		"starts_at":       sub.Term.StartsAt,
		"next_billing_at": sub.Term.NextBillingAt,
		"updated_at":      sub.Timestamps.UpdatedAt,
		"version":         sub.Version.Value,
		"old_version":     sub.Version.Expected(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to update subscription")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return errors.Wrapf(domain.ErrVersionConflict, "subscription %s version %d", sub.ID, sub.Version.Expected())
	}
	return nil
}

// FindByID finds a subscription by ID
func (r *PostgresSubscriptionRepository) FindByID(ctx context.Context, id models.ID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	var row postgresSubscription
	if err := sharedinfra.Executor(ctx, r.db).GetContext(ctx, &row, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(domain.ErrSubscriptionNotFound, id.String())
		}
		return nil, errors.Wrap(err, "failed to find subscription")
	}
	return r.toDomain(&row), nil
}

// FindByUserID lists a user's subscriptions, newest first
func (r *PostgresSubscriptionRepository) FindByUserID(ctx context.Context, userID models.ID) ([]*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC`

	var rows []postgresSubscription
	if err := sharedinfra.Executor(ctx, r.db).SelectContext(ctx, &rows, query, userID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to find subscriptions by user")
	}

	subs := make([]*domain.Subscription, len(rows))
	for i := range rows {
		subs[i] = r.toDomain(&rows[i])
	}
	return subs, nil
}

func (r *PostgresSubscriptionRepository) toPostgres(sub *domain.Subscription) *postgresSubscription {
	return &postgresSubscription{
		ID:            sub.ID.String(),
		UserID:        sub.UserID.String(),
		PlanID:        sub.PlanID,
		Status:        string(sub.Status),
		BillingPeriod: string(sub.Term.Period),
		StartsAt:      sub.Term.StartsAt,
		NextBillingAt: sub.Term.NextBillingAt,
		CreatedAt:     sub.Timestamps.CreatedAt,
		UpdatedAt:     sub.Timestamps.UpdatedAt,
		Version:       sub.Version.Value,
	}
}

func (r *PostgresSubscriptionRepository) toDomain(row *postgresSubscription) *domain.Subscription {
	return &domain.Subscription{
		ID:     models.ID(row.ID),
		UserID: models.ID(row.UserID),
		PlanID: row.PlanID,
		Status: domain.SubscriptionStatus(row.Status),
		Term: domain.Term{
			Period:        domain.BillingPeriod(row.BillingPeriod),
			StartsAt:      row.StartsAt.UTC(),
			NextBillingAt: row.NextBillingAt.UTC(),
		},
		Timestamps: models.Timestamps{CreatedAt: row.CreatedAt.UTC(), UpdatedAt: row.UpdatedAt.UTC()},
		Version:    models.Version{Value: row.Version},
	}
}
