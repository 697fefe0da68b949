package subscription

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bloomwatch/gardenpay/app/models"
)

// ErrNotFound is the storage-neutral "no such subscription" answer.
var ErrNotFound = errors.New("subscription not found")

// Repository provides the DB operations used by the reconciler. The ForUpdate
// variants take a row lock so concurrent deliveries of the same event
// serialize per subscription instead of racing on the period bounds.
type Repository interface {
	WithContext(ctx context.Context) Repository
	FindByProviderSubscriptionID(provider, providerSubscriptionID string) (*models.Subscription, error)
	FindByProviderSubscriptionIDForUpdate(provider, providerSubscriptionID string) (*models.Subscription, error)
	FindByUserAndPlan(userID uint, planID string) (*models.Subscription, error)
	FindByUserAndPlanForUpdate(userID uint, planID string) (*models.Subscription, error)
	Create(sub *models.Subscription) error
	UpsertByUserAndPlan(sub *models.Subscription) error
	Save(sub *models.Subscription) error
	InTransaction(fn func(Repository) error) error
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a subscription repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithContext(ctx context.Context) Repository {
	return &gormRepository{db: r.db.WithContext(ctx)}
}

func (r *gormRepository) find(query *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	if err := query.First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindByProviderSubscriptionID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	return r.find(r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID))
}

func (r *gormRepository) FindByProviderSubscriptionIDForUpdate(provider, providerSubscriptionID string) (*models.Subscription, error) {
	return r.find(r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID))
}

func (r *gormRepository) FindByUserAndPlan(userID uint, planID string) (*models.Subscription, error) {
	return r.find(r.db.Where("user_id = ? AND plan_id = ?", userID, planID))
}

func (r *gormRepository) FindByUserAndPlanForUpdate(userID uint, planID string) (*models.Subscription, error) {
	return r.find(r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND plan_id = ?", userID, planID))
}

func (r *gormRepository) Create(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

// UpsertByUserAndPlan inserts a subscription, or takes over the existing
// (user_id, plan_id) row when the user re-subscribes after a cancellation.
// The old provider identity is replaced wholesale so replays addressed to the
// previous provider_subscription_id no longer match a row.
func (r *gormRepository) UpsertByUserAndPlan(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "plan_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider", "provider_subscription_id", "status", "currency",
			"amount", "billing_interval", "current_period_start",
			"current_period_end", "last_event_id", "updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// On the conflict path MySQL does not report the surviving row ID back,
	// so re-read it for the caller's follow-up Save.
	stored, err := r.FindByUserAndPlan(sub.UserID, sub.PlanID)
	if err != nil {
		return err
	}
	sub.ID = stored.ID
	sub.CreatedAt = stored.CreatedAt
	return nil
}

func (r *gormRepository) Save(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) InTransaction(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
