package models

import "time"

const (
	SubscriptionStatusPending  = "pending"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

// Subscription is the durable record of truth for a user's paid plan. It is
// created on the first verified checkout confirmation and only ever mutated
// through verified webhook events or a server-side verified success callback.
// Cancellation is a status transition, never a row removal.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index:ux_subscriptions_user_plan,unique,priority:1" json:"user_id"`
	PlanID                 string     `gorm:"type:varchar(64);not null;index:ux_subscriptions_user_plan,unique,priority:2" json:"plan_id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	Status                 string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Currency               string     `gorm:"type:varchar(8);not null" json:"currency"`
	Amount                 int64      `gorm:"not null" json:"amount"`
	BillingInterval        string     `gorm:"type:varchar(16);not null;default:'year'" json:"billing_interval"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	LastEventID            string     `gorm:"type:varchar(191);not null;default:''" json:"last_event_id"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveStatus applies lazy expiry: an active subscription whose period
// ended in the past reads as canceled without an eager scheduler write.
func (s *Subscription) EffectiveStatus(now time.Time) string {
	if s.Status == SubscriptionStatusActive && s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(now) {
		return SubscriptionStatusCanceled
	}
	return s.Status
}

// IsActiveAt reports whether the subscription entitles the user at the given
// instant. Used by the already-subscribed checkout guard.
func (s *Subscription) IsActiveAt(now time.Time) bool {
	return s.EffectiveStatus(now) == SubscriptionStatusActive
}
