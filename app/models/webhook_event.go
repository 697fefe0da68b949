package models

import "time"

// Payment provider names used across payment-related models.
const (
	ProviderStripe   = "stripe"
	ProviderRazorpay = "razorpay"
	ProviderPhonePe  = "phonepe"
)

// WebhookEvent stores every provider delivery with deduplication metadata.
// The unique (provider, provider_event_id) index is the at-least-once guard:
// a redelivered event inserts nothing, and is only reconciled again when the
// stored row is not yet settled.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	SubscriptionID  string     `gorm:"type:varchar(191);not null;default:'';index" json:"subscription_id"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Settled reports whether the delivery was applied to completion. A duplicate
// of an unsettled delivery, one that never finished or finished with an
// error, is reprocessed on the provider's retry instead of being acked away.
func (e *WebhookEvent) Settled() bool {
	return e.ProcessedAt != nil && e.ProcessingError == ""
}
