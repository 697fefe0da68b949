package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWebhookEventSettled(t *testing.T) {
	now := time.Now()

	// Never applied: a redelivery must be reprocessed.
	assert.False(t, (&WebhookEvent{}).Settled())

	// Applied but failed: the provider's retry gets another attempt.
	failed := &WebhookEvent{ProcessedAt: &now, ProcessingError: "db deadlock"}
	assert.False(t, failed.Settled())

	done := &WebhookEvent{ProcessedAt: &now}
	assert.True(t, done.Settled())
}
