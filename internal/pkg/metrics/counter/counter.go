package counter

import (
	"context"
	"strconv"
	"strings"

	"github.com/bloomwatch/gardenpay/internal/pkg/cache"
)

const (
	webhookDeliveriesKey = "payment:counters:webhooks"
	checkoutAttemptsKey  = "payment:counters:checkouts"
)

// AddWebhookDelivery increments the per-provider outcome counter for a
// webhook delivery. Outcomes: processed, duplicate, invalid_signature,
// ignored, failed.
func AddWebhookDelivery(provider, outcome string) error {
	return cache.GetClient().HIncrBy(context.Background(), webhookDeliveriesKey, field(provider, outcome), 1).Err()
}

// AddCheckoutAttempt increments the per-provider outcome counter for a
// checkout creation. Outcomes: created, failed, rejected.
func AddCheckoutAttempt(provider, outcome string) error {
	return cache.GetClient().HIncrBy(context.Background(), checkoutAttemptsKey, field(provider, outcome), 1).Err()
}

func field(provider, outcome string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "none"
	}
	return provider + ":" + outcome
}

// Snapshot reads both counter hashes, keyed "provider:outcome".
func Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64, 2)
	keys := map[string]string{
		"webhooks":  webhookDeliveriesKey,
		"checkouts": checkoutAttemptsKey,
	}
	for name, key := range keys {
		fields, err := cache.GetClient().HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int64, len(fields))
		for f, v := range fields {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			counts[f] = n
		}
		out[name] = counts
	}
	return out, nil
}
