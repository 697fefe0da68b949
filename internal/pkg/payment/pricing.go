package payment

import "strings"

// PlanGardenMonitoring is the single paid plan line sold today.
const PlanGardenMonitoring = "garden_monitoring"

// priceTable maps plan -> ISO currency -> yearly amount in minor units.
// Amounts are fixed per currency on purpose: a live FX conversion would
// silently corrupt financial reporting, so an unlisted currency is an error.
var priceTable = map[string]map[string]int64{
	PlanGardenMonitoring: {
		"USD": 9500,   // 95.00 USD
		"EUR": 8900,   // 89.00 EUR
		"GBP": 7900,   // 79.00 GBP
		"INR": 749900, // 7499.00 INR
	},
}

// zeroDecimalCurrencies have no minor unit (amounts are already whole).
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
}

// ResolvePrice returns the charge amount in minor units for a plan in the
// given currency. Unknown plan or currency yields CurrencyNotSupported.
func ResolvePrice(planID, currency string) (int64, error) {
	plan := strings.ToLower(strings.TrimSpace(planID))
	cur := NormalizeCurrency(currency)

	prices, ok := priceTable[plan]
	if !ok {
		return 0, NewError(ErrCurrencyNotSupported, "", "unknown plan: "+plan)
	}
	amount, ok := prices[cur]
	if !ok {
		return 0, NewError(ErrCurrencyNotSupported, "", "no price for currency "+cur)
	}
	return amount, nil
}

// SupportedCurrencies lists the currencies a plan is priced in.
func SupportedCurrencies(planID string) []string {
	prices, ok := priceTable[strings.ToLower(strings.TrimSpace(planID))]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(prices))
	for cur := range prices {
		out = append(out, cur)
	}
	return out
}

// NormalizeCurrency upper-cases and trims an ISO currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// MajorUnits renders a minor-unit amount in the currency's display unit,
// e.g. 9500 USD minor units -> 95.00.
func MajorUnits(amount int64, currency string) float64 {
	if zeroDecimalCurrencies[NormalizeCurrency(currency)] {
		return float64(amount)
	}
	return float64(amount) / 100
}
