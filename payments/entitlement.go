package payments

import "time"

// PremiumExpiry computes when a premium grant made now runs out. Calendar-year
// arithmetic, so a payment on 2026-03-01 renews on 2027-03-01 regardless of
// leap years.
func PremiumExpiry(now time.Time) time.Time {
	return now.AddDate(1, 0, 0)
}
