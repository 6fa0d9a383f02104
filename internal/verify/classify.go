package verify

import (
	"github.com/JakeFAU/storewatch/internal/crawler"
)

// Reasons attached to classification results.
const (
	ReasonEnded         = "listing ended"
	ReasonSold          = "sold out with recorded sales"
	ReasonOutOfStock    = "out of stock"
	ReasonInStock       = "in stock"
	ReasonIndeterminate = "indeterminate"
)

// Classify maps an availability snapshot to a verification status.
// Precedence: ended, sold out with sales, out of stock, in stock, and a
// fallback of VERIFIED with an indeterminate reason.
func Classify(a Availability) (crawler.VerificationStatus, string) {
	q := a.Quantities
	switch {
	case a.Status == "ENDED" || a.Status == "COMPLETED":
		return crawler.VerificationListingEnded, ReasonEnded
	case depleted(q) && positive(q.Sold):
		return crawler.VerificationSoldConfirmed, ReasonSold
	case a.Status == "OUT_OF_STOCK" || (depleted(q) && !positive(q.Sold)):
		return crawler.VerificationOutOfStock, ReasonOutOfStock
	case positive(q.Available) || positive(q.Remaining) ||
		a.Status == "IN_STOCK" || a.Status == "LIMITED_STOCK":
		return crawler.VerificationVerified, ReasonInStock
	default:
		return crawler.VerificationVerified, ReasonIndeterminate
	}
}

// depleted is true only when available and remaining are both reported
// and both zero. A missing quantity leaves the listing indeterminate.
func depleted(q crawler.Quantities) bool {
	return q.Available != nil && *q.Available == 0 &&
		q.Remaining != nil && *q.Remaining == 0
}

func positive(n *int) bool { return n != nil && *n > 0 }
