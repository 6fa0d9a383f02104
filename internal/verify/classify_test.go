package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		in     Availability
		want   crawler.VerificationStatus
		reason string
	}{
		{
			name:   "ended wins over sold quantities",
			in:     Availability{Status: "ENDED", Quantities: crawler.Quantities{Available: ptr(0), Remaining: ptr(0), Sold: ptr(3)}},
			want:   crawler.VerificationListingEnded,
			reason: ReasonEnded,
		},
		{
			name: "completed is ended",
			in:   Availability{Status: "COMPLETED"},
			want: crawler.VerificationListingEnded, reason: ReasonEnded,
		},
		{
			name: "depleted with sales",
			in:   Availability{Status: "OUT_OF_STOCK", Quantities: crawler.Quantities{Available: ptr(0), Remaining: ptr(0), Sold: ptr(1)}},
			want: crawler.VerificationSoldConfirmed, reason: ReasonSold,
		},
		{
			name: "depleted without sales",
			in:   Availability{Quantities: crawler.Quantities{Available: ptr(0), Remaining: ptr(0)}},
			want: crawler.VerificationOutOfStock, reason: ReasonOutOfStock,
		},
		{
			name: "depleted with zero sold",
			in:   Availability{Quantities: crawler.Quantities{Available: ptr(0), Remaining: ptr(0), Sold: ptr(0)}},
			want: crawler.VerificationOutOfStock, reason: ReasonOutOfStock,
		},
		{
			name: "sales without remaining is not a confirmed sale",
			in:   Availability{Quantities: crawler.Quantities{Available: ptr(0), Sold: ptr(1)}},
			want: crawler.VerificationVerified, reason: ReasonIndeterminate,
		},
		{
			name: "sales without available is not a confirmed sale",
			in:   Availability{Quantities: crawler.Quantities{Remaining: ptr(0), Sold: ptr(2)}},
			want: crawler.VerificationVerified, reason: ReasonIndeterminate,
		},
		{
			name: "partial zero quantity is not out of stock",
			in:   Availability{Quantities: crawler.Quantities{Remaining: ptr(0)}},
			want: crawler.VerificationVerified, reason: ReasonIndeterminate,
		},
		{
			name: "partial quantities defer to out of stock status",
			in:   Availability{Status: "OUT_OF_STOCK", Quantities: crawler.Quantities{Available: ptr(0), Sold: ptr(1)}},
			want: crawler.VerificationOutOfStock, reason: ReasonOutOfStock,
		},
		{
			name: "out of stock status alone",
			in:   Availability{Status: "OUT_OF_STOCK"},
			want: crawler.VerificationOutOfStock, reason: ReasonOutOfStock,
		},
		{
			name: "available quantity",
			in:   Availability{Quantities: crawler.Quantities{Available: ptr(2), Remaining: ptr(0)}},
			want: crawler.VerificationVerified, reason: ReasonInStock,
		},
		{
			name: "remaining quantity",
			in:   Availability{Quantities: crawler.Quantities{Remaining: ptr(1)}},
			want: crawler.VerificationVerified, reason: ReasonInStock,
		},
		{
			name: "in stock status",
			in:   Availability{Status: "IN_STOCK"},
			want: crawler.VerificationVerified, reason: ReasonInStock,
		},
		{
			name: "only sold count is indeterminate",
			in:   Availability{Quantities: crawler.Quantities{Sold: ptr(5)}},
			want: crawler.VerificationVerified, reason: ReasonIndeterminate,
		},
		{
			name: "unknown status is indeterminate",
			in:   Availability{Status: "SOMETHING_NEW"},
			want: crawler.VerificationVerified, reason: ReasonIndeterminate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Classify(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
