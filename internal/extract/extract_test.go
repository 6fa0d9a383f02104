package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func item(id, title, price string) string {
	return fmt.Sprintf(`<li class="s-item">
  <div class="s-item__image"><img class="s-item__image-img" src="https://img/%[1]s.jpg"></div>
  <a class="s-item__link" href="https://www.ebay.com/itm/%[1]s?hash=abc">
    <div class="s-item__title"><span class="LIGHT_HIGHLIGHT">New Listing</span>%[2]s</div>
  </a>
  <span class="s-item__price">%[3]s</span>
  <span class="SECONDARY_INFO">Pre-Owned</span>
</li>`, id, title, price)
}

func page(items []string, next string) []byte {
	return []byte("<html><body><ul>" + strings.Join(items, "") + "</ul>" + next + "</body></html>")
}

func TestExtractListings(t *testing.T) {
	t.Parallel()

	html := page([]string{
		`<li class="s-item"><a class="s-item__link" href="https://www.ebay.com/itm/123456"><div class="s-item__title">Shop on eBay</div></a><span class="s-item__price">$20.00</span></li>`,
		item("111111", "Vintage Camera", "$1,234.56"),
		item("222222", "Film Roll", "¥1,500"),
		`<li class="s-item"><a class="s-item__link" href="https://www.ebay.com/str/somewhere"><div class="s-item__title">No id</div></a></li>`,
	}, `<a class="pagination__next" href="?_pgn=2">Next</a>`)

	out, err := New(Selectors{}, nil).Extract(html)
	require.NoError(t, err)
	require.Len(t, out.Listings, 2)
	require.Equal(t, 2, out.Skipped)
	require.True(t, out.HasNext)
	require.False(t, out.NextDisabled)

	first := out.Listings[0]
	require.Equal(t, "111111", first.ExternalID)
	require.Equal(t, "Vintage Camera", first.Title)
	require.InDelta(t, 1234.56, first.Price, 0.0001)
	require.Equal(t, "USD", first.Currency)
	require.Equal(t, "Pre-Owned", first.Condition)
	require.Equal(t, "https://img/111111.jpg", first.ImageURL)

	require.Equal(t, "JPY", out.Listings[1].Currency)
	require.InDelta(t, 1500, out.Listings[1].Price, 0.0001)
}

func TestExtractDisabledNext(t *testing.T) {
	t.Parallel()

	out, err := New(Selectors{}, nil).Extract(page([]string{item("1", "A", "$1")}, `<button class="pagination__next" aria-disabled="true">Next</button>`))
	require.NoError(t, err)
	require.True(t, out.HasNext)
	require.True(t, out.NextDisabled)

	out, err = New(Selectors{}, nil).Extract(page([]string{item("1", "A", "$1")}, ""))
	require.NoError(t, err)
	require.False(t, out.HasNext)
}

func TestItemID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "1234567890", ItemID("https://www.ebay.com/itm/1234567890?_trkparms=x"))
	require.Equal(t, "987", ItemID("/itm/some-title-slug/987"))
	require.Empty(t, ItemID("https://www.ebay.com/usr/seller"))
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	cases := map[string]float64{
		"$1,234.56":        1234.56,
		"¥1,500":           1500,
		"$10.00 to $20.00": 10,
		"EUR 99,00":        9900,
		"Price unknown":    0,
		"":                 0,
		"free":             0,
		"JPY 3,000 approx": 3000,
		"US $45.99/ea":     45.99,
		"$.99":             0.99,
		"US $.50":          0.5,
		"$5.":              5,
	}
	for raw, want := range cases {
		require.InDelta(t, want, ParsePrice(raw), 0.0001, raw)
	}
}

func TestParseCurrency(t *testing.T) {
	t.Parallel()

	require.Equal(t, "JPY", ParseCurrency("¥1,500"))
	require.Equal(t, "JPY", ParseCurrency("￥1,500"))
	require.Equal(t, "JPY", ParseCurrency("1,500円"))
	require.Equal(t, "JPY", ParseCurrency("JPY 1,500"))
	require.Equal(t, "USD", ParseCurrency("$1.00"))
	require.Equal(t, "USD", ParseCurrency("USD 1.00"))
	require.Equal(t, "EUR", ParseCurrency("€1,00"))
	require.Equal(t, "EUR", ParseCurrency("EUR 1,00"))
	require.Equal(t, "USD", ParseCurrency("1.00"))
}
