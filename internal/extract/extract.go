// Package extract parses storefront search result pages into listings.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// Selectors locate the listing fields inside a result page.
type Selectors struct {
	Item      string `mapstructure:"item"`
	Title     string `mapstructure:"title"`
	Price     string `mapstructure:"price"`
	Condition string `mapstructure:"condition"`
	Image     string `mapstructure:"image"`
	Link      string `mapstructure:"link"`
	Next      string `mapstructure:"next"`
}

// DefaultSelectors match the search results markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:      "li.s-item",
		Title:     ".s-item__title",
		Price:     ".s-item__price",
		Condition: ".SECONDARY_INFO",
		Image:     ".s-item__image-img, .s-item__image img",
		Link:      "a.s-item__link",
		Next:      ".pagination__next",
	}
}

// DefaultPromoTitles are the title substrings of promotional placeholders.
var DefaultPromoTitles = []string{"Shop on eBay"}

var itemIDPattern = regexp.MustCompile(`/itm/(?:[^/?#]+/)?(\d+)`)

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	sel         Selectors
	promoTitles []string
}

// New builds an extractor. Empty selector fields fall back to the defaults.
func New(sel Selectors, promoTitles []string) *Extractor {
	def := DefaultSelectors()
	if sel.Item == "" {
		sel.Item = def.Item
	}
	if sel.Title == "" {
		sel.Title = def.Title
	}
	if sel.Price == "" {
		sel.Price = def.Price
	}
	if sel.Condition == "" {
		sel.Condition = def.Condition
	}
	if sel.Image == "" {
		sel.Image = def.Image
	}
	if sel.Link == "" {
		sel.Link = def.Link
	}
	if sel.Next == "" {
		sel.Next = def.Next
	}
	if promoTitles == nil {
		promoTitles = DefaultPromoTitles
	}
	return &Extractor{sel: sel, promoTitles: promoTitles}
}

// Extract returns listings in page order plus the next-page control state.
// Elements that fail to parse are skipped and counted.
func (e *Extractor) Extract(html []byte) (crawler.ExtractedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.ExtractedPage{}, fmt.Errorf("parse html: %w", err)
	}
	var out crawler.ExtractedPage
	doc.Find(e.sel.Item).Each(func(_ int, s *goquery.Selection) {
		listing, ok := e.listing(s)
		if !ok {
			out.Skipped++
			return
		}
		out.Listings = append(out.Listings, listing)
	})
	next := doc.Find(e.sel.Next).First()
	if next.Length() > 0 {
		out.HasNext = true
		out.NextDisabled = disabled(next)
	}
	return out, nil
}

func (e *Extractor) listing(s *goquery.Selection) (crawler.Listing, bool) {
	title := cleanTitle(s.Find(e.sel.Title).First())
	if title == "" || e.isPromo(title) {
		return crawler.Listing{}, false
	}
	href, _ := s.Find(e.sel.Link).First().Attr("href")
	id := ItemID(href)
	if id == "" {
		return crawler.Listing{}, false
	}
	rawPrice := strings.TrimSpace(s.Find(e.sel.Price).First().Text())
	img := s.Find(e.sel.Image).First()
	src, _ := img.Attr("src")
	if lazy, ok := img.Attr("data-src"); ok && lazy != "" {
		src = lazy
	}
	return crawler.Listing{
		ExternalID: id,
		Title:      title,
		Price:      ParsePrice(rawPrice),
		Currency:   ParseCurrency(rawPrice),
		Condition:  strings.TrimSpace(s.Find(e.sel.Condition).First().Text()),
		ImageURL:   strings.TrimSpace(src),
		URL:        href,
	}, true
}

func (e *Extractor) isPromo(title string) bool {
	for _, p := range e.promoTitles {
		if p != "" && strings.Contains(title, p) {
			return true
		}
	}
	return false
}

// cleanTitle drops screen-reader badges such as "New Listing" that are
// nested inside the title node.
func cleanTitle(s *goquery.Selection) string {
	clone := s.Clone()
	clone.Find(".LIGHT_HIGHLIGHT, .clipped").Remove()
	return strings.Join(strings.Fields(clone.Text()), " ")
}

func disabled(s *goquery.Selection) bool {
	if v, ok := s.Attr("aria-disabled"); ok && strings.EqualFold(v, "true") {
		return true
	}
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	return s.HasClass("disabled")
}

// ItemID pulls the numeric item id out of a detail-page URL path.
func ItemID(href string) string {
	m := itemIDPattern.FindStringSubmatch(href)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
