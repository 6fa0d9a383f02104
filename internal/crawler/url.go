package crawler

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultSearchURLTemplate lists a seller's items, 240 per page.
const DefaultSearchURLTemplate = "https://www.ebay.com/sch/i.html?_ssn={store}&_ipg=240&_pgn={page}&rt=nc"

// SearchURL fills the {store} and {page} placeholders of tmpl.
func SearchURL(tmpl, storeName string, page int) string {
	if tmpl == "" {
		tmpl = DefaultSearchURLTemplate
	}
	r := strings.NewReplacer(
		"{store}", url.QueryEscape(storeName),
		"{page}", strconv.Itoa(page),
	)
	return r.Replace(tmpl)
}
