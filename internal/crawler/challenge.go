package crawler

import (
	"bytes"
	"strings"
)

// Default markers for the storefront's anti-bot interstitial.
var (
	DefaultChallengeURLMarkers   = []string{"splashui/challenge", "/captcha", "/distil_r_captcha"}
	DefaultChallengeTitleMarkers = []string{"pardon our interruption", "security measure", "checking your browser"}
	DefaultChallengeBodyMarkers  = []string{"please verify yourself", "px-captcha", "cf-challenge"}
)

// ChallengeDetector flags interstitial pages using simple URL, title and body signals.
type ChallengeDetector struct {
	urlMarkers   []string
	titleMarkers []string
	bodyMarkers  [][]byte
}

// NewChallengeDetector lower-cases and trims the configured markers. Empty
// slices fall back to the defaults.
func NewChallengeDetector(urlMarkers, titleMarkers, bodyMarkers []string) *ChallengeDetector {
	if len(urlMarkers) == 0 {
		urlMarkers = DefaultChallengeURLMarkers
	}
	if len(titleMarkers) == 0 {
		titleMarkers = DefaultChallengeTitleMarkers
	}
	if len(bodyMarkers) == 0 {
		bodyMarkers = DefaultChallengeBodyMarkers
	}
	d := &ChallengeDetector{
		urlMarkers:   normalize(urlMarkers),
		titleMarkers: normalize(titleMarkers),
	}
	for _, kw := range normalize(bodyMarkers) {
		d.bodyMarkers = append(d.bodyMarkers, []byte(kw))
	}
	return d
}

// IsChallenge inspects the final URL, document title and body.
func (d *ChallengeDetector) IsChallenge(finalURL, title string, body []byte) bool {
	if d == nil {
		return false
	}
	switch {
	case containsAny(strings.ToLower(finalURL), d.urlMarkers):
		return true
	case containsAny(strings.ToLower(title), d.titleMarkers):
		return true
	default:
		return d.bodyContains(body)
	}
}

func (d *ChallengeDetector) bodyContains(body []byte) bool {
	if len(body) == 0 || len(d.bodyMarkers) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.bodyMarkers {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
