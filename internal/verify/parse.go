package verify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// Parse stages, in the order they run.
const (
	StageDecode         = "decode"
	StageRoot           = "root"
	StageAvailabilities = "availabilities"
	StageEntry          = "entry"
	StageStatus         = "status"
)

// ParseError reports which stage of detail parsing rejected the payload.
type ParseError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse detail (%s): %s", e.Stage, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Availability is the typed view of a detail response.
type Availability struct {
	// Status is the upper-cased availability status, empty when absent.
	Status     string
	Quantities crawler.Quantities
	// Title is informational and may be empty.
	Title string
}

// ParseDetail decodes a detail payload in stages:
// decode, root object, estimatedAvailabilities array, first entry, status.
// A missing status is tolerated when at least one quantity is present.
func ParseDetail(body []byte) (Availability, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Availability{}, &ParseError{Stage: StageDecode, Reason: "invalid json", Err: err}
	}

	root, ok := raw.(map[string]any)
	if !ok {
		return Availability{}, &ParseError{Stage: StageRoot, Reason: "payload is not an object"}
	}

	list, ok := root["estimatedAvailabilities"]
	if !ok {
		return Availability{}, &ParseError{Stage: StageAvailabilities, Reason: "estimatedAvailabilities missing"}
	}
	entries, ok := list.([]any)
	if !ok {
		return Availability{}, &ParseError{Stage: StageAvailabilities, Reason: "estimatedAvailabilities is not an array"}
	}
	if len(entries) == 0 {
		return Availability{}, &ParseError{Stage: StageEntry, Reason: "estimatedAvailabilities is empty"}
	}
	entry, ok := entries[0].(map[string]any)
	if !ok {
		return Availability{}, &ParseError{Stage: StageEntry, Reason: "first availability is not an object"}
	}

	out := Availability{
		Quantities: crawler.Quantities{
			Available: intField(entry, "estimatedAvailableQuantity"),
			Remaining: intField(entry, "estimatedRemainingQuantity"),
			Sold:      intField(entry, "estimatedSoldQuantity"),
		},
	}
	if title, ok := root["title"].(string); ok {
		out.Title = title
	}

	switch status := entry["estimatedAvailabilityStatus"].(type) {
	case string:
		out.Status = strings.ToUpper(strings.TrimSpace(status))
	case nil:
		if !out.Quantities.Any() {
			return Availability{}, &ParseError{Stage: StageStatus, Reason: "no availability status or quantities"}
		}
	default:
		return Availability{}, &ParseError{Stage: StageStatus, Reason: fmt.Sprintf("unexpected status type %T", status)}
	}
	return out, nil
}

func intField(m map[string]any, key string) *int {
	switch v := m[key].(type) {
	case float64:
		n := int(v)
		return &n
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return &n
		}
	}
	return nil
}
