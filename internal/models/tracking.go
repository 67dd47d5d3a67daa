package models

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Carrier: закрытый набор перевозчиков, которые умеем опрашивать автоматически.
type Carrier string

const (
	CarrierUPS     Carrier = "ups"
	CarrierFedEx   Carrier = "fedex"
	CarrierUSPS    Carrier = "usps"
	CarrierUnknown Carrier = "unknown"
)

// ParseCarrier lowercases the raw carrier value. Values outside the supported
// set are returned as-is with ok=false so they still key their own cache row.
func ParseCarrier(raw string) (Carrier, bool) {
	c := Carrier(strings.ToLower(strings.TrimSpace(raw)))
	if c == "" {
		return CarrierUnknown, false
	}
	switch c {
	case CarrierUPS, CarrierFedEx, CarrierUSPS:
		return c, true
	default:
		return c, false
	}
}

func (c Carrier) Supported() bool {
	_, ok := ParseCarrier(string(c))
	return ok
}

const (
	ManualCheckSummary = "Carrier not auto-tracked. Open carrier site manually."
	RawPayloadMaxBytes = 8000
)

type TrackingReference struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
	TrackingURL    string `json:"trackingUrl,omitempty"`
}

// TrackingKey: carrier is case-insensitive, the number keeps its casing.
func TrackingKey(carrier, number string) string {
	c := strings.ToLower(strings.TrimSpace(carrier))
	if c == "" {
		c = string(CarrierUnknown)
	}
	return c + ":" + number
}

func (r TrackingReference) Key() string {
	return TrackingKey(r.Carrier, r.TrackingNumber)
}

// Normalized returns the reference with a lowercase carrier and a tracking URL when one can be built.
func (r TrackingReference) Normalized() TrackingReference {
	c, _ := ParseCarrier(r.Carrier)
	r.Carrier = string(c)
	if r.TrackingURL == "" {
		r.TrackingURL = BuildTrackingURL(r.Carrier, r.TrackingNumber)
	}
	return r
}

// DedupeReferences keeps the first reference per canonical key, preserving input order.
func DedupeReferences(refs []TrackingReference) []TrackingReference {
	seen := make(map[string]struct{}, len(refs))
	out := make([]TrackingReference, 0, len(refs))
	for _, r := range refs {
		if r.TrackingNumber == "" {
			continue
		}
		n := r.Normalized()
		k := n.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, n)
	}
	return out
}

func BuildTrackingURL(carrier, number string) string {
	if number == "" {
		return ""
	}
	q := url.QueryEscape(number)
	switch Carrier(strings.ToLower(carrier)) {
	case CarrierUPS:
		return "https://www.ups.com/track?tracknum=" + q
	case CarrierUSPS:
		return "https://tools.usps.com/go/TrackConfirmAction?tLabels=" + q
	case CarrierFedEx:
		return "https://www.fedex.com/fedextrack/?tracknumbers=" + q
	default:
		return ""
	}
}

// TrackingSnapshot is the cached, carrier-agnostic state of one reference.
// NextCheckAfter is nil iff the snapshot is terminal (delivered or not auto-tracked).
type TrackingSnapshot struct {
	Carrier        string     `json:"carrier"`
	TrackingNumber string     `json:"trackingNumber"`
	Status         string     `json:"status,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Delivered      bool       `json:"delivered"`
	LastEventTime  *time.Time `json:"lastEventTime,omitempty"`
	ETA            *time.Time `json:"eta,omitempty"`
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty"`
	NextCheckAfter *time.Time `json:"nextCheckAfter,omitempty"`
	TrackingURL    string     `json:"trackingUrl,omitempty"`
	Raw            string     `json:"raw,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

func (s *TrackingSnapshot) Key() string {
	return TrackingKey(s.Carrier, s.TrackingNumber)
}

// TrackingResult is what a carrier adapter returns after normalization.
type TrackingResult struct {
	Status        string
	Summary       string
	Delivered     bool
	LastEventTime *time.Time
	ETA           *time.Time
	TrackingURL   string
	Raw           string
}

// TimePatch distinguishes "leave unchanged" (Set=false) from "set to Value" where a nil Value clears the column.
type TimePatch struct {
	Set   bool
	Value *time.Time
}

func SetTime(t time.Time) TimePatch {
	t = t.UTC()
	return TimePatch{Set: true, Value: &t}
}

func ClearTime() TimePatch {
	return TimePatch{Set: true}
}

// TrackingCachePatch carries partial updates for one cache row: nil/unset fields keep their stored value.
type TrackingCachePatch struct {
	Carrier        string
	TrackingNumber string

	Status         *string
	Summary        *string
	Delivered      *bool
	LastEventTime  TimePatch
	ETA            TimePatch
	LastCheckedAt  TimePatch
	NextCheckAfter TimePatch
	TrackingURL    *string
	Raw            *string
	LastError      *string
}

func (p *TrackingCachePatch) Key() string {
	return TrackingKey(p.Carrier, p.TrackingNumber)
}

// Apply merges the patch into s (used by in-memory stores and tests).
func (p *TrackingCachePatch) Apply(s *TrackingSnapshot) {
	s.Carrier = strings.ToLower(p.Carrier)
	s.TrackingNumber = p.TrackingNumber
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Summary != nil {
		s.Summary = *p.Summary
	}
	if p.Delivered != nil {
		s.Delivered = *p.Delivered
	}
	if p.LastEventTime.Set {
		s.LastEventTime = p.LastEventTime.Value
	}
	if p.ETA.Set {
		s.ETA = p.ETA.Value
	}
	if p.LastCheckedAt.Set {
		s.LastCheckedAt = p.LastCheckedAt.Value
	}
	if p.NextCheckAfter.Set {
		s.NextCheckAfter = p.NextCheckAfter.Value
	}
	if p.TrackingURL != nil {
		s.TrackingURL = *p.TrackingURL
	}
	if p.Raw != nil {
		s.Raw = *p.Raw
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
}

// TruncateRaw cuts raw to at most RawPayloadMaxBytes without splitting a rune;
// postgres TEXT rejects invalid UTF-8.
func TruncateRaw(raw string) string {
	if len(raw) <= RawPayloadMaxBytes {
		return raw
	}
	n := RawPayloadMaxBytes
	for n > 0 && !utf8.RuneStart(raw[n]) {
		n--
	}
	return raw[:n]
}

func Ptr[T any](v T) *T { return &v }
