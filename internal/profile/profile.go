// Package profile defines the immutable per-session user profile and its
// normalization rules. A profile is built once from entry-form input and
// never mutated afterwards; matchmaking reads it, nothing writes it.
package profile

import (
	"sort"
	"strings"
)

// AdultAge is the minimum age for video-enabled sessions.
const AdultAge = 18

// Preference values accepted for GenderPreference. "any" matches everyone.
const (
	PreferenceAny = "any"
)

// Profile is the normalized, session-scoped user profile.
type Profile struct {
	Name             string   `json:"name"`
	Age              int      `json:"age"`
	Gender           string   `json:"gender"`
	Location         string   `json:"location"`
	GenderPreference string   `json:"genderPreference"`
	Interests        []string `json:"interests"`
	VideoEnabled     bool     `json:"videoEnabled"`
}

// Input is the raw entry-form payload before normalization. Interests is the
// comma-separated free-text field as the user typed it.
type Input struct {
	Name             string `json:"name"`
	Age              int    `json:"age"`
	Gender           string `json:"gender"`
	Location         string `json:"location"`
	GenderPreference string `json:"genderPreference"`
	Interests        string `json:"interests"`
	Video            bool   `json:"video"`
}

// Normalize builds a Profile from form input. Interests are lower-cased,
// trimmed, deduplicated and sorted; empty entries are dropped. Video is
// forced off for minors regardless of what the form asked for.
func Normalize(in Input) Profile {
	seen := make(map[string]bool)
	interests := make([]string, 0)
	for _, raw := range strings.Split(in.Interests, ",") {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		interests = append(interests, tag)
	}
	sort.Strings(interests)

	pref := strings.ToLower(strings.TrimSpace(in.GenderPreference))
	if pref == "" {
		pref = PreferenceAny
	}

	return Profile{
		Name:             strings.TrimSpace(in.Name),
		Age:              in.Age,
		Gender:           strings.ToLower(strings.TrimSpace(in.Gender)),
		Location:         strings.TrimSpace(in.Location),
		GenderPreference: pref,
		Interests:        interests,
		VideoEnabled:     in.Video && in.Age >= AdultAge,
	}
}

// SharesInterest reports whether the two profiles have at least one interest
// in common.
func SharesInterest(a, b Profile) bool {
	if len(a.Interests) == 0 || len(b.Interests) == 0 {
		return false
	}
	tags := make(map[string]bool, len(a.Interests))
	for _, t := range a.Interests {
		tags[t] = true
	}
	for _, t := range b.Interests {
		if tags[t] {
			return true
		}
	}
	return false
}

// accepts reports whether a profile's preference is satisfied by a partner's
// gender. An empty partner gender only satisfies the "any" preference.
func accepts(pref, gender string) bool {
	return pref == PreferenceAny || (gender != "" && pref == gender)
}

// MutuallyCompatible reports whether both sides' gender preferences accept
// the other's gender. Compatibility is required in both directions.
func MutuallyCompatible(a, b Profile) bool {
	return accepts(a.GenderPreference, b.Gender) && accepts(b.GenderPreference, a.Gender)
}
