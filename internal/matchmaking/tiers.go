package matchmaking

import (
	"context"

	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/store"
)

// poolEntry is a decoded waiting-pool document.
type poolEntry struct {
	EntryID string
	UserID  string
	Profile profile.Profile
}

// encodeEntry builds the waiting-pool document. Interests, gender and
// preference are denormalized to the top level so tier queries can filter
// on them without reaching into the nested profile.
func encodeEntry(userID string, prof profile.Profile) map[string]any {
	return map[string]any{
		"userId":           userID,
		"interests":        prof.Interests,
		"gender":           prof.Gender,
		"genderPreference": prof.GenderPreference,
		"createdAt":        store.ServerTimestamp,
		"profile": map[string]any{
			"name":             prof.Name,
			"age":              prof.Age,
			"gender":           prof.Gender,
			"location":         prof.Location,
			"genderPreference": prof.GenderPreference,
			"interests":        prof.Interests,
			"videoEnabled":     prof.VideoEnabled,
		},
	}
}

func decodeEntry(doc store.Document) (poolEntry, bool) {
	userID := store.AsString(doc.Data["userId"])
	if userID == "" {
		return poolEntry{}, false
	}
	prof := profile.Profile{}
	if p, ok := doc.Data["profile"].(map[string]any); ok {
		prof = profile.Profile{
			Name:             store.AsString(p["name"]),
			Age:              int(store.AsInt64(p["age"])),
			Gender:           store.AsString(p["gender"]),
			Location:         store.AsString(p["location"]),
			GenderPreference: store.AsString(p["genderPreference"]),
			Interests:        store.AsStrings(p["interests"]),
			VideoEnabled:     store.AsBool(p["videoEnabled"]),
		}
	}
	return poolEntry{EntryID: doc.ID, UserID: userID, Profile: prof}, true
}

// tier is one step of the search waterfall: a store query producing a
// bounded candidate page, plus the acceptance predicate applied while
// scanning the page in store-returned order.
type tier struct {
	name   string
	query  store.Query
	accept func(cand poolEntry) bool
}

// tiers builds the waterfall for a profile, most specific first:
//
//	A: shared interest and mutual gender-preference compatibility
//	B: shared interest
//	C: mutual gender-preference compatibility
//	D: anyone
//
// Interest tiers are skipped for profiles with no interests. The store's
// result order within a page is arbitrary and deliberately left that way;
// the first non-blocked candidate that passes the predicate wins.
func (m *Matchmaker) tiers(prof profile.Profile) []tier {
	interestQuery := store.Query{
		Collection: waitingPoolCollection,
		Filters: []store.Filter{
			{Field: "interests", Op: store.OpArrayContainsAny, Value: prof.Interests},
		},
		Limit: tierPageSize,
	}
	anyQuery := store.Query{
		Collection: waitingPoolCollection,
		Filters: []store.Filter{
			{Field: "userId", Op: store.OpNotEqual, Value: m.userID},
		},
		Limit: tierPageSize,
	}

	mutual := func(cand poolEntry) bool {
		return profile.MutuallyCompatible(prof, cand.Profile)
	}
	always := func(poolEntry) bool { return true }

	out := make([]tier, 0, 4)
	if len(prof.Interests) > 0 {
		out = append(out,
			tier{name: "interest+gender", query: interestQuery, accept: mutual},
			tier{name: "interest", query: interestQuery, accept: always},
		)
	}
	out = append(out,
		tier{name: "gender", query: anyQuery, accept: mutual},
		tier{name: "any", query: anyQuery, accept: always},
	)
	return out
}

// search runs the waterfall and returns the first accepted candidate along
// with the tier that produced it. A nil candidate with nil error means the
// pool had no acceptable partner.
func (m *Matchmaker) search(ctx context.Context, prof profile.Profile) (*poolEntry, string, error) {
	for _, t := range m.tiers(prof) {
		docs, err := m.store.Query(ctx, t.query)
		if err != nil {
			return nil, "", err
		}
		for _, doc := range docs {
			cand, ok := decodeEntry(doc)
			if !ok || cand.UserID == m.userID {
				continue
			}
			if m.blockSet.Contains(cand.UserID) {
				continue
			}
			if !t.accept(cand) {
				continue
			}
			return &cand, t.name, nil
		}
	}
	return nil, "", nil
}
