package domain

import (
	"encoding/json"
	"time"
)

// Freshness tags a cache entry as shown-but-unconfirmed or authoritative
type Freshness string

const (
	Optimistic Freshness = "optimistic"
	Confirmed  Freshness = "confirmed"
)

// CacheEntry is a cached entity value stored in the cache namespace.
type CacheEntry struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	StoredAt    time.Time       `json:"storedAt"`
	TTL         time.Duration   `json:"ttl"`
	Freshness   Freshness       `json:"freshness"`
	MutationSeq uint64          `json:"mutationSeq,omitempty"` // Seq of the mutation that wrote an optimistic value
}

// Expired reports whether now - StoredAt > TTL
func (e CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

// CartLine is the cached shape of a cart entity (cart:<itemID>)
type CartLine struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// FavoriteState is the cached shape of a favorite entity (favorite:<productID>)
type FavoriteState struct {
	ProductID string `json:"productId"`
	Favorite  bool   `json:"favorite"`
}

// ProjectOptimistic computes the value the UI should see for m's entity before
// the server confirms it. current is the cached value (nil if none) and is only
// consulted for profile merges.
func ProjectOptimistic(m QueuedMutation, current json.RawMessage) (json.RawMessage, error) {
	switch m.Type.Category() {
	case CategoryCart:
		var p CartItemPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		qty := p.Quantity
		if m.Type == RemoveFromCart {
			qty = 0
		}
		return json.Marshal(CartLine{ItemID: p.ItemID, Quantity: qty})

	case CategoryFavorites:
		var p FavoritePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		return json.Marshal(FavoriteState{ProductID: p.ProductID, Favorite: m.Type == AddToFavorites})

	case CategoryProfile:
		var p ProfilePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, err
		}
		merged := map[string]any{}
		if len(current) > 0 {
			// A corrupt cached profile is replaced by the new fields alone
			_ = json.Unmarshal(current, &merged)
		}
		for k, v := range p.Fields {
			merged[k] = v
		}
		return json.Marshal(merged)
	}
	return nil, InvalidMutation("unknown mutation type " + string(m.Type))
}
