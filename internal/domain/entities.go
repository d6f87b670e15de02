package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MutationType identifies a queued change awaiting remote application
type MutationType string

const (
	AddToCart           MutationType = "ADD_TO_CART"
	RemoveFromCart      MutationType = "REMOVE_FROM_CART"
	UpdateCartQuantity  MutationType = "UPDATE_CART_QUANTITY"
	AddToFavorites      MutationType = "ADD_TO_FAVORITES"
	RemoveFromFavorites MutationType = "REMOVE_FROM_FAVORITES"
	UpdateProfile       MutationType = "UPDATE_PROFILE"
)

// Mutation categories, used by the UI-facing enqueue wrappers
const (
	CategoryCart      = "cart"
	CategoryFavorites = "favorites"
	CategoryProfile   = "profile"
)

// Valid returns true for the known mutation types
func (t MutationType) Valid() bool {
	return t.Category() != ""
}

// Category returns the entity category the mutation belongs to ("" if unknown)
func (t MutationType) Category() string {
	switch t {
	case AddToCart, RemoveFromCart, UpdateCartQuantity:
		return CategoryCart
	case AddToFavorites, RemoveFromFavorites:
		return CategoryFavorites
	case UpdateProfile:
		return CategoryProfile
	default:
		return ""
	}
}

// Entity key prefixes. The prefix doubles as the cache TTL class.
const (
	PrefixCart     = "cart:"
	PrefixFavorite = "favorite:"
	PrefixProduct  = "product:"
	KeyProfile     = "profile"
)

// CartItemPayload carries the desired end-state quantity for a cart line.
// Quantities are absolute, never deltas, so re-applying is a no-op.
type CartItemPayload struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity,omitempty"`
}

// FavoritePayload names the product whose favorite flag is being set
type FavoritePayload struct {
	ProductID string `json:"productId"`
}

// ProfilePayload carries the full set of profile fields being overwritten
type ProfilePayload struct {
	Fields map[string]any `json:"fields"`
}

// QueuedMutation is a pending change persisted in the syncQueue namespace.
type QueuedMutation struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"` // Enqueue order; FIFO key
	Type      MutationType    `json:"type"`
	EntityKey string          `json:"entityKey"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}

// DeadLetter is a mutation removed from the active queue after a terminal failure
type DeadLetter struct {
	Mutation QueuedMutation `json:"mutation"`
	Reason   string         `json:"reason"`
	Code     string         `json:"code"`
	DeadAt   time.Time      `json:"deadAt"`
}

// EncodePayload validates a payload for the given mutation type and returns its
// canonical JSON form together with the entity key it targets.
func EncodePayload(t MutationType, payload any) (json.RawMessage, string, error) {
	if !t.Valid() {
		return nil, "", InvalidMutation(fmt.Sprintf("unknown mutation type %q", t))
	}

	var (
		key string
		v   any
	)
	switch t.Category() {
	case CategoryCart:
		p, err := asCartPayload(payload)
		if err != nil {
			return nil, "", err
		}
		if strings.TrimSpace(p.ItemID) == "" {
			return nil, "", InvalidMutation("cart mutation requires itemId")
		}
		switch t {
		case AddToCart, UpdateCartQuantity:
			if p.Quantity < 1 {
				return nil, "", InvalidMutation("cart quantity must be at least 1")
			}
		case RemoveFromCart:
			p.Quantity = 0
		}
		key, v = PrefixCart+p.ItemID, p
	case CategoryFavorites:
		p, err := asFavoritePayload(payload)
		if err != nil {
			return nil, "", err
		}
		if strings.TrimSpace(p.ProductID) == "" {
			return nil, "", InvalidMutation("favorite mutation requires productId")
		}
		key, v = PrefixFavorite+p.ProductID, p
	case CategoryProfile:
		p, err := asProfilePayload(payload)
		if err != nil {
			return nil, "", err
		}
		if len(p.Fields) == 0 {
			return nil, "", InvalidMutation("profile mutation requires at least one field")
		}
		key, v = KeyProfile, p
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", InvalidMutation(fmt.Sprintf("payload is not serializable: %v", err))
	}
	return data, key, nil
}

func asCartPayload(payload any) (CartItemPayload, error) {
	switch p := payload.(type) {
	case CartItemPayload:
		return p, nil
	case *CartItemPayload:
		if p != nil {
			return *p, nil
		}
	}
	var out CartItemPayload
	return out, decodeLoose(payload, &out)
}

func asFavoritePayload(payload any) (FavoritePayload, error) {
	switch p := payload.(type) {
	case FavoritePayload:
		return p, nil
	case *FavoritePayload:
		if p != nil {
			return *p, nil
		}
	}
	var out FavoritePayload
	return out, decodeLoose(payload, &out)
}

func asProfilePayload(payload any) (ProfilePayload, error) {
	switch p := payload.(type) {
	case ProfilePayload:
		return p, nil
	case *ProfilePayload:
		if p != nil {
			return *p, nil
		}
	case map[string]any:
		if _, ok := p["fields"]; !ok {
			return ProfilePayload{Fields: p}, nil
		}
	}
	var out ProfilePayload
	return out, decodeLoose(payload, &out)
}

// decodeLoose accepts raw JSON or any JSON-marshalable value (e.g. a map from a CLI flag)
func decodeLoose(payload any, dest any) error {
	if payload == nil {
		return InvalidMutation("payload is required")
	}
	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return InvalidMutation(fmt.Sprintf("payload is not serializable: %v", err))
		}
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return InvalidMutation(fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}

// KeyClass returns the TTL class for a cache key ("cart" for "cart:42").
func KeyClass(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
