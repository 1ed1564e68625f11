package handshake

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// SharedContentTTL is how long GM-pushed content stays retrievable.
const SharedContentTTL = 2 * time.Minute

// Events carrying shared content.
const (
	EventShareImage = "shareImage"
	EventShowEntry  = "showEntry"
)

// SharedItem is one piece of content pushed by a game master.
type SharedItem struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// SharedContent keeps recently shared items until they expire.
type SharedContent struct {
	items *cache.Cache
	ttl   time.Duration
}

func NewSharedContent(ttl time.Duration) *SharedContent {
	return &SharedContent{items: cache.New(ttl, ttl), ttl: ttl}
}

func (s *SharedContent) Record(kind string, payload json.RawMessage) {
	item := SharedItem{Kind: kind, Payload: payload, ReceivedAt: time.Now()}
	s.items.Set(uuid.NewString(), item, s.ttl)
}

// Items returns the unexpired items, oldest first.
func (s *SharedContent) Items() []SharedItem {
	all := s.items.Items()
	out := make([]SharedItem, 0, len(all))
	for _, it := range all {
		if item, ok := it.Object.(SharedItem); ok {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (s *SharedContent) Clear() {
	s.items.Flush()
}
