package session

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/atlasframe/atpd/internal/atperr"
)

// ReplayGuard rejects frames whose (session, nonce) pair was already seen
// inside the anti-replay window. Entries expire with the window, so a nonce
// becomes reusable afterwards; sequence numbers cover ordering beyond that.
type ReplayGuard struct {
	cache *expirable.LRU[string, struct{}]
}

// NewReplayGuard creates a guard with the given cache capacity and window.
func NewReplayGuard(size int, window time.Duration) *ReplayGuard {
	if size <= 0 {
		size = 65536
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &ReplayGuard{
		cache: expirable.NewLRU[string, struct{}](size, nil, window),
	}
}

// Check records the nonce and returns EREPLAY if it was already present.
func (g *ReplayGuard) Check(sessionID, nonce string) error {
	key := sessionID + "\x00" + nonce
	if _, seen := g.cache.Get(key); seen {
		return atperr.ErrReplay
	}
	g.cache.Add(key, struct{}{})
	return nil
}
