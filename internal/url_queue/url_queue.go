package urlqueue

import (
	"net/url"
	"strings"
	"sync"
)

// Seen is the in-run set of candidate identities already dispatched, so a
// result that reappears on a later page is not resolved twice.
type Seen struct {
	keys map[string]bool
	mu   sync.Mutex
}

func NewSeen() *Seen {
	return &Seen{
		keys: make(map[string]bool),
	}
}

// Add records the (portalURL, keyword) identity and reports whether it was
// new. The URL is compared as is, the same way the store keys its rows.
func (s *Seen) Add(portalURL, keyword string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyword + "\x00" + portalURL
	if s.keys[key] {
		return false
	}
	s.keys[key] = true
	return true
}

func (s *Seen) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Absolute resolves href against base; protocol-relative and relative links
// are both handled. Unparseable input is returned unchanged.
func Absolute(base, href string) string {
	href = strings.TrimSpace(href)
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}
