// Package naming provides the name service surface the broadcast manager
// uses to discover which peer servers opened a global channel: an opaque
// key -> address-list stream. The core never interprets the values beyond
// url identity.
package naming

import (
	"context"
	"sort"
	"sync"
)

// Lister is the pluggable name store. Register/Deregister publish this
// server's own relay address under a key; List reads the full membership.
type Lister interface {
	List(ctx context.Context, key string) ([]string, error)
	Register(ctx context.Context, key, url string) error
	Deregister(ctx context.Context, key, url string) error
}

// StaticLister is an in-memory Lister for tests and single-server
// deployments with no external name service.
type StaticLister struct {
	mu   sync.Mutex
	keys map[string]map[string]struct{}
}

func NewStaticLister() *StaticLister {
	return &StaticLister{keys: make(map[string]map[string]struct{})}
}

func (s *StaticLister) List(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.keys[key]))
	for u := range s.keys[key] {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, nil
}

func (s *StaticLister) Register(_ context.Context, key, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[key] == nil {
		s.keys[key] = make(map[string]struct{})
	}
	s.keys[key][url] = struct{}{}
	return nil
}

func (s *StaticLister) Deregister(_ context.Context, key, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys[key], url)
	return nil
}
