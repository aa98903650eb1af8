// Package memory keeps subscriber and watched-link state in process memory.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrNotSubscribed is returned when links are managed for an unknown destination.
var ErrNotSubscribed = errors.New("destination is not subscribed")

// WatchStore tracks which destinations are subscribed and the links each one watches.
// It satisfies linkcheck.MonitorSet and linkcheck.DestinationSource.
type WatchStore struct {
	mu    sync.RWMutex
	links map[string]map[string]struct{}
}

// NewWatchStore constructs an empty WatchStore.
func NewWatchStore() *WatchStore {
	return &WatchStore{links: make(map[string]map[string]struct{})}
}

// Subscribe registers destination. It reports false when it was already subscribed.
func (s *WatchStore) Subscribe(destination string) (bool, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return false, errors.New("destination is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[destination]; ok {
		return false, nil
	}
	s.links[destination] = make(map[string]struct{})
	return true, nil
}

// Unsubscribe removes destination and every link it watched.
func (s *WatchStore) Unsubscribe(destination string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[destination]; !ok {
		return false
	}
	delete(s.links, destination)
	return true
}

// Watch adds links for destination and returns how many were new.
func (s *WatchStore) Watch(destination string, links ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.links[destination]
	if !ok {
		return 0, ErrNotSubscribed
	}
	added := 0
	for _, link := range links {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		if _, exists := set[link]; exists {
			continue
		}
		set[link] = struct{}{}
		added++
	}
	return added, nil
}

// Unwatch removes links for destination and returns how many were present.
func (s *WatchStore) Unwatch(destination string, links ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.links[destination]
	if !ok {
		return 0, ErrNotSubscribed
	}
	removed := 0
	for _, link := range links {
		link = strings.TrimSpace(link)
		if _, exists := set[link]; exists {
			delete(set, link)
			removed++
		}
	}
	return removed, nil
}

// Links returns the sorted links watched by destination.
func (s *WatchStore) Links(destination string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.links[destination]
	if !ok {
		return nil, ErrNotSubscribed
	}
	return sortedKeys(set), nil
}

// Snapshot returns the union of every watched link, sorted.
func (s *WatchStore) Snapshot(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	union := make(map[string]struct{})
	for _, set := range s.links {
		for link := range set {
			union[link] = struct{}{}
		}
	}
	return sortedKeys(union), nil
}

// Destinations returns the subscribed destinations, sorted.
func (s *WatchStore) Destinations(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.links))
	for dest := range s.links {
		out = append(out, dest)
	}
	slices.Sort(out)
	return out, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
