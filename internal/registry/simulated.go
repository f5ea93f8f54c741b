package registry

import (
	"context"
	"sync"
)

// Simulated is the in-memory registry used for dry runs. Every version starts
// unpublished and becomes visible as soon as it is published.
type Simulated struct {
	mu        sync.Mutex
	published map[string]bool
	exists    int
	publishes int
}

func NewSimulated() *Simulated {
	return &Simulated{published: map[string]bool{}}
}

func (s *Simulated) Exists(_ context.Context, name, version string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists++
	return s.published[name+"@"+version], nil
}

func (s *Simulated) Publish(_ context.Context, req PublishRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishes++
	s.published[req.Name+"@"+req.Version] = true
	return nil
}

// Calls returns how many existence checks and publishes were simulated.
func (s *Simulated) Calls() (exists, publishes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists, s.publishes
}
