package main

import "sync"

// headlessScreen has no window to lose, so fullscreen requests always
// succeed.
type headlessScreen struct {
	mu         sync.Mutex
	fullscreen bool
}

func (s *headlessScreen) RequestFullscreen() error {
	s.mu.Lock()
	s.fullscreen = true
	s.mu.Unlock()
	return nil
}

func (s *headlessScreen) ExitFullscreen() error {
	s.mu.Lock()
	s.fullscreen = false
	s.mu.Unlock()
	return nil
}

func (s *headlessScreen) IsFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}
