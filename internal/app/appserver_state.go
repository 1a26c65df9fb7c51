package app

import (
	"net"

	"replyd/internal/shared/types"
)

// Ready is closed once the listener is bound and sessions are being accepted.
func (s *AppServer) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when Run returns.
func (s *AppServer) Done() <-chan struct{} {
	return s.done
}

// Err returns Run's result once Done is closed.
func (s *AppServer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Status returns the lifecycle phase: initializing, running, stopping,
// stopped or failed.
func (s *AppServer) Status() string {
	return s.status.Get()
}

// Addr returns the bound listener address, nil before Ready.
func (s *AppServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// ListenerInfo returns the bound address and port, nil before Ready.
func (s *AppServer) ListenerInfo() *types.ListenerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.ListenerInfo()
}

// Stats returns the session counters, zero before Ready.
func (s *AppServer) Stats() types.Stats {
	s.mu.Lock()
	sup := s.supervisor
	s.mu.Unlock()
	if sup == nil {
		return types.Stats{}
	}
	return sup.Stats()
}
