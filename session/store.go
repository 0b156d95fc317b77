// Package session holds the per-connection state of device provisioning workflows.
//
// A Session is owned by whichever workflow step is currently processing a
// message for its connection; the Store only synchronizes access to the map
// of sessions, never to individual records.
package session

import (
	"errors"
	"sync"

	"github.com/ruteri/amt-remote-provisioning/cryptoutils"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

// ErrSessionExists is returned when creating a session for a connection that already has one.
var ErrSessionExists = errors.New("session already exists")

// Session is the mutable state of one device connection.
type Session struct {
	ConnectionID string
	DeviceUUID   string

	// Kind is set once by the activation validator; the only later change is
	// the hand-off from an activator to CIRA configuration.
	Kind interfaces.WorkflowKind

	// Payload is the device descriptor, enriched as workflow steps learn more.
	Payload *interfaces.ActivationPayload

	// Cert is the resolved provisioning certificate (admin activation only).
	Cert *cryptoutils.ProvisioningCert

	// ChainIndex is the certificate chain delivery cursor; -1 until the chain is resolved.
	ChainIndex int

	Cira CiraProgress

	// Status accumulates human-readable progress for the final response.
	Status string

	// LastConsumed is the message id of the last device reply handed to a workflow.
	LastConsumed string
}

// Store holds one Session per active connection.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for connID.
func (s *Store) Create(connID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[connID]; ok {
		return nil, ErrSessionExists
	}
	sess := &Session{
		ConnectionID: connID,
		ChainIndex:   -1,
	}
	s.sessions[connID] = sess
	return sess, nil
}

// GetOrCreate returns the session for connID, creating it on first use.
func (s *Store) GetOrCreate(connID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[connID]; ok {
		return sess
	}
	sess := &Session{
		ConnectionID: connID,
		ChainIndex:   -1,
	}
	s.sessions[connID] = sess
	return sess
}

// Get returns the session for connID.
func (s *Store) Get(connID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[connID]
	return sess, ok
}

// Remove discards the session for connID.
func (s *Store) Remove(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, connID)
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}
