// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package contexthub

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/contexthub/nanostat/pkg/logging"
)

// SessionManager tracks running sessions by key. Its lock guards only the
// table; each session serializes its own handling.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[int]*Session
	log      *slog.Logger
}

// NewSessionManager creates an empty table. A nil log means the default
// logger tagged for sessions.
func NewSessionManager(log *slog.Logger) *SessionManager {
	if log == nil {
		log = logging.With(nil, logging.Session)
	}
	return &SessionManager{
		sessions: make(map[int]*Session),
		log:      log,
	}
}

// SetupAndAdd starts s for req and registers it under key until it is
// Done. It fails with ErrBusy if key is taken or s is already running.
// The key is reserved under the table lock; setup itself runs under the
// session's own lock.
func (m *SessionManager) SetupAndAdd(key int, s *Session, req *HubMessage) error {
	m.mu.Lock()
	if _, ok := m.sessions[key]; ok || s.Running() || m.registered(s) {
		m.mu.Unlock()
		return ErrBusy
	}
	s.restart()
	m.sessions[key] = s
	m.mu.Unlock()

	status := s.setup(req)
	if status < 0 {
		m.remove(key, s)
	}
	s.flushReplies()
	if status < 0 {
		return statusError(status)
	}
	return nil
}

// registered reports whether s is in the table; m.mu must be held
func (m *SessionManager) registered(s *Session) bool {
	for _, r := range m.sessions {
		if r == s {
			return true
		}
	}
	return false
}

// remove drops key if it still maps to s
func (m *SessionManager) remove(key int, s *Session) {
	m.mu.Lock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
}

// HandleRx routes a system app message to the registered sessions in key
// order. The first session to handle it ends the scan. A session that
// fails is completed with its status and the scan moves on. Returns zero
// if the message was handled, else the first failure status, else 1.
//
// The table lock is held only to snapshot and to drop finished sessions;
// client replies go out after a finished session has left the table.
func (m *SessionManager) HandleRx(data []byte) int32 {
	m.mu.Lock()
	keys := slices.Sorted(maps.Keys(m.sessions))
	sessions := make([]*Session, len(keys))
	for i, key := range keys {
		sessions[i] = m.sessions[key]
	}
	m.mu.Unlock()

	result := int32(1)
	for i, s := range sessions {
		status := s.handleRx(data)
		if status < 0 {
			m.log.Debug("session failed", "key", keys[i], "kind", s.Kind(), "status", status)
			s.complete(status)
			if result > 0 {
				result = status
			}
		}
		if s.State() == StateDone {
			m.remove(keys[i], s)
		}
		s.flushReplies()
		if status == 0 {
			return 0
		}
	}
	return result
}

// Abort completes every registered session with status
func (m *SessionManager) Abort(status int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.sessions {
		s.complete(status)
		delete(m.sessions, key)
	}
}

// Len returns the number of registered sessions
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
