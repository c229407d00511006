// Package session ties background sync work to owner login and logout.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
)

// Processor is an owner's outbox processor.
type Processor interface {
	Start(ctx context.Context, ownerID string) error
	Stop()
}

// Reader is an owner's read-side consumer.
type Reader interface {
	Start(ctx context.Context) error
	Stop()
}

// Scheduler runs metric sync passes for active owners.
type Scheduler interface {
	Activate(ownerID string) error
	Deactivate(ownerID string)
}

// Factories builds per-owner components.
type Factories struct {
	NewProcessor func(ownerID string) Processor
	// NewReader is optional.
	NewReader func(ownerID string) Reader
}

// Session is an active owner session.
type Session struct {
	OwnerID   string
	StartedAt time.Time

	processor Processor
	reader    Reader
	cancel    context.CancelFunc
}

// Manager starts and stops background work per owner.
type Manager struct {
	factories Factories
	scheduler Scheduler
	logger    *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. scheduler may be nil.
func NewManager(factories Factories, scheduler Scheduler, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		factories: factories,
		scheduler: scheduler,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Login starts the owner's outbox processor, summary reader and metric sync
// passes. ctx bounds the session lifetime. A second Login for an active
// owner returns the existing session.
func (m *Manager) Login(ctx context.Context, ownerID string) (*Session, error) {
	if ownerID == "" {
		return nil, domainErrors.NewError(domainErrors.CodeValidation, "owner ID is required", domainErrors.ErrOwnerRequired)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[ownerID]; ok {
		return sess, nil
	}

	sessCtx, cancel := context.WithCancel(logging.WithOwnerID(ctx, ownerID))
	sess := &Session{
		OwnerID:   ownerID,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	if m.factories.NewReader != nil {
		sess.reader = m.factories.NewReader(ownerID)
		if err := sess.reader.Start(sessCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start summary reader: %w", err)
		}
	}

	sess.processor = m.factories.NewProcessor(ownerID)
	if err := sess.processor.Start(sessCtx, ownerID); err != nil {
		m.stop(sess)
		return nil, fmt.Errorf("failed to start outbox processor: %w", err)
	}

	if m.scheduler != nil {
		if err := m.scheduler.Activate(ownerID); err != nil {
			m.stop(sess)
			return nil, fmt.Errorf("failed to activate metric sync: %w", err)
		}
	}

	m.sessions[ownerID] = sess
	m.logger.Info("session started", "owner_id", ownerID)
	return sess, nil
}

// Logout cancels the owner's background work and waits for it to return.
func (m *Manager) Logout(ownerID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[ownerID]
	delete(m.sessions, ownerID)
	m.mu.Unlock()

	if !ok {
		return domainErrors.WithContext(
			domainErrors.NewError(domainErrors.CodeNotFound, "logout failed", domainErrors.ErrSessionInactive),
			"owner_id", ownerID)
	}

	if m.scheduler != nil {
		m.scheduler.Deactivate(ownerID)
	}
	m.stop(sess)

	m.logger.Info("session ended",
		"owner_id", ownerID,
		"duration", time.Since(sess.StartedAt).String(),
	)
	return nil
}

// Shutdown logs out every active owner.
func (m *Manager) Shutdown() {
	for _, ownerID := range m.ActiveOwners() {
		_ = m.Logout(ownerID)
	}
}

// IsActive reports whether ownerID has an active session.
func (m *Manager) IsActive(ownerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[ownerID]
	return ok
}

// ActiveOwners returns owners with an active session.
func (m *Manager) ActiveOwners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	owners := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	return owners
}

func (m *Manager) stop(sess *Session) {
	if sess.processor != nil {
		sess.processor.Stop()
	}
	if sess.reader != nil {
		sess.reader.Stop()
	}
	sess.cancel()
}
