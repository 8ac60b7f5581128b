package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/localdirectory/guardian/models"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrVersionConflict      = errors.New("subscription version conflict")
	ErrSubscriptionExists   = errors.New("subscription already exists")
)

// Store persists subscriptions. Create fails with ErrSubscriptionExists when
// the user already has a personal subscription or the business already has
// one. Update succeeds only when the stored version equals expectedVersion,
// and then stores sub with the version incremented.
type Store interface {
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	FindByUserID(ctx context.Context, userID string) (*models.Subscription, error)
	FindByBusinessID(ctx context.Context, businessID string) (*models.Subscription, error)
	Create(ctx context.Context, sub *models.Subscription) error
	Update(ctx context.Context, sub *models.Subscription, expectedVersion int64) error
}

type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*models.Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*models.Subscription)}
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) FindByUserID(_ context.Context, userID string) (*models.Subscription, error) {
	return s.find(func(sub *models.Subscription) bool { return sub.UserID == userID && sub.BusinessID == "" })
}

func (s *MemoryStore) FindByBusinessID(_ context.Context, businessID string) (*models.Subscription, error) {
	return s.find(func(sub *models.Subscription) bool { return sub.BusinessID == businessID })
}

// find returns the most recently created match.
func (s *MemoryStore) find(match func(*models.Subscription) bool) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Subscription
	for _, sub := range s.subs {
		if match(sub) && (found == nil || sub.CreatedAt.After(found.CreatedAt)) {
			found = sub
		}
	}
	if found == nil {
		return nil, ErrSubscriptionNotFound
	}
	return found.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return ErrSubscriptionExists
	}
	for _, cur := range s.subs {
		if sameOwnerSlot(cur, sub) {
			return ErrSubscriptionExists
		}
	}
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, sub *models.Subscription, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	sub.Version = expectedVersion + 1
	s.subs[sub.ID] = sub.Clone()
	return nil
}

// sameOwnerSlot mirrors the unique indexes of the Postgres schema: one
// personal subscription per user and one subscription per business.
func sameOwnerSlot(a, b *models.Subscription) bool {
	if b.BusinessID != "" {
		return a.BusinessID == b.BusinessID
	}
	return a.BusinessID == "" && a.UserID == b.UserID
}
