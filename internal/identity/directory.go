package identity

import (
	"context"
	"sync"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// StaticDirectory is an in-memory user directory for local runs and tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]models.UserProfile
}

// NewStaticDirectory creates a directory holding profiles.
func NewStaticDirectory(profiles ...models.UserProfile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[string]models.UserProfile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

// GetProfile returns a copy of the profile, or models.ErrUserNotFound.
func (d *StaticDirectory) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return &p, nil
}

// UpsertProfile inserts or replaces a profile.
func (d *StaticDirectory) UpsertProfile(_ context.Context, profile *models.UserProfile) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.profiles[profile.ID] = *profile
	return nil
}

// Remove deletes a profile.
func (d *StaticDirectory) Remove(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.profiles, userID)
}
