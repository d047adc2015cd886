// Package directory is the engine's view of the company user directory:
// which accounts are active and which profiles and roles they hold.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

var ErrUnknownAssignment = errors.New("unknown assignment type")

// Directory lists the currently-active users an assignment covers.
// Implementations must never return inactive accounts.
type Directory interface {
	ListActiveUsers(ctx context.Context, companyID uint64, assignment types.Assignment) ([]uint64, error)
}

// User is a directory account.
type User struct {
	ID         uint64   `json:"id" yaml:"id"`
	CompanyID  uint64   `json:"company_id" yaml:"companyId"`
	Username   string   `json:"username" yaml:"username"`
	FullName   string   `json:"full_name" yaml:"fullName"`
	Active     bool     `json:"active" yaml:"active"`
	ProfileIDs []uint64 `json:"profile_ids" yaml:"profileIds"`
}

// Profile groups users and grants them roles.
type Profile struct {
	ID        uint64   `json:"id" yaml:"id"`
	CompanyID uint64   `json:"company_id" yaml:"companyId"`
	Code      string   `json:"code" yaml:"code"`
	RoleIDs   []uint64 `json:"role_ids" yaml:"roleIds"`
}

// MemoryDirectory is an in-memory Directory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	users    map[uint64]User
	profiles map[uint64]Profile
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:    make(map[uint64]User),
		profiles: make(map[uint64]Profile),
	}
}

// PutUser adds or replaces a user.
func (d *MemoryDirectory) PutUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// PutProfile adds or replaces a profile.
func (d *MemoryDirectory) PutProfile(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

// SetActive toggles a user's active flag. Unknown ids are ignored.
func (d *MemoryDirectory) SetActive(userID uint64, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok {
		u.Active = active
		d.users[userID] = u
	}
}

// User returns a user by id.
func (d *MemoryDirectory) User(id uint64) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

// ListActiveUsers implements Directory. Results are sorted ascending.
func (d *MemoryDirectory) ListActiveUsers(ctx context.Context, companyID uint64, a types.Assignment) ([]uint64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var match func(User) bool
	switch a.Type {
	case types.AssignUser:
		match = func(u User) bool { return u.ID == a.ID }
	case types.AssignProfile:
		match = func(u User) bool { return contains(u.ProfileIDs, a.ID) }
	case types.AssignRole:
		match = func(u User) bool {
			for _, pid := range u.ProfileIDs {
				if p, ok := d.profiles[pid]; ok && p.CompanyID == companyID && contains(p.RoleIDs, a.ID) {
					return true
				}
			}
			return false
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAssignment, a.Type)
	}

	var ids []uint64
	for _, u := range d.users {
		if u.Active && u.CompanyID == companyID && match(u) {
			ids = append(ids, u.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func contains(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
