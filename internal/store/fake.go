package store

import (
	"context"
	"sync"

	"github.com/lenscloud/lenscloud/internal/errors"
)

// FakeStore is an in-memory Store for tests.
type FakeStore struct {
	mu      sync.Mutex
	users   map[string]*User
	apps    map[string]*App
	apiKeys map[string]string // packageName -> apiKey
	touched []string          // "userID/packageName" in call order
}

// NewFakeStore creates an empty fake store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:   make(map[string]*User),
		apps:    make(map[string]*App),
		apiKeys: make(map[string]string),
	}
}

// AddUser registers a user.
func (f *FakeStore) AddUser(u *User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

// AddApp registers an App with its API key.
func (f *FakeStore) AddApp(a *App, apiKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[a.PackageName] = a
	f.apiKeys[a.PackageName] = apiKey
}

func (f *FakeStore) GetUser(ctx context.Context, userID string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.NotFound("user " + userID)
	}
	return u, nil
}

func (f *FakeStore) GetApp(ctx context.Context, packageName string) (*App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[packageName]
	if !ok {
		return nil, errors.NotFound("app " + packageName)
	}
	return a, nil
}

func (f *FakeStore) ValidateAPIKey(ctx context.Context, packageName, apiKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.apiKeys[packageName]
	return ok && key == apiKey, nil
}

func (f *FakeStore) TouchLastActive(ctx context.Context, userID, packageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, userID+"/"+packageName)
	return nil
}

// Touched returns recorded lastActiveAt writes.
func (f *FakeStore) Touched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.touched))
	copy(out, f.touched)
	return out
}
