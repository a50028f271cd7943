package store

import "context"

// User is the persisted account record the broker needs at attach time.
type User struct {
	ID    string // stable identity, e.g. email
	Name  string
	Email string
}

// App is the persisted manifest of a third-party App.
type App struct {
	PackageName string
	Name        string
	WebhookURL  string
	// Settings are the developer-configured App settings relayed to running
	// Apps on change.
	Settings map[string]interface{}
}

// Store is the broker's view of the persistence layer. Durability and
// schema are the collaborator's concern; the broker only performs the reads
// listed here plus the lastActiveAt write on App start.
type Store interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	GetApp(ctx context.Context, packageName string) (*App, error)
	ValidateAPIKey(ctx context.Context, packageName, apiKey string) (bool, error)
	TouchLastActive(ctx context.Context, userID, packageName string) error
}
