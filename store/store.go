package store

import "context"

// Driver is the storage backend contract. Implementations live under
// store/db/.
type Driver interface {
	EnsureTables(ctx context.Context) error

	CreateThread(ctx context.Context, create *Thread) (*Thread, error)
	ListThreads(ctx context.Context, find *FindThread) ([]*Thread, error)
	GetThread(ctx context.Context, find *FindThread) (*Thread, error)
	UpdateThread(ctx context.Context, update *UpdateThread) (*Thread, error)
	DeleteThread(ctx context.Context, uid string) error

	CreateMessageFragment(ctx context.Context, create *MessageFragment) (*MessageFragment, error)
	ListMessageFragments(ctx context.Context, find *FindMessageFragment) ([]*MessageFragment, error)
	NextOrderIndex(ctx context.Context, threadID int32) (int32, error)
	DeleteMessageFragments(ctx context.Context, threadID int32) error

	Close() error
}

// Store wraps a Driver and maps its failures onto the apperr taxonomy.
type Store struct {
	driver Driver
}

func New(driver Driver) *Store {
	return &Store{driver: driver}
}

// Migrate creates the thread and message tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.EnsureTables(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}
