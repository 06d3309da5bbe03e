package history

import (
	"context"
	"strings"
)

// NewStore returns a PostgresStore when databaseURL is set, or an
// InMemoryStore otherwise (the "mock" deployment profile).
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
