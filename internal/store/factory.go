package store

import (
	"context"
	"fmt"
	"strings"
)

// Open builds a local backend for driver. The remote driver is served by
// consoleapi and is not handled here.
func Open(ctx context.Context, driver, databaseURL, sqlitePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		s, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteStore(ctx, sqlitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
