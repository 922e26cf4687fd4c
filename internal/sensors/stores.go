package sensors

import (
	"context"

	"github.com/HerbHall/fruwatch/internal/faultcache"
	"github.com/HerbHall/fruwatch/pkg/plugin"
)

// FileStores keeps each fault map in its own JSON file under dir.
func FileStores(dir string) StoreFactory {
	return func(_ context.Context, name string) (faultcache.Store, error) {
		return faultcache.NewFileStore(dir, name), nil
	}
}

// SQLiteStores keeps every fault map in the shared database.
func SQLiteStores(db plugin.Store) StoreFactory {
	return func(ctx context.Context, name string) (faultcache.Store, error) {
		return faultcache.NewSQLiteStore(ctx, db, name)
	}
}
