package main

import (
	"fmt"

	"github.com/pmaris/how-late-is-muni/storage"
)

func openStorage() (storage.Storage, error) {
	switch dbBackend {
	case "sqlite":
		return storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: dbOnDisk, Directory: "."})
	case "postgres":
		if dbDSN == "" {
			return nil, fmt.Errorf("--db-dsn is required for db-backend=postgres")
		}
		return storage.NewPSQLStorage(dbDSN, false)
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown db-backend %q", dbBackend)
	}
}
