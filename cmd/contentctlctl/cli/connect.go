package cli

import (
	"fmt"

	"contentctl/pkg/storage/postgres"
)

func connectStore() (*postgres.PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		appCfg.DBHost, appCfg.DBUser, appCfg.DBPassword, appCfg.DBName, appCfg.DBPort)
	store, err := postgres.NewPostgresStore(connStr)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return store, nil
}
