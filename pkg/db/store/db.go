package store

import (
	"context"
	"fmt"

	"github.com/canopy-network/entityx/pkg/db/clickhouse"
	"github.com/canopy-network/entityx/pkg/db/tables"
	"go.uber.org/zap"
)

// DB is the analytical store. Every query addresses tables by their
// fully qualified "database"."table" name.
type DB struct {
	clickhouse.Client
	Name string
}

// New connects to ClickHouse with the pool sized for the given component and
// makes sure every table exists.
func New(ctx context.Context, logger *zap.Logger, name, component string) (*DB, error) {
	poolConfig := clickhouse.GetPoolConfigForComponent(component)
	client, err := clickhouse.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client, Name: name}
	if err := db.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return db, nil
}

// InitializeDB creates the database and all tables if they do not already exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing entityx database", zap.String("database", db.Name))

	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return fmt.Errorf("failed to create database %s: %w", db.Name, err)
	}

	for _, t := range tables.All() {
		if err := t.Validate(); err != nil {
			return err
		}
		if err := db.Exec(ctx, t.DDL(db.Name)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
		db.Logger.Debug("Table ready", zap.String("table", t.Name))
	}
	return nil
}

// DatabaseName returns the name of the database.
func (db *DB) DatabaseName() string {
	return db.Name
}

func (db *DB) table(t tables.Table) string {
	return t.Qualified(db.Name)
}

// insert runs one batch insert into t, calling fill to append the rows.
func (db *DB) insert(ctx context.Context, t tables.Table, fill func(appendRow func(args ...any) error) error) error {
	batch, err := db.PrepareBatch(ctx, t.InsertSQL(db.Name))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", t.Name, err)
	}
	defer func() { _ = batch.Close() }()

	if err := fill(batch.Append); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append %s batch: %w", t.Name, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", t.Name, err)
	}
	return nil
}
