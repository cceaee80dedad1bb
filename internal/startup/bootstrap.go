package startup

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Migrator applies schema migrations to one database.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// NamedMigrator pairs a migrator with the name used in logs.
type NamedMigrator struct {
	Name     string
	Migrator Migrator
}

// Bootstrap runs one-time initialization: migrations first, then client
// seeding. Run may be called any number of times; the work happens once and
// later calls return the first result.
type Bootstrap struct {
	migrators []NamedMigrator
	seeder    *ClientSeeder
	seedPath  string
	logger    *logrus.Logger

	once sync.Once
	err  error
}

// NewBootstrap creates a bootstrap. seeder may be nil and seedPath empty to
// skip client seeding.
func NewBootstrap(migrators []NamedMigrator, seeder *ClientSeeder, seedPath string, logger *logrus.Logger) *Bootstrap {
	return &Bootstrap{
		migrators: migrators,
		seeder:    seeder,
		seedPath:  seedPath,
		logger:    logger,
	}
}

// Run performs the initialization.
func (b *Bootstrap) Run(ctx context.Context) error {
	b.once.Do(func() {
		b.err = b.run(ctx)
	})
	return b.err
}

func (b *Bootstrap) run(ctx context.Context) error {
	for _, m := range b.migrators {
		if err := m.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", m.Name, err)
		}
		b.logger.WithField("database", m.Name).Info("Database migrations applied")
	}

	if b.seeder == nil || b.seedPath == "" {
		return nil
	}

	created, err := b.seeder.SeedFile(ctx, b.seedPath)
	if err != nil {
		return fmt.Errorf("seed clients: %w", err)
	}
	b.logger.WithFields(logrus.Fields{
		"path":    b.seedPath,
		"created": created,
	}).Info("Client seeding completed")

	return nil
}
