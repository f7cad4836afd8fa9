package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

const (
	SqlDialect = "postgres"

	// Advisory lock key used to serialise competing instances running
	// migrations against the same tracking database. Matches
	// hashtext('omeroadi_migrations') so mixed-version deployments
	// contend on the same lock.
	MigrationLockQuery   = "SELECT pg_advisory_lock(hashtext('omeroadi_migrations'))"
	MigrationUnlockQuery = "SELECT pg_advisory_unlock(hashtext('omeroadi_migrations'))"

	// The schema version table is isolated per application so the
	// tracking database can be shared with other tools.
	VersionTable = "goose_db_version_omeroadi"
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")
)

type (
	// Config holds the connection and migration settings for the
	// ingest tracking database.
	Config struct {
		// Connection string; postgres URL or key/value DSN.
		URL string

		// RunMigrations controls whether pending goose migrations are
		// applied at connect time (ADI_RUN_MIGRATIONS).
		RunMigrations bool

		// AllowAutoStamp permits adopting goose on a database whose
		// tables already exist by recording all known migrations as
		// applied without running them (ADI_ALLOW_AUTO_STAMP).
		AllowAutoStamp bool
	}

	SqlLogger struct {
		logger logger.Logger
	}

	Manager interface {
		Connect(Config) error
		GetSqlxDb() *sqlx.DB
		WrapTx(func(*sqlx.Tx) error) error
		Close() error
	}

	manager struct {
		rawDb *sql.DB
		db    *sqlx.DB
	}
)

func New() *manager {
	return &manager{}
}

// Connect opens the tracking database, retrying the initial ping a
// handful of times to ride out a database that is still booting, then
// runs any pending schema migrations under a cross-process advisory
// lock (unless disabled by config).
func (db *manager) Connect(config Config) error {
	raw, err := sql.Open(SqlDialect, config.URL)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	raw = sqldblogger.OpenDriver(config.URL, raw.Driver(), &SqlLogger{dbLogger})

	attempt := 1
	for {
		err := raw.Ping()
		if err != nil {
			if attempt >= 5 {
				dbLogger.Emit(logger.ERROR, "All connection attempts FAILED!\n")
				return err
			}
			dbLogger.Emit(logger.WARNING, "Attempt (%v/5) failed... Retrying in 3s\n", attempt)
			attempt++
			time.Sleep(time.Second * 3)
			continue
		}

		db.rawDb = raw
		db.db = sqlx.NewDb(raw, SqlDialect)
		break
	}

	if config.RunMigrations {
		if err := db.ExecuteMigrations(config.AllowAutoStamp); err != nil {
			return err
		}
	} else {
		dbLogger.Emit(logger.INFO, "Migrations disabled by configuration; skipping\n")
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return nil
}

// ExecuteMigrations applies the comp-time embedded SQL migrations (in
// this package's 'migrations' dir) against the connected database. The
// whole step runs while holding a postgres advisory lock so multiple
// booting instances cannot race the migrator.
func (db *manager) ExecuteMigrations(allowAutoStamp bool) error {
	rawDb := db.rawDb
	if rawDb == nil {
		return errors.New("cannot execute migrations when DB manager has not yet connected")
	}

	goose.SetBaseFS(migrations)
	goose.SetTableName(VersionTable)
	if err := goose.SetDialect(SqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	// The advisory lock is session-scoped, so lock and unlock must use
	// the same underlying connection.
	ctx := context.Background()
	conn, err := rawDb.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration lock: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, MigrationLockQuery); err != nil {
		return fmt.Errorf("failed to acquire migration advisory lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, MigrationUnlockQuery); err != nil {
			dbLogger.Emit(logger.ERROR, "Failed to release migration advisory lock: %v\n", err)
		}
	}()

	if allowAutoStamp {
		if err := db.autoStampIfAdopting(ctx); err != nil {
			return err
		}
	}

	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(rawDb, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	dbLogger.Emit(logger.SUCCESS, "DB migration complete!\n")
	return nil
}

// autoStampIfAdopting baselines an existing installation: when the
// version table is missing but the imports table already exists, every
// known migration is recorded as applied without being run. Intended
// for databases created before goose managed this schema.
func (db *manager) autoStampIfAdopting(ctx context.Context) error {
	var hasVersionTable, hasImports bool
	const existsQuery = "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)"
	if err := db.rawDb.QueryRowContext(ctx, existsQuery, VersionTable).Scan(&hasVersionTable); err != nil {
		return fmt.Errorf("failed to inspect schema version table: %w", err)
	}
	if err := db.rawDb.QueryRowContext(ctx, existsQuery, "imports").Scan(&hasImports); err != nil {
		return fmt.Errorf("failed to inspect imports table: %w", err)
	}

	if hasVersionTable || !hasImports {
		return nil
	}

	dbLogger.Emit(logger.WARNING, "Adopting migrations on existing schema; stamping all known migrations as applied\n")
	if _, err := goose.EnsureDBVersion(db.rawDb); err != nil {
		return fmt.Errorf("failed to create schema version table: %w", err)
	}

	found, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	if err != nil {
		return fmt.Errorf("failed to collect embedded migrations: %w", err)
	}
	for _, migration := range found {
		insert := fmt.Sprintf("INSERT INTO %s (version_id, is_applied) VALUES ($1, true)", VersionTable)
		if _, err := db.rawDb.ExecContext(ctx, insert, migration.Version); err != nil {
			return fmt.Errorf("failed to stamp migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetSqlxDb returns the sqlx database handle if one has been opened
// using 'Connect'. Otherwise, nil is returned.
func (db *manager) GetSqlxDb() *sqlx.DB {
	return db.db
}

// WrapTx is a convenience method around the top-level WrapTx, which
// simply uses the managers DB instance as the first argument.
func (db *manager) WrapTx(f func(tx *sqlx.Tx) error) error {
	if db.db == nil {
		return errors.New("DB manager has not yet connected")
	}

	return WrapTx(db.db, f)
}

func (db *manager) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		duration := data["duration"]
		query, ok := data["query"]
		if ok {
			l.logger.Verbosef("%s [%.2fms] -- %s\n", msg, duration, query)
		} else {
			l.logger.Verbosef("%s [%.2fms]\n", msg, duration)
		}
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// WrapTx starts a transaction against the provided DB, and then calls
// the user provided function. If this function errors, the transaction
// is rolled back - otherwise the transaction is committed.
func WrapTx(db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		return err
	}

	return tx.Commit()
}
