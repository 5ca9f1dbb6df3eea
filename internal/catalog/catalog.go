// Package catalog keeps a sqlite record of completed dumps: where each one
// was written, which counts it covers and how long it took. Ring samples are
// never stored here.
package catalog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/dumpring/internal/monitoring"
	"github.com/banshee-data/dumpring/internal/voltage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one recorded dump.
type Entry struct {
	ID        uuid.UUID
	Path      string
	Source    string
	Created   time.Time
	Capacity  int
	Slots     int
	Oldest    uint64
	Newest    uint64
	ChunkSize int
	Duration  time.Duration
	Gaps      uint64
}

// Catalog is an open dump catalog.
type Catalog struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the catalog at path and brings its schema up to date.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure catalog: %w", err)
	}

	c := &Catalog{db: db, now: time.Now}
	if err := c.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// Note: the migrate instance is not closed since that would close c.db.
func (c *Catalog) migrateUp() error {
	m, err := c.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("catalog migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (c *Catalog) SchemaVersion() (uint, error) {
	m, err := c.newMigrate()
	if err != nil {
		return 0, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("catalog schema is dirty at version %d", version)
	}
	return version, nil
}

// Record stores a completed dump and returns its entry.
func (c *Catalog) Record(res voltage.DumpResult, capacity int, source string) (Entry, error) {
	e := Entry{
		ID:        uuid.New(),
		Path:      res.Path,
		Source:    source,
		Created:   c.now().UTC(),
		Capacity:  capacity,
		Slots:     res.Slots,
		Oldest:    res.Oldest,
		Newest:    res.Newest,
		ChunkSize: res.ChunkSize,
		Duration:  res.Elapsed,
		Gaps:      res.Gaps,
	}
	_, err := c.db.Exec(`
		INSERT INTO dumps (dump_id, path, source, created_unix_ns, capacity, slots,
			oldest_count, newest_count, chunk_size, duration_ns, gaps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Path, e.Source, e.Created.UnixNano(), e.Capacity, e.Slots,
		int64(e.Oldest), int64(e.Newest), e.ChunkSize, int64(e.Duration), int64(e.Gaps),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to record dump %s: %w", e.Path, err)
	}
	monitoring.Logf("catalog: recorded dump %s (%s)", e.ID, e.Path)
	return e, nil
}

const selectEntries = `
	SELECT dump_id, path, source, created_unix_ns, capacity, slots,
		oldest_count, newest_count, chunk_size, duration_ns, gaps
	FROM dumps`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                                  Entry
		id                                 string
		created, oldest, newest, dur, gaps int64
	)
	if err := row.Scan(&id, &e.Path, &e.Source, &created, &e.Capacity, &e.Slots,
		&oldest, &newest, &e.ChunkSize, &dur, &gaps); err != nil {
		return Entry{}, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return Entry{}, fmt.Errorf("dump %q has a malformed id: %w", id, err)
	}
	e.Created = time.Unix(0, created).UTC()
	e.Oldest, e.Newest = uint64(oldest), uint64(newest)
	e.Duration = time.Duration(dur)
	e.Gaps = uint64(gaps)
	return e, nil
}

// List returns recorded dumps, newest first. A limit of 0 returns all.
func (c *Catalog) List(limit int) ([]Entry, error) {
	query := selectEntries + ` ORDER BY created_unix_ns DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dumps: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dump: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the dump with the given id. A missing dump wraps sql.ErrNoRows.
func (c *Catalog) Get(id uuid.UUID) (Entry, error) {
	e, err := scanEntry(c.db.QueryRow(selectEntries+` WHERE dump_id = ?`, id.String()))
	if err != nil {
		return Entry{}, fmt.Errorf("dump %s: %w", id, err)
	}
	return e, nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
