// Package catalog implements the catalog DB (C3) and the index/manifest
// ingestor (C4): a pure-Go SQLite store of packages, their per-file rows,
// and the sites they came from.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/appfs/appfsd/pkg/errors"
)

// DB wraps the SQLite-backed catalog. A single *sql.DB connection is shared
// process-wide; with at most one open connection, readers and writers are
// serialized on it.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodeCatalogIO, "catalog: create db directory").
			WithCause(err).WithComponent("catalog").WithOperation("Open")
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeCatalogIO, "catalog: open database").
			WithCause(err).WithComponent("catalog").WithOperation("Open")
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, errors.NewError(errors.ErrCodeCatalogIO, "catalog: set WAL mode").
			WithCause(err).WithComponent("catalog").WithOperation("Open")
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		return nil, errors.NewError(errors.ErrCodeCatalogIO, "catalog: enable foreign keys").
			WithCause(err).WithComponent("catalog").WithOperation("Open")
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS packages (
			hostname    TEXT NOT NULL,
			package     TEXT NOT NULL,
			version     TEXT NOT NULL,
			os          TEXT NOT NULL,
			cpu_arch    TEXT NOT NULL,
			sha1        TEXT NOT NULL,
			is_latest   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hostname, package, version, os, cpu_arch)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_lookup
			ON packages (hostname, package, os, cpu_arch)`,
		`CREATE TABLE IF NOT EXISTS files (
			package_sha1   TEXT NOT NULL,
			file_directory TEXT NOT NULL,
			file_name      TEXT NOT NULL,
			type           TEXT NOT NULL,
			perms          TEXT NOT NULL,
			size           INTEGER NOT NULL,
			time           INTEGER NOT NULL,
			source         TEXT NOT NULL DEFAULT '',
			file_sha1      TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (package_sha1, file_directory, file_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_dir
			ON files (package_sha1, file_directory)`,
		`CREATE TABLE IF NOT EXISTS sites (
			hostname    TEXT PRIMARY KEY,
			public_key  TEXT NOT NULL DEFAULT '',
			index_hash  TEXT NOT NULL DEFAULT '',
			fetched_at  INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return errors.NewError(errors.ErrCodeCatalogIO, fmt.Sprintf("catalog: migrate: %s", stmt)).
				WithCause(err).WithComponent("catalog").WithOperation("migrate")
		}
	}
	return nil
}

// PackageRow mirrors one row of the packages table.
type PackageRow struct {
	Hostname string
	Package  string
	Version  string
	OS       string
	CPUArch  string
	SHA1     string
	IsLatest bool
}

// FileRow mirrors one row of the files table.
type FileRow struct {
	PackageSHA1   string
	FileDirectory string
	FileName      string
	Type          string
	Perms         string
	Size          int64
	Time          int64
	Source        string
	FileSHA1      string
}

// Hostnames returns the distinct set of sites known to the catalog.
func (d *DB) Hostnames() ([]string, error) {
	rows, err := d.db.Query(`SELECT DISTINCT hostname FROM packages ORDER BY hostname`)
	if err != nil {
		return nil, wrapQueryErr(err, "Hostnames")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, wrapQueryErr(err, "Hostnames")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Packages returns the distinct package names published by hostname.
func (d *DB) Packages(hostname string) ([]string, error) {
	rows, err := d.db.Query(`SELECT DISTINCT package FROM packages WHERE hostname = ? ORDER BY package`, hostname)
	if err != nil {
		return nil, wrapQueryErr(err, "Packages")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrapQueryErr(err, "Packages")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OSArches returns the distinct "os-cpuArch" combinations for a package.
func (d *DB) OSArches(hostname, pkg string) ([]string, error) {
	rows, err := d.db.Query(`
		SELECT DISTINCT os, cpu_arch FROM packages
		WHERE hostname = ? AND package = ? ORDER BY os, cpu_arch`, hostname, pkg)
	if err != nil {
		return nil, wrapQueryErr(err, "OSArches")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var os, arch string
		if err := rows.Scan(&os, &arch); err != nil {
			return nil, wrapQueryErr(err, "OSArches")
		}
		out = append(out, DisplayOSArch(os, arch))
	}
	return out, rows.Err()
}

// Versions returns the distinct versions for (hostname, package, os, cpuArch).
func (d *DB) Versions(hostname, pkg, os, cpuArch string) ([]string, error) {
	rows, err := d.db.Query(`
		SELECT DISTINCT version FROM packages
		WHERE hostname = ? AND package = ? AND os = ? AND cpu_arch = ?
		ORDER BY version`, hostname, pkg, os, cpuArch)
	if err != nil {
		return nil, wrapQueryErr(err, "Versions")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapQueryErr(err, "Versions")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ManifestHash returns the manifest SHA-1 for one fully-qualified package
// version, or "" if no such row exists.
func (d *DB) ManifestHash(hostname, pkg, os, cpuArch, version string) (string, error) {
	var sha1 string
	err := d.db.QueryRow(`
		SELECT sha1 FROM packages
		WHERE hostname = ? AND package = ? AND os = ? AND cpu_arch = ? AND version = ?`,
		hostname, pkg, os, cpuArch, version).Scan(&sha1)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrapQueryErr(err, "ManifestHash")
	}
	return sha1, nil
}

// FileByName returns the file row matching (manifestHash, directory, name).
func (d *DB) FileByName(manifestHash, directory, name string) (*FileRow, error) {
	row := d.db.QueryRow(`
		SELECT package_sha1, file_directory, file_name, type, perms, size, time, source, file_sha1
		FROM files WHERE package_sha1 = ? AND file_directory = ? AND file_name = ?`,
		manifestHash, directory, name)
	f, err := scanFileRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapQueryErr(err, "FileByName")
	}
	return f, nil
}

// FilesInDirectory returns every file row directly under directory within
// one manifest.
func (d *DB) FilesInDirectory(manifestHash, directory string) ([]*FileRow, error) {
	rows, err := d.db.Query(`
		SELECT package_sha1, file_directory, file_name, type, perms, size, time, source, file_sha1
		FROM files WHERE package_sha1 = ? AND file_directory = ?
		ORDER BY file_name`, manifestHash, directory)
	if err != nil {
		return nil, wrapQueryErr(err, "FilesInDirectory")
	}
	defer rows.Close()

	var out []*FileRow
	for rows.Next() {
		f, err := scanFileRowsScanner(rows)
		if err != nil {
			return nil, wrapQueryErr(err, "FilesInDirectory")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFileRow(r rowScanner) (*FileRow, error) {
	return scanFileRowsScanner(r)
}

func scanFileRowsScanner(r rowScanner) (*FileRow, error) {
	f := &FileRow{}
	err := r.Scan(&f.PackageSHA1, &f.FileDirectory, &f.FileName, &f.Type, &f.Perms, &f.Size, &f.Time, &f.Source, &f.FileSHA1)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// UpsertSite records (or updates) a provisioned site's trust metadata.
func (d *DB) UpsertSite(hostname, publicKey, indexHash string, fetchedAt int64) error {
	_, err := d.db.Exec(`
		INSERT INTO sites (hostname, public_key, index_hash, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			public_key = excluded.public_key,
			index_hash = excluded.index_hash,
			fetched_at = excluded.fetched_at`,
		hostname, publicKey, indexHash, fetchedAt)
	if err != nil {
		return errors.NewError(errors.ErrCodeCatalogIO, "catalog: upsert site").
			WithCause(err).WithComponent("catalog").WithOperation("UpsertSite")
	}
	return nil
}

// SiteIndexHash returns the last-ingested index hash for hostname, or "" if
// the site has never been ingested.
func (d *DB) SiteIndexHash(hostname string) (string, error) {
	var hash string
	err := d.db.QueryRow(`SELECT index_hash FROM sites WHERE hostname = ?`, hostname).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrapQueryErr(err, "SiteIndexHash")
	}
	return hash, nil
}

// SiteRow mirrors one row of the sites table.
type SiteRow struct {
	Hostname  string
	PublicKey string
	IndexHash string
	FetchedAt int64
}

// ListSites returns every site the catalog has trust metadata for, ordered
// by hostname. A configured site with no rows here has never been ingested.
func (d *DB) ListSites() ([]SiteRow, error) {
	rows, err := d.db.Query(`SELECT hostname, public_key, index_hash, fetched_at FROM sites ORDER BY hostname`)
	if err != nil {
		return nil, wrapQueryErr(err, "ListSites")
	}
	defer rows.Close()

	var out []SiteRow
	for rows.Next() {
		var s SiteRow
		if err := rows.Scan(&s.Hostname, &s.PublicKey, &s.IndexHash, &s.FetchedAt); err != nil {
			return nil, wrapQueryErr(err, "ListSites")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RunSQL executes an arbitrary statement against the catalog DB, for the
// appfsd sqlite3 maintenance command. SELECT/PRAGMA statements return their
// result rows rendered as strings; other statements return the count of
// rows affected.
func (d *DB) RunSQL(query string) (columns []string, rows [][]string, rowsAffected int64, err error) {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "PRAGMA") {
		rset, err := d.db.Query(query)
		if err != nil {
			return nil, nil, 0, wrapQueryErr(err, "RunSQL")
		}
		defer rset.Close()

		columns, err = rset.Columns()
		if err != nil {
			return nil, nil, 0, wrapQueryErr(err, "RunSQL")
		}

		for rset.Next() {
			vals := make([]interface{}, len(columns))
			ptrs := make([]interface{}, len(columns))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rset.Scan(ptrs...); err != nil {
				return nil, nil, 0, wrapQueryErr(err, "RunSQL")
			}
			row := make([]string, len(columns))
			for i, v := range vals {
				row[i] = formatSQLValue(v)
			}
			rows = append(rows, row)
		}
		return columns, rows, 0, rset.Err()
	}

	res, err := d.db.Exec(query)
	if err != nil {
		return nil, nil, 0, wrapQueryErr(err, "RunSQL")
	}
	n, _ := res.RowsAffected()
	return nil, nil, n, nil
}

func formatSQLValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func wrapQueryErr(err error, op string) error {
	return errors.NewError(errors.ErrCodeCatalogIO, fmt.Sprintf("catalog: %s", op)).
		WithCause(err).WithComponent("catalog").WithOperation(op)
}
