package catalog

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/appfs/appfsd/pkg/errors"
)

// IngestIndex parses a site's newline-delimited, tab-separated index
// ("package\tversion\tos\tcpuArch\tmanifestSha1\tisLatest") and upserts
// every row within a single transaction. When a row has isLatest=true, any
// other row sharing (hostname, package, os, cpuArch) has isLatest cleared,
// preserving the "at most one isLatest per tuple" invariant.
func (d *DB) IngestIndex(hostname string, raw []byte) (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeCatalogIO, "catalog: begin index ingest").
			WithCause(err).WithComponent("catalog").WithOperation("IngestIndex")
	}
	defer tx.Rollback()

	upsert, err := tx.Prepare(`
		INSERT INTO packages (hostname, package, version, os, cpu_arch, sha1, is_latest)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname, package, version, os, cpu_arch) DO UPDATE SET
			sha1 = excluded.sha1,
			is_latest = excluded.is_latest`)
	if err != nil {
		return 0, wrapIngestErr(err, "prepare upsert")
	}
	defer upsert.Close()

	clearLatest, err := tx.Prepare(`
		UPDATE packages SET is_latest = 0
		WHERE hostname = ? AND package = ? AND os = ? AND cpu_arch = ? AND version != ?`)
	if err != nil {
		return 0, wrapIngestErr(err, "prepare clear-latest")
	}
	defer clearLatest.Close()

	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 6 {
			return 0, errors.NewError(errors.ErrCodeCatalogParse,
				fmt.Sprintf("catalog: index record has %d fields, want 6: %q", len(fields), line)).
				WithComponent("catalog").WithOperation("IngestIndex")
		}
		pkg, version, os, cpuArch, sha1, isLatestStr := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]
		os = NormalizeOS(os)
		cpuArch = NormalizeCPUArch(cpuArch)
		isLatest := isLatestStr == "1"

		if _, err := upsert.Exec(hostname, pkg, version, os, cpuArch, sha1, boolToInt(isLatest)); err != nil {
			return 0, wrapIngestErr(err, "upsert package row")
		}
		if isLatest {
			if _, err := clearLatest.Exec(hostname, pkg, os, cpuArch, version); err != nil {
				return 0, wrapIngestErr(err, "clear prior latest")
			}
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.NewError(errors.ErrCodeCatalogParse, "catalog: scan index").
			WithCause(err).WithComponent("catalog").WithOperation("IngestIndex")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewError(errors.ErrCodeCatalogIO, "catalog: commit index ingest").
			WithCause(err).WithComponent("catalog").WithOperation("IngestIndex")
	}
	return count, nil
}

// IngestManifest parses a package manifest blob ("type\tperms\tsize\ttime\t
// directory\tname\tblobSha1\tsymlinkTarget") keyed by the manifest's own
// SHA-1 and inserts its rows in a single transaction. Re-ingesting the same
// manifestHash is idempotent: rows are upserted, not duplicated.
func (d *DB) IngestManifest(manifestHash string, raw []byte) (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeCatalogIO, "catalog: begin manifest ingest").
			WithCause(err).WithComponent("catalog").WithOperation("IngestManifest")
	}
	defer tx.Rollback()

	upsert, err := tx.Prepare(`
		INSERT INTO files (package_sha1, file_directory, file_name, type, perms, size, time, source, file_sha1)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(package_sha1, file_directory, file_name) DO UPDATE SET
			type = excluded.type,
			perms = excluded.perms,
			size = excluded.size,
			time = excluded.time,
			source = excluded.source,
			file_sha1 = excluded.file_sha1`)
	if err != nil {
		return 0, wrapIngestErr(err, "prepare manifest upsert")
	}
	defer upsert.Close()

	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 8 {
			return 0, errors.NewError(errors.ErrCodeCatalogParse,
				fmt.Sprintf("catalog: manifest record has %d fields, want 8: %q", len(fields), line)).
				WithComponent("catalog").WithOperation("IngestManifest")
		}
		typ, perms, sizeStr, timeStr, directory, name, blobSHA1, symlinkTarget := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6], fields[7]

		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeCatalogParse,
				fmt.Sprintf("catalog: bad size field %q", sizeStr)).
				WithComponent("catalog").WithOperation("IngestManifest")
		}
		mtime, err := strconv.ParseInt(timeStr, 10, 64)
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeCatalogParse,
				fmt.Sprintf("catalog: bad time field %q", timeStr)).
				WithComponent("catalog").WithOperation("IngestManifest")
		}

		source := blobSHA1
		if typ == "symlink" {
			source = symlinkTarget
		}

		if _, err := upsert.Exec(manifestHash, directory, name, typ, perms, size, mtime, source, blobSHA1); err != nil {
			return 0, wrapIngestErr(err, "upsert file row")
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.NewError(errors.ErrCodeCatalogParse, "catalog: scan manifest").
			WithCause(err).WithComponent("catalog").WithOperation("IngestManifest")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewError(errors.ErrCodeCatalogIO, "catalog: commit manifest ingest").
			WithCause(err).WithComponent("catalog").WithOperation("IngestManifest")
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func wrapIngestErr(err error, op string) error {
	return errors.NewError(errors.ErrCodeCatalogIO, fmt.Sprintf("catalog: %s", op)).
		WithCause(err).WithComponent("catalog").WithOperation(op)
}
