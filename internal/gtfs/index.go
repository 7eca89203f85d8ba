package gtfs

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned by Latest when an agency has no downloads.
var ErrNotFound = errors.New("gtfs: no download recorded")

// Download is one indexed feed archive.
type Download struct {
	ID           int64
	RunID        string
	Agency       string
	Archive      string
	Path         string
	Size         int64
	SHA256       string
	Valid        bool
	Missing      []string
	DownloadedAt time.Time
}

// Filter narrows List.
type Filter struct {
	Agency string
	RunID  string
	// Limit caps the result count. Zero means no limit.
	Limit int
}

// Index is the sqlite database recording every download.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open download index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize download index: %w", err)
	}
	return &Index{db: db}, nil
}

// Add records d and fills in its ID.
func (x *Index) Add(ctx context.Context, d *Download) error {
	res, err := x.db.ExecContext(ctx,
		`insert into feeds (run_id, agency, archive, path, size, sha256, valid, missing, downloaded_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.Agency, d.Archive, d.Path, d.Size, d.SHA256, d.Valid,
		strings.Join(d.Missing, ","), d.DownloadedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to index download of %s: %w", d.Agency, err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// List returns downloads, newest first.
func (x *Index) List(ctx context.Context, f Filter) ([]Download, error) {
	q := `select id, run_id, agency, archive, path, size, sha256, valid, missing, downloaded_at from feeds`
	var where []string
	var args []any
	if f.Agency != "" {
		where = append(where, "agency = ?")
		args = append(args, f.Agency)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by downloaded_at desc, id desc"
	if f.Limit > 0 {
		q += " limit ?"
		args = append(args, f.Limit)
	}

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Latest returns the newest download of agency.
func (x *Index) Latest(ctx context.Context, agency string) (*Download, error) {
	list, err := x.List(ctx, Filter{Agency: agency, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNotFound, agency)
	}
	return &list[0], nil
}

// Close closes the database.
func (x *Index) Close() error { return x.db.Close() }

func scanDownload(rows *sql.Rows) (*Download, error) {
	var (
		d       Download
		missing string
		ts      int64
	)
	if err := rows.Scan(&d.ID, &d.RunID, &d.Agency, &d.Archive, &d.Path, &d.Size, &d.SHA256, &d.Valid, &missing, &ts); err != nil {
		return nil, fmt.Errorf("failed to read download row: %w", err)
	}
	if missing != "" {
		d.Missing = strings.Split(missing, ",")
	}
	d.DownloadedAt = time.Unix(ts, 0)
	return &d, nil
}
