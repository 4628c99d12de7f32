// Package db records builds, their layers and launches in sqlite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Layer struct {
	Index     int    `json:"index"`
	DiffID    string `json:"diff_id"`
	Size      int64  `json:"size"`
	CreatedBy string `json:"created_by,omitempty"`
	Step      string `json:"step,omitempty"`
}

type Build struct {
	ID             string    `json:"id"`
	Tag            string    `json:"tag"`
	ImageID        string    `json:"image_id,omitempty"`
	Status         Status    `json:"status"`
	Step           string    `json:"step,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	DurationMs     int64     `json:"duration_ms"`
	ContextDigest  string    `json:"context_digest,omitempty"`
	ManifestDigest string    `json:"manifest_digest,omitempty"`
	Layers         []Layer   `json:"layers,omitempty"`
}

type Launch struct {
	ID         int64     `json:"id"`
	Image      string    `json:"image"`
	Driver     string    `json:"driver"`
	Address    string    `json:"address"`
	Port       int       `json:"port"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

type DB struct {
	sql *sql.DB
}

const schema = `
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		tag TEXT NOT NULL,
		image_id TEXT,
		status TEXT NOT NULL,
		step TEXT,
		error TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		context_digest TEXT,
		manifest_digest TEXT
	);
	CREATE TABLE IF NOT EXISTS layers (
		build_id TEXT NOT NULL REFERENCES builds(id),
		idx INTEGER NOT NULL,
		diff_id TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_by TEXT,
		step TEXT,
		PRIMARY KEY (build_id, idx)
	);
	CREATE TABLE IF NOT EXISTS launches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		image TEXT NOT NULL,
		driver TEXT NOT NULL,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS builds_tag ON builds(tag, started_at);
	CREATE INDEX IF NOT EXISTS layers_diff_id ON layers(diff_id);
`

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) RecordBuild(ctx context.Context, b *Build) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO builds (id, tag, image_id, status, step, error, started_at, duration_ms, context_digest, manifest_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Tag, b.ImageID, string(b.Status), b.Step, b.Error, b.StartedAt.UnixMilli(), b.DurationMs, b.ContextDigest, b.ManifestDigest)
	if err != nil {
		return fmt.Errorf("insert build %s: %w", b.ID, err)
	}

	for _, l := range b.Layers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO layers (build_id, idx, diff_id, size, created_by, step)
			VALUES (?, ?, ?, ?, ?, ?)
		`, b.ID, l.Index, l.DiffID, l.Size, l.CreatedBy, l.Step)
		if err != nil {
			return fmt.Errorf("insert layer %d of build %s: %w", l.Index, b.ID, err)
		}
	}
	return tx.Commit()
}

const buildColumns = `id, tag, image_id, status, step, error, started_at, duration_ms, context_digest, manifest_digest`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*Build, error) {
	var (
		b                                        Build
		imageID, step, errText, ctxDig, manifDig sql.NullString
		status                                   string
		startedAt                                int64
	)
	err := row.Scan(&b.ID, &b.Tag, &imageID, &status, &step, &errText, &startedAt, &b.DurationMs, &ctxDig, &manifDig)
	if err != nil {
		return nil, err
	}
	b.ImageID = imageID.String
	b.Status = Status(status)
	b.Step = step.String
	b.Error = errText.String
	b.StartedAt = time.UnixMilli(startedAt)
	b.ContextDigest = ctxDig.String
	b.ManifestDigest = manifDig.String
	return &b, nil
}

func (d *DB) layers(ctx context.Context, buildID string) ([]Layer, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT idx, diff_id, size, created_by, step FROM layers WHERE build_id = ? ORDER BY idx
	`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Layer
	for rows.Next() {
		var (
			l               Layer
			createdBy, step sql.NullString
		)
		if err := rows.Scan(&l.Index, &l.DiffID, &l.Size, &createdBy, &step); err != nil {
			return nil, err
		}
		l.CreatedBy = createdBy.String
		l.Step = step.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (d *DB) one(ctx context.Context, query string, args ...any) (*Build, error) {
	b, err := scanBuild(d.sql.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.Layers, err = d.layers(ctx, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *DB) GetBuild(ctx context.Context, id string) (*Build, error) {
	return d.one(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
}

// LatestBuild returns the most recent successful build tagged tag.
func (d *DB) LatestBuild(ctx context.Context, tag string) (*Build, error) {
	return d.one(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE tag = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1
	`, tag, string(StatusSucceeded))
}

// FindBuild resolves ref as a tag, a build id, or an image id (with or
// without the sha256: prefix, abbreviations allowed), in that order.
func (d *DB) FindBuild(ctx context.Context, ref string) (*Build, error) {
	b, err := d.LatestBuild(ctx, ref)
	if !errors.Is(err, ErrNotFound) {
		return b, err
	}
	b, err = d.GetBuild(ctx, ref)
	if !errors.Is(err, ErrNotFound) {
		return b, err
	}
	if len(ref) < 4 {
		return nil, ErrNotFound
	}
	return d.one(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status = ? AND (image_id LIKE ? OR image_id LIKE ?)
		ORDER BY started_at DESC LIMIT 1
	`, string(StatusSucceeded), ref+"%", "sha256:"+ref+"%")
}

// ListBuilds returns builds newest first. A limit of 0 returns all of them.
func (d *DB) ListBuilds(ctx context.Context, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+buildColumns+` FROM builds ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Layers, err = d.layers(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *DB) RecordLaunch(ctx context.Context, l *Launch) error {
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO launches (image, driver, address, port, exit_code, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.Image, l.Driver, l.Address, l.Port, l.ExitCode, l.StartedAt.UnixMilli(), l.DurationMs)
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

func (d *DB) ListLaunches(ctx context.Context, limit int) ([]Launch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, image, driver, address, port, exit_code, started_at, duration_ms
		FROM launches ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Launch
	for rows.Next() {
		var (
			l         Launch
			startedAt int64
		)
		if err := rows.Scan(&l.ID, &l.Image, &l.Driver, &l.Address, &l.Port, &l.ExitCode, &startedAt, &l.DurationMs); err != nil {
			return nil, err
		}
		l.StartedAt = time.UnixMilli(startedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteImage removes every build of imageID and returns the layer digests
// no remaining build refers to.
func (d *DB) DeleteImage(ctx context.Context, imageID string) ([]string, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT l.diff_id FROM layers l JOIN builds b ON b.id = l.build_id
		WHERE b.image_id = ? ORDER BY l.diff_id
	`, imageID)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var diffID string
		if err := rows.Scan(&diffID); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, diffID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM layers WHERE build_id IN (SELECT id FROM builds WHERE image_id = ?)
	`, imageID); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE image_id = ?`, imageID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	var unreferenced []string
	for _, diffID := range candidates {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM layers WHERE diff_id = ?`, diffID).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			unreferenced = append(unreferenced, diffID)
		}
	}
	return unreferenced, tx.Commit()
}
