package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

const collectionColumns = `id, slug, name, description, creator, uploader_id, visibility, package_id,
	package_version, date_modified, items_count, storage_path, thumbnail_path, created_at, updated_at`

func scanCollection(row pgx.Row) (*model.Collection, error) {
	var c model.Collection
	err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.Description, &c.Creator, &c.UploaderID, &c.Visibility,
		&c.PackageID, &c.PackageVersion, &c.DateModified, &c.ItemsCount, &c.StoragePath, &c.ThumbnailPath,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) CreateCollection(ctx context.Context, c *model.Collection) error {
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO collections (id, slug, name, description, creator, uploader_id, visibility, package_id,
			package_version, date_modified, items_count, storage_path, thumbnail_path, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, c.ID, c.Slug, c.Name, c.Description, c.Creator, c.UploaderID, string(c.Visibility), c.PackageID,
		c.PackageVersion, c.DateModified, c.ItemsCount, c.StoragePath, c.ThumbnailPath, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	return p.getCollection(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = $1`, id)
}

func (p *Postgres) GetCollectionByPackageID(ctx context.Context, packageID string) (*model.Collection, error) {
	return p.getCollection(ctx, `SELECT `+collectionColumns+` FROM collections WHERE package_id = $1`, packageID)
}

func (p *Postgres) getCollection(ctx context.Context, query, arg string) (*model.Collection, error) {
	c, err := scanCollection(p.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select collection: %w", err)
	}
	return c, nil
}

func (p *Postgres) ListCollections(ctx context.Context, q CollectionQuery) ([]*model.Collection, int, error) {
	q = q.Normalize()
	where := `visibility = 'public'`
	args := []any{}
	if q.Creator != "" {
		args = append(args, q.Creator)
		where += fmt.Sprintf(` AND creator = $%d`, len(args))
	}
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM collections WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count collections: %w", err)
	}
	args = append(args, q.Limit, (q.Page-1)*q.Limit)
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM collections WHERE %s
		ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, collectionColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()
	var out []*model.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}
