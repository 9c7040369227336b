package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

// Postgres implements Store on a pgx pool. Multi-statement writes run as a
// pgx.Batch inside one transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a repository.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// sendBatch runs every queued statement and fails on the first error.
func sendBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch) error {
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return br.Close()
}

const cardColumns = `c.id, c.slug, c.name, c.description, c.creator, c.creator_notes, c.uploader_id,
	c.head_version_id, c.visibility, c.moderation, c.votes, c.favorites, c.downloads, c.comments, c.forks,
	c.collection_id, c.collection_item_id, c.processing_status, c.upload_session_id, c.status_message,
	c.created_at, c.updated_at,
	COALESCE((SELECT array_agg(t.name ORDER BY t.name) FROM card_tags ct JOIN tags t ON t.id = ct.tag_id
		WHERE ct.card_id = c.id), '{}')`

func scanCard(row pgx.Row) (*model.Card, error) {
	var c model.Card
	err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.Description, &c.Creator, &c.CreatorNotes, &c.UploaderID,
		&c.HeadVersionID, &c.Visibility, &c.Moderation,
		&c.Counters.Votes, &c.Counters.Favorites, &c.Counters.Downloads, &c.Counters.Comments, &c.Counters.Forks,
		&c.CollectionID, &c.CollectionItemID, &c.ProcessingStatus, &c.UploadSessionID, &c.StatusMessage,
		&c.CreatedAt, &c.UpdatedAt, &c.Tags)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const versionColumns = `id, card_id, parent_version_id, forked_from_id, storage_path, content_hash, format,
	spec_version, tokens, stats, assets, image_path, thumbnail_path, card_data, created_at`

func scanVersion(row pgx.Row) (*model.Version, error) {
	var (
		v                         model.Version
		tokens, stats, assets, cd []byte
	)
	err := row.Scan(&v.ID, &v.CardID, &v.ParentVersionID, &v.ForkedFromID, &v.StoragePath, &v.ContentHash,
		&v.Format, &v.SpecVersion, &tokens, &stats, &assets, &v.ImagePath, &v.ThumbnailPath, &cd, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tokens, &v.Tokens); err != nil {
		return nil, fmt.Errorf("decode tokens: %w", err)
	}
	if err := json.Unmarshal(stats, &v.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	if err := json.Unmarshal(assets, &v.Assets); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	v.CardData = json.RawMessage(cd)
	return &v, nil
}

func queueInsertVersion(b *pgx.Batch, v *model.Version) error {
	tokens, err := json.Marshal(v.Tokens)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	stats, err := json.Marshal(v.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if v.Assets == nil {
		v.Assets = []model.AssetRef{}
	}
	assets, err := json.Marshal(v.Assets)
	if err != nil {
		return fmt.Errorf("encode assets: %w", err)
	}
	cardData := string(v.CardData)
	if cardData == "" {
		cardData = "{}"
	}
	b.Queue(`
		INSERT INTO versions (id, card_id, parent_version_id, forked_from_id, storage_path, content_hash, format,
			spec_version, tokens, stats, assets, image_path, thumbnail_path, card_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, v.ID, v.CardID, v.ParentVersionID, v.ForkedFromID, v.StoragePath, v.ContentHash, string(v.Format),
		v.SpecVersion, string(tokens), string(stats), string(assets), v.ImagePath, v.ThumbnailPath, cardData, v.CreatedAt)
	return nil
}

// queueForkBump increments the fork counter of the card owning the source
// version. A missing source updates nothing.
func queueForkBump(b *pgx.Batch, forkedFrom *string) {
	if forkedFrom == nil {
		return
	}
	b.Queue(`UPDATE cards SET forks = forks + 1 WHERE id = (SELECT card_id FROM versions WHERE id = $1)`, *forkedFrom)
}

func (p *Postgres) CreateCardWithVersion(ctx context.Context, card *model.Card, v *model.Version) error {
	now := time.Now().UTC()
	stamp(card, now)
	if card.ProcessingStatus == "" {
		card.ProcessingStatus = model.StatusComplete
	}
	v.CardID = card.ID
	v.ParentVersionID = nil
	v.CreatedAt = now

	b := &pgx.Batch{}
	b.Queue(`
		INSERT INTO cards (id, slug, name, description, creator, creator_notes, uploader_id, head_version_id,
			visibility, moderation, collection_id, collection_item_id, processing_status, upload_session_id,
			status_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULL,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, card.ID, card.Slug, card.Name, card.Description, card.Creator, card.CreatorNotes, card.UploaderID,
		string(card.Visibility), string(card.Moderation), card.CollectionID, card.CollectionItemID,
		string(card.ProcessingStatus), card.UploadSessionID, card.StatusMessage, card.CreatedAt, card.UpdatedAt)
	if err := queueInsertVersion(b, v); err != nil {
		return err
	}
	b.Queue(`UPDATE cards SET head_version_id = $1 WHERE id = $2`, v.ID, card.ID)
	queueForkBump(b, v.ForkedFromID)

	err := p.inTx(ctx, func(tx pgx.Tx) error { return sendBatch(ctx, tx, b) })
	if err != nil {
		return fmt.Errorf("create card: %w", err)
	}
	id := v.ID
	card.HeadVersionID = &id
	return nil
}

func (p *Postgres) AppendVersion(ctx context.Context, v *model.Version) error {
	return p.appendVersion(ctx, v, nil)
}

func (p *Postgres) AppendVersionIfHead(ctx context.Context, v *model.Version, expectedHead string) error {
	return p.appendVersion(ctx, v, &expectedHead)
}

func (p *Postgres) appendVersion(ctx context.Context, v *model.Version, expectedHead *string) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var head *string
		err := tx.QueryRow(ctx, `SELECT head_version_id FROM cards WHERE id = $1 FOR UPDATE`, v.CardID).Scan(&head)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock card: %w", err)
		}
		if expectedHead != nil && derefStr(head) != *expectedHead {
			return ErrHeadMoved
		}
		now := time.Now().UTC()
		v.ParentVersionID = head
		v.CreatedAt = now

		b := &pgx.Batch{}
		if err := queueInsertVersion(b, v); err != nil {
			return err
		}
		b.Queue(`UPDATE cards SET head_version_id = $1, updated_at = $2 WHERE id = $3`, v.ID, now, v.CardID)
		queueForkBump(b, v.ForkedFromID)
		return sendBatch(ctx, tx, b)
	})
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (p *Postgres) GetCard(ctx context.Context, id string) (*model.Card, error) {
	return p.getCard(ctx, `SELECT `+cardColumns+` FROM cards c WHERE c.id = $1`, id)
}

func (p *Postgres) GetCardBySlug(ctx context.Context, slug string) (*model.Card, error) {
	return p.getCard(ctx, `SELECT `+cardColumns+` FROM cards c WHERE c.slug = $1`, slug)
}

func (p *Postgres) getCard(ctx context.Context, query string, arg string) (*model.Card, error) {
	c, err := scanCard(p.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select card: %w", err)
	}
	return c, nil
}

func (p *Postgres) GetVersion(ctx context.Context, id string) (*model.Version, error) {
	v, err := scanVersion(p.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM versions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select version: %w", err)
	}
	return v, nil
}

func (p *Postgres) ListVersions(ctx context.Context, cardID string) ([]*model.Version, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cards WHERE id = $1)`, cardID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check card: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := p.pool.Query(ctx, `SELECT `+versionColumns+` FROM versions WHERE card_id = $1 ORDER BY seq DESC`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	var out []*model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

var cardOrder = map[string]string{
	SortNew:       `c.created_at DESC, c.id DESC`,
	SortPopular:   `(c.votes + c.favorites) DESC, c.created_at DESC, c.id DESC`,
	SortDownloads: `c.downloads DESC, c.created_at DESC, c.id DESC`,
}

func (p *Postgres) ListCards(ctx context.Context, q CardQuery) ([]*model.Card, int, error) {
	q = q.Normalize()
	where := `c.processing_status = 'complete' AND c.visibility = 'public' AND c.moderation <> 'blocked'`
	args := []any{}
	if q.CollectionID != "" {
		args = append(args, q.CollectionID)
		where += fmt.Sprintf(` AND c.collection_id = $%d`, len(args))
	}
	if q.Creator != "" {
		args = append(args, q.Creator)
		where += fmt.Sprintf(` AND c.creator = $%d`, len(args))
	}
	if q.Tag != "" {
		args = append(args, model.Slugify(q.Tag))
		where += fmt.Sprintf(` AND EXISTS (SELECT 1 FROM card_tags ct JOIN tags t ON t.id = ct.tag_id
			WHERE ct.card_id = c.id AND t.slug = $%d)`, len(args))
	}

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cards c WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cards: %w", err)
	}
	args = append(args, q.Limit, (q.Page-1)*q.Limit)
	query := fmt.Sprintf(`SELECT %s FROM cards c WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		cardColumns, where, cardOrder[q.Sort], len(args)-1, len(args))
	cards, err := p.queryCards(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return cards, total, nil
}

func (p *Postgres) ListCollectionCards(ctx context.Context, collectionID string) ([]*model.Card, error) {
	return p.queryCards(ctx, `SELECT `+cardColumns+` FROM cards c WHERE c.collection_id = $1
		ORDER BY c.created_at, c.name`, collectionID)
}

func (p *Postgres) queryCards(ctx context.Context, query string, args ...any) ([]*model.Card, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()
	var out []*model.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteCard(ctx context.Context, id string) ([]*model.Version, error) {
	var removed []*model.Version
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+versionColumns+` FROM versions WHERE card_id = $1 ORDER BY seq DESC`, id)
		if err != nil {
			return fmt.Errorf("select versions: %w", err)
		}
		for rows.Next() {
			v, err := scanVersion(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan version: %w", err)
			}
			removed = append(removed, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		b := &pgx.Batch{}
		b.Queue(`UPDATE tags SET usage_count = GREATEST(usage_count - 1, 0)
			WHERE id IN (SELECT tag_id FROM card_tags WHERE card_id = $1)`, id)
		b.Queue(`DELETE FROM cards WHERE id = $1`, id)
		br := tx.SendBatch(ctx, b)
		defer br.Close()
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("release tags: %w", err)
		}
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("delete card: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (p *Postgres) IncrementDownloads(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE cards SET downloads = downloads + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment downloads: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) LinkTags(ctx context.Context, cardID string, names []string) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cards WHERE id = $1)`, cardID).Scan(&exists); err != nil {
			return fmt.Errorf("check card: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		for _, name := range names {
			slug := model.Slugify(name)
			if slug == "" {
				continue
			}
			var tagID string
			err := tx.QueryRow(ctx, `
				INSERT INTO tags (id, slug, name, usage_count) VALUES ($1, $2, $3, 0)
				ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
				RETURNING id
			`, newID(), slug, name).Scan(&tagID)
			if err != nil {
				return fmt.Errorf("upsert tag %q: %w", slug, err)
			}
			ct, err := tx.Exec(ctx, `
				INSERT INTO card_tags (card_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
			`, cardID, tagID)
			if err != nil {
				return fmt.Errorf("link tag %q: %w", slug, err)
			}
			if ct.RowsAffected() == 0 {
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE tags SET usage_count = usage_count + 1 WHERE id = $1`, tagID); err != nil {
				return fmt.Errorf("count tag %q: %w", slug, err)
			}
		}
		return nil
	})
}
