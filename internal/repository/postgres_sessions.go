package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

const sessionColumns = `id, card_id, uploader_id, handle, storage_key, expected_size, extension, filename,
	visibility, tags, parts, status, message, version_id, collection_id, created_at, updated_at, completed_at`

func scanSession(row pgx.Row) (*model.UploadSession, error) {
	var (
		s     model.UploadSession
		parts []byte
	)
	err := row.Scan(&s.ID, &s.CardID, &s.UploaderID, &s.Handle, &s.StorageKey, &s.ExpectedSize, &s.Extension,
		&s.Filename, &s.Visibility, &s.Tags, &parts, &s.Status, &s.Message, &s.VersionID, &s.CollectionID,
		&s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(parts, &s.Parts); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	return &s, nil
}

func (p *Postgres) CreatePendingUpload(ctx context.Context, card *model.Card, s *model.UploadSession) error {
	now := time.Now().UTC()
	stamp(card, now)
	card.HeadVersionID = nil
	card.ProcessingStatus = model.StatusPending
	card.UploadSessionID = strPtr(s.ID)
	s.CardID = card.ID
	s.Status = model.StatusPending
	s.CreatedAt, s.UpdatedAt = now, now
	if s.Tags == nil {
		s.Tags = []string{}
	}

	b := &pgx.Batch{}
	b.Queue(`
		INSERT INTO cards (id, slug, name, description, creator, creator_notes, uploader_id, visibility,
			moderation, processing_status, upload_session_id, status_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'',$12,$13)
	`, card.ID, card.Slug, card.Name, card.Description, card.Creator, card.CreatorNotes, card.UploaderID,
		string(card.Visibility), string(card.Moderation), string(card.ProcessingStatus), card.UploadSessionID,
		card.CreatedAt, card.UpdatedAt)
	b.Queue(`
		INSERT INTO upload_sessions (id, card_id, uploader_id, handle, storage_key, expected_size, extension,
			filename, visibility, tags, parts, status, message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'[]',$11,'',$12,$13)
	`, s.ID, s.CardID, s.UploaderID, s.Handle, s.StorageKey, s.ExpectedSize, s.Extension, s.Filename,
		string(s.Visibility), s.Tags, string(s.Status), s.CreatedAt, s.UpdatedAt)

	if err := p.inTx(ctx, func(tx pgx.Tx) error { return sendBatch(ctx, tx, b) }); err != nil {
		return fmt.Errorf("create pending upload: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*model.UploadSession, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return s, nil
}

// lockSession reads a session row for update inside tx.
func lockSession(ctx context.Context, tx pgx.Tx, id string) (*model.UploadSession, error) {
	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	return s, nil
}

func (p *Postgres) RecordPart(ctx context.Context, sessionID string, part model.UploadPart) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusPending {
			return ErrInvalidState
		}
		parts, err := json.Marshal(upsertPart(s.Parts, part))
		if err != nil {
			return fmt.Errorf("encode parts: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE upload_sessions SET parts = $1, updated_at = $2 WHERE id = $3`,
			string(parts), time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("record part: %w", err)
		}
		return nil
	})
}

func (p *Postgres) ClaimSession(ctx context.Context, id string) (*model.UploadSession, error) {
	var claimed *model.UploadSession
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = s
		if s.Status != model.StatusPending {
			return ErrInvalidState
		}
		now := time.Now().UTC()
		b := &pgx.Batch{}
		b.Queue(`UPDATE upload_sessions SET status = 'processing', updated_at = $1 WHERE id = $2`, now, id)
		b.Queue(`UPDATE cards SET processing_status = 'processing', updated_at = $1 WHERE id = $2`, now, s.CardID)
		if err := sendBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("claim session: %w", err)
		}
		s.Status = model.StatusProcessing
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return claimed, err
	}
	return claimed, nil
}

func (p *Postgres) CompleteSession(ctx context.Context, sessionID string, card *model.Card, v *model.Version) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusProcessing {
			return ErrInvalidState
		}
		now := time.Now().UTC()
		v.CardID = s.CardID
		v.ParentVersionID = nil
		v.CreatedAt = now

		b := &pgx.Batch{}
		if err := queueInsertVersion(b, v); err != nil {
			return err
		}
		b.Queue(`
			UPDATE cards SET name = $1, description = $2, creator = $3, creator_notes = $4,
				slug = COALESCE(NULLIF($5, ''), slug), head_version_id = $6, processing_status = 'complete',
				status_message = '', upload_session_id = NULL, updated_at = $7
			WHERE id = $8
		`, card.Name, card.Description, card.Creator, card.CreatorNotes, card.Slug, v.ID, now, s.CardID)
		b.Queue(`
			UPDATE upload_sessions SET status = 'complete', message = '', version_id = $1, updated_at = $2,
				completed_at = $2
			WHERE id = $3
		`, v.ID, now, sessionID)
		if err := sendBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		return nil
	})
}

func (p *Postgres) CompleteSessionAsCollection(ctx context.Context, sessionID, collectionID string) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusProcessing {
			return ErrInvalidState
		}
		now := time.Now().UTC()
		b := &pgx.Batch{}
		b.Queue(`DELETE FROM cards WHERE id = $1`, s.CardID)
		b.Queue(`
			UPDATE upload_sessions SET status = 'complete', message = '', collection_id = $1, updated_at = $2,
				completed_at = $2
			WHERE id = $3
		`, collectionID, now, sessionID)
		if err := sendBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		return nil
	})
}

func (p *Postgres) FailSession(ctx context.Context, sessionID, msg string) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		s, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Status == model.StatusComplete {
			return ErrInvalidState
		}
		now := time.Now().UTC()
		b := &pgx.Batch{}
		b.Queue(`UPDATE upload_sessions SET status = 'failed', message = $1, updated_at = $2 WHERE id = $3`,
			msg, now, sessionID)
		b.Queue(`UPDATE cards SET processing_status = 'failed', status_message = $1, updated_at = $2 WHERE id = $3`,
			msg, now, s.CardID)
		if err := sendBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("fail session: %w", err)
		}
		return nil
	})
}

func (p *Postgres) ListStaleSessions(ctx context.Context, pendingBefore, processingBefore time.Time) ([]*model.UploadSession, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM upload_sessions
		WHERE (status = 'pending' AND updated_at < $1) OR (status = 'processing' AND updated_at < $2)
		ORDER BY updated_at`, pendingBefore, processingBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
