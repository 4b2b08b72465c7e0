package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/store"
)

func (d *DB) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS thread (
			id         SERIAL PRIMARY KEY,
			uid        TEXT    NOT NULL UNIQUE,
			creator_id INTEGER NOT NULL,
			title      TEXT    NOT NULL DEFAULT 'New Conversation',
			objectives TEXT    NOT NULL DEFAULT '[]',
			created_ts BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
			updated_ts BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
		)`,
		`CREATE TABLE IF NOT EXISTS message_fragment (
			id          SERIAL PRIMARY KEY,
			thread_id   INTEGER NOT NULL REFERENCES thread(id) ON DELETE CASCADE,
			order_index INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL DEFAULT 0,
			role        TEXT    NOT NULL,
			content     TEXT    NOT NULL,
			embedding   TEXT    NOT NULL DEFAULT '[]',
			created_ts  BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
			UNIQUE (thread_id, order_index, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_fragment_thread ON message_fragment(thread_id, order_index, chunk_index)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) CreateThread(ctx context.Context, create *store.Thread) (*store.Thread, error) {
	objectives, err := marshalObjectives(create.Objectives)
	if err != nil {
		return nil, err
	}
	stmt := `INSERT INTO thread (uid, creator_id, title, objectives)
	         VALUES ($1, $2, $3, $4)
	         RETURNING id, created_ts, updated_ts`
	if err := d.db.QueryRowContext(ctx, stmt, create.UID, create.CreatorID, create.Title, objectives).
		Scan(&create.ID, &create.CreatedTs, &create.UpdatedTs); err != nil {
		return nil, err
	}
	return create, nil
}

func (d *DB) ListThreads(ctx context.Context, find *store.FindThread) ([]*store.Thread, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.CreatorID; v != nil {
		where, args = append(where, "creator_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.UID; v != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, uid, creator_id, title, objectives, created_ts, updated_ts
		 FROM thread WHERE %s ORDER BY updated_ts DESC`,
		strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Thread
	for rows.Next() {
		t := &store.Thread{}
		var objectives string
		if err := rows.Scan(&t.ID, &t.UID, &t.CreatorID, &t.Title, &objectives, &t.CreatedTs, &t.UpdatedTs); err != nil {
			return nil, err
		}
		if t.Objectives, err = unmarshalObjectives(objectives); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (d *DB) GetThread(ctx context.Context, find *store.FindThread) (*store.Thread, error) {
	list, err := d.ListThreads(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) UpdateThread(ctx context.Context, update *store.UpdateThread) (*store.Thread, error) {
	set, args := []string{}, []any{}
	if v := update.Title; v != nil {
		set, args = append(set, "title = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Objectives; v != nil {
		objectives, err := marshalObjectives(*v)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "objectives = "+placeholder(len(args)+1)), append(args, objectives)
	}
	if len(set) == 0 {
		return d.GetThread(ctx, &store.FindThread{UID: &update.UID})
	}
	set = append(set, "updated_ts = EXTRACT(EPOCH FROM NOW())")
	args = append(args, update.UID)
	stmt := fmt.Sprintf("UPDATE thread SET %s WHERE uid = %s", strings.Join(set, ", "), placeholder(len(args)))
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, err
	}
	return d.GetThread(ctx, &store.FindThread{UID: &update.UID})
}

func (d *DB) DeleteThread(ctx context.Context, uid string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM thread WHERE uid = $1", uid)
	return err
}

func (d *DB) CreateMessageFragment(ctx context.Context, create *store.MessageFragment) (*store.MessageFragment, error) {
	embedding, err := marshalEmbedding(create.Embedding)
	if err != nil {
		return nil, err
	}
	stmt := `INSERT INTO message_fragment (thread_id, order_index, chunk_index, role, content, embedding)
	         VALUES ($1, $2, $3, $4, $5, $6)
	         RETURNING id, created_ts`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.ThreadID, create.OrderIndex, create.ChunkIndex, create.Role, create.Content, embedding).
		Scan(&create.ID, &create.CreatedTs); err != nil {
		return nil, err
	}
	return create, nil
}

func (d *DB) ListMessageFragments(ctx context.Context, find *store.FindMessageFragment) ([]*store.MessageFragment, error) {
	where, args := []string{"thread_id = $1"}, []any{find.ThreadID}
	if v := find.OrderIndex; v != nil {
		where, args = append(where, "order_index = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, thread_id, order_index, chunk_index, role, content, embedding, created_ts
		 FROM message_fragment WHERE %s ORDER BY order_index ASC, chunk_index ASC`,
		strings.Join(where, " AND "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.MessageFragment
	for rows.Next() {
		f := &store.MessageFragment{}
		var embedding string
		if err := rows.Scan(&f.ID, &f.ThreadID, &f.OrderIndex, &f.ChunkIndex, &f.Role, &f.Content, &embedding, &f.CreatedTs); err != nil {
			return nil, err
		}
		if f.Embedding, err = unmarshalEmbedding(embedding); err != nil {
			return nil, err
		}
		list = append(list, f)
	}
	return list, rows.Err()
}

func (d *DB) NextOrderIndex(ctx context.Context, threadID int32) (int32, error) {
	var next int32
	err := d.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(order_index) + 1, 0) FROM message_fragment WHERE thread_id = $1",
		threadID).Scan(&next)
	return next, err
}

func (d *DB) DeleteMessageFragments(ctx context.Context, threadID int32) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM message_fragment WHERE thread_id = $1", threadID)
	return err
}

func marshalObjectives(objectives []string) (string, error) {
	if objectives == nil {
		objectives = []string{}
	}
	raw, err := json.Marshal(objectives)
	return string(raw), err
}

func unmarshalObjectives(raw string) ([]string, error) {
	var objectives []string
	if raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &objectives); err != nil {
		return nil, err
	}
	return objectives, nil
}

func marshalEmbedding(embedding []float32) (string, error) {
	if embedding == nil {
		embedding = []float32{}
	}
	raw, err := json.Marshal(embedding)
	return string(raw), err
}

func unmarshalEmbedding(raw string) ([]float32, error) {
	var embedding []float32
	if raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &embedding); err != nil {
		return nil, err
	}
	return embedding, nil
}
