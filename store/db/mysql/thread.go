package mysql

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
			id         INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			uid        VARCHAR(256) NOT NULL UNIQUE,
			creator_id INT NOT NULL,
			title      TEXT NOT NULL,
			objectives TEXT NOT NULL,
			created_ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS message_fragment (
			id          INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			thread_id   INT NOT NULL,
			order_index INT NOT NULL,
			chunk_index INT NOT NULL DEFAULT 0,
			role        VARCHAR(256) NOT NULL,
			content     TEXT NOT NULL,
			embedding   MEDIUMTEXT NOT NULL,
			created_ts  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT fk_message_fragment_thread FOREIGN KEY (thread_id) REFERENCES thread(id) ON DELETE CASCADE,
			CONSTRAINT uq_message_fragment_position UNIQUE (thread_id, order_index, chunk_index)
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) CreateThread(ctx context.Context, create *store.Thread) (*store.Thread, error) {
	objectives, err := marshalJSON(create.Objectives)
	if err != nil {
		return nil, err
	}
	stmt := "INSERT INTO `thread` (`uid`, `creator_id`, `title`, `objectives`) VALUES (?, ?, ?, ?)"
	if _, err := d.db.ExecContext(ctx, stmt, create.UID, create.CreatorID, create.Title, objectives); err != nil {
		return nil, err
	}
	// Fetch it back to populate id and timestamps.
	return d.GetThread(ctx, &store.FindThread{UID: &create.UID})
}

func (d *DB) ListThreads(ctx context.Context, find *store.FindThread) ([]*store.Thread, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.CreatorID; v != nil {
		where, args = append(where, "`creator_id` = ?"), append(args, *v)
	}
	if v := find.UID; v != nil {
		where, args = append(where, "`uid` = ?"), append(args, *v)
	}
	query := fmt.Sprintf(
		"SELECT `id`, `uid`, `creator_id`, `title`, `objectives`, UNIX_TIMESTAMP(`created_ts`), UNIX_TIMESTAMP(`updated_ts`) FROM `thread` WHERE %s ORDER BY `updated_ts` DESC",
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
		if err := json.Unmarshal([]byte(objectives), &t.Objectives); err != nil {
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
		set, args = append(set, "`title` = ?"), append(args, *v)
	}
	if v := update.Objectives; v != nil {
		objectives, err := marshalJSON(*v)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "`objectives` = ?"), append(args, objectives)
	}
	if len(set) == 0 {
		return d.GetThread(ctx, &store.FindThread{UID: &update.UID})
	}
	set = append(set, "`updated_ts` = CURRENT_TIMESTAMP")
	args = append(args, update.UID)
	stmt := fmt.Sprintf("UPDATE `thread` SET %s WHERE `uid` = ?", strings.Join(set, ", "))
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, err
	}
	return d.GetThread(ctx, &store.FindThread{UID: &update.UID})
}

func (d *DB) DeleteThread(ctx context.Context, uid string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM `thread` WHERE `uid` = ?", uid)
	return err
}

func (d *DB) CreateMessageFragment(ctx context.Context, create *store.MessageFragment) (*store.MessageFragment, error) {
	embedding, err := marshalJSON(create.Embedding)
	if err != nil {
		return nil, err
	}
	stmt := "INSERT INTO `message_fragment` (`thread_id`, `order_index`, `chunk_index`, `role`, `content`, `embedding`) VALUES (?, ?, ?, ?, ?, ?)"
	result, err := d.db.ExecContext(ctx, stmt,
		create.ThreadID, create.OrderIndex, create.ChunkIndex, create.Role, create.Content, embedding)
	if err != nil {
		return nil, err
	}
	rawID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	create.ID = int32(rawID)
	return create, nil
}

func (d *DB) ListMessageFragments(ctx context.Context, find *store.FindMessageFragment) ([]*store.MessageFragment, error) {
	where, args := []string{"`thread_id` = ?"}, []any{find.ThreadID}
	if v := find.OrderIndex; v != nil {
		where, args = append(where, "`order_index` = ?"), append(args, *v)
	}
	query := fmt.Sprintf(
		"SELECT `id`, `thread_id`, `order_index`, `chunk_index`, `role`, `content`, `embedding`, UNIX_TIMESTAMP(`created_ts`) FROM `message_fragment` WHERE %s ORDER BY `order_index` ASC, `chunk_index` ASC",
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
		if err := json.Unmarshal([]byte(embedding), &f.Embedding); err != nil {
			return nil, err
		}
		list = append(list, f)
	}
	return list, rows.Err()
}

func (d *DB) NextOrderIndex(ctx context.Context, threadID int32) (int32, error) {
	var next int32
	err := d.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(`order_index`) + 1, 0) FROM `message_fragment` WHERE `thread_id` = ?",
		threadID).Scan(&next)
	return next, err
}

func (d *DB) DeleteMessageFragments(ctx context.Context, threadID int32) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM `message_fragment` WHERE `thread_id` = ?", threadID)
	return err
}

func marshalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s := string(raw)
	if s == "null" {
		s = "[]"
	}
	return s, nil
}
