package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora/cmd/internal/metrics"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Per-room transactional advisory locks guarantee:
//   - No duplicate rows for a retried client key
//   - Strictly increasing (created_at, id) order within a room
type PostgresStore struct {
	pool   *pgxpool.Pool
	broker *Broker
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "agora").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore that publishes
// committed writes to broker.
func NewPostgresStore(pool *pgxpool.Pool, broker *Broker, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		broker: broker,
		schema: "agora",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and tables when they do not exist yet.
// Intended for dev and test databases; production schemas are migrated
// out of band.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	messages := pgIdent(s.schema, "messages")
	reactions := pgIdent(s.schema, "reactions")
	profiles := pgIdent(s.schema, "profiles")
	resources := pgIdent(s.schema, "resources")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			id          text PRIMARY KEY,
			room_id     text NOT NULL,
			author_id   text NOT NULL,
			client_key  text NOT NULL,
			body        text NOT NULL,
			parent_id   text NOT NULL DEFAULT '',
			created_at  timestamptz NOT NULL,
			UNIQUE (room_id, client_key)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_room_page_idx
			ON ` + messages + ` (room_id, created_at DESC, id DESC)
			WHERE parent_id = ''`,
		`CREATE INDEX IF NOT EXISTS messages_parent_idx
			ON ` + messages + ` (parent_id, created_at, id)
			WHERE parent_id <> ''`,
		`CREATE TABLE IF NOT EXISTS ` + reactions + ` (
			message_id  text NOT NULL,
			actor_id    text NOT NULL,
			emoji       text NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (message_id, actor_id, emoji)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + profiles + ` (
			id          text PRIMARY KEY,
			name        text NOT NULL DEFAULT '',
			handle      text NOT NULL DEFAULT '',
			avatar_url  text NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ` + resources + ` (
			id     text PRIMARY KEY,
			title  text NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Append inserts a message with client-key idempotency and strictly
// increasing per-room timestamps.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("chat: nil store")
	}
	if in.RoomID == "" || in.AuthorID == "" || in.ClientKey == "" || in.Body == "" {
		return AppendResult{}, storeErr("chat.Append", errInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize writes per room so retried appends never race their first
	// attempt and room order is total.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByClientKey(ctx, tx, messages, in.RoomID, in.ClientKey)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	// Monotonic timestamp: never at or before the room's newest row.
	var createdAt time.Time
	if err := tx.QueryRow(ctx,
		`SELECT GREATEST($2::timestamptz, COALESCE(MAX(created_at), '-infinity'::timestamptz) + interval '1 microsecond')
		   FROM `+messages+`
		  WHERE room_id = $1`,
		in.RoomID, now,
	).Scan(&createdAt); err != nil {
		return AppendResult{}, err
	}

	stored := Message{
		ID:        NewMessageID(createdAt),
		RoomID:    in.RoomID,
		AuthorID:  in.AuthorID,
		ClientKey: in.ClientKey,
		Body:      in.Body,
		ParentID:  in.ParentID,
		CreatedAt: createdAt,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, room_id, author_id, client_key, body, parent_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		stored.ID, stored.RoomID, stored.AuthorID, stored.ClientKey, stored.Body, stored.ParentID, stored.CreatedAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}

	if stored.TopLevel() {
		metrics.MessagesAppended.WithLabelValues("message").Inc()
	} else {
		metrics.MessagesAppended.WithLabelValues("reply").Inc()
	}
	if s.broker != nil {
		s.broker.Publish(Event{Kind: EventInsert, Table: TableMessages, Message: stored})
	}
	return AppendResult{Stored: stored, Duplicated: false}, nil
}

// FetchPage returns top-level messages newest first, strictly older than the
// cursor when supplied, with a limit+1 probe for HasMore.
func (s *PostgresStore) FetchPage(ctx context.Context, roomID string, before *Cursor, limit int) ([]Message, bool, error) {
	if roomID == "" {
		return nil, false, storeErr("chat.FetchPage", errInvalidInput)
	}
	limit = clampPageSize(limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, room_id, author_id, client_key, body, parent_id, created_at
			   FROM `+messages+`
			  WHERE room_id = $1 AND parent_id = ''
			  ORDER BY created_at DESC, id DESC
			  LIMIT $2`,
			roomID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, room_id, author_id, client_key, body, parent_id, created_at
			   FROM `+messages+`
			  WHERE room_id = $1 AND parent_id = ''
			    AND (created_at, id) < ($2, $3)
			  ORDER BY created_at DESC, id DESC
			  LIMIT $4`,
			roomID, before.CreatedAt, before.ID, fetch,
		)
	}
	if err != nil {
		return nil, false, err
	}

	msgs, err := scanMessages(rows, fetch)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// FetchSince returns top-level messages strictly newer than the cursor,
// ascending.
func (s *PostgresStore) FetchSince(ctx context.Context, roomID string, after Cursor, limit int) ([]Message, error) {
	if roomID == "" {
		return nil, storeErr("chat.FetchSince", errInvalidInput)
	}
	limit = clampPageSize(limit)

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, author_id, client_key, body, parent_id, created_at
		   FROM `+messages+`
		  WHERE room_id = $1 AND parent_id = ''
		    AND (created_at, id) > ($2, $3)
		  ORDER BY created_at ASC, id ASC
		  LIMIT $4`,
		roomID, after.CreatedAt, after.ID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows, limit)
}

// FetchThread returns the replies of parentID ascending.
func (s *PostgresStore) FetchThread(ctx context.Context, parentID string) ([]Message, error) {
	if parentID == "" {
		return nil, storeErr("chat.FetchThread", errInvalidInput)
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, author_id, client_key, body, parent_id, created_at
		   FROM `+messages+`
		  WHERE parent_id = $1
		  ORDER BY created_at ASC, id ASC`,
		parentID,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows, 16)
}

// ThreadCounts returns reply counts for a batch of parent ids.
func (s *PostgresStore) ThreadCounts(ctx context.Context, parentIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(parentIDs))
	if len(parentIDs) == 0 {
		return out, nil
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT parent_id, COUNT(*)
		   FROM `+messages+`
		  WHERE parent_id = ANY($1)
		  GROUP BY parent_id`,
		parentIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			parentID string
			n        int
		)
		if err := rows.Scan(&parentID, &n); err != nil {
			return nil, err
		}
		out[parentID] = n
	}
	return out, rows.Err()
}

// ToggleReaction flips one (message, actor, emoji) membership. Reports
// whether the reaction is present after the call.
func (s *PostgresStore) ToggleReaction(ctx context.Context, messageID, actorID, emoji string) (bool, error) {
	if messageID == "" || actorID == "" || emoji == "" {
		return false, storeErr("chat.ToggleReaction", errInvalidInput)
	}

	reactions := pgIdent(s.schema, "reactions")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+reactions+` WHERE message_id = $1 AND actor_id = $2 AND emoji = $3`,
		messageID, actorID, emoji,
	)
	if err != nil {
		return false, err
	}

	added := tag.RowsAffected() == 0
	if added {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+reactions+` (message_id, actor_id, emoji) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			messageID, actorID, emoji,
		); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	r := Reaction{MessageID: messageID, ActorID: actorID, Emoji: emoji}
	if added {
		metrics.ReactionsToggled.WithLabelValues("add").Inc()
		if s.broker != nil {
			s.broker.Publish(Event{Kind: EventInsert, Table: TableReactions, Reaction: r})
		}
	} else {
		metrics.ReactionsToggled.WithLabelValues("remove").Inc()
		if s.broker != nil {
			s.broker.Publish(Event{Kind: EventDelete, Table: TableReactions, Reaction: r})
		}
	}
	return added, nil
}

// ListReactions returns the reaction rows of one message.
func (s *PostgresStore) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	reactions := pgIdent(s.schema, "reactions")

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, actor_id, emoji
		   FROM `+reactions+`
		  WHERE message_id = $1
		  ORDER BY emoji, actor_id`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.ActorID, &r.Emoji); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func readMessageByClientKey(ctx context.Context, tx pgx.Tx, messagesTable, roomID, clientKey string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT id, room_id, author_id, client_key, body, parent_id, created_at
		   FROM `+messagesTable+`
		  WHERE room_id = $1 AND client_key = $2`,
		roomID, clientKey,
	).Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.ClientKey, &m.Body, &m.ParentID, &m.CreatedAt)
	return m, err
}

func scanMessages(rows pgx.Rows, hint int) ([]Message, error) {
	defer rows.Close()

	msgs := make([]Message, 0, hint)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.ClientKey, &m.Body, &m.ParentID, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// PostgresDirectory resolves and searches member profiles.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresDirectory constructs a directory over the shared pool.
func NewPostgresDirectory(pool *pgxpool.Pool, schema string) *PostgresDirectory {
	if schema == "" || !isValidPGIdent(schema) {
		schema = "agora"
	}
	return &PostgresDirectory{pool: pool, schema: schema}
}

// Put upserts a profile seen at session handshake.
func (d *PostgresDirectory) Put(p Profile) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	profiles := pgIdent(d.schema, "profiles")
	_, _ = d.pool.Exec(ctx,
		`INSERT INTO `+profiles+` (id, name, handle, avatar_url)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		    SET name = EXCLUDED.name, handle = EXCLUDED.handle, avatar_url = EXCLUDED.avatar_url`,
		p.ID, p.Name, p.Handle, p.AvatarURL,
	)
}

// Profiles resolves a batch of actor ids in one query.
func (d *PostgresDirectory) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	profiles := pgIdent(d.schema, "profiles")
	rows, err := d.pool.Query(ctx,
		`SELECT id, name, handle, avatar_url FROM `+profiles+` WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Handle, &p.AvatarURL); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// Search finds profiles by case-insensitive name or handle fragment.
func (d *PostgresDirectory) Search(ctx context.Context, query string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 5
	}

	profiles := pgIdent(d.schema, "profiles")
	rows, err := d.pool.Query(ctx,
		`SELECT id, name, handle, avatar_url
		   FROM `+profiles+`
		  WHERE name ILIKE '%' || $1 || '%' OR handle ILIKE '%' || $1 || '%'
		  ORDER BY handle
		  LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Handle, &p.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PostgresResourceIndex searches published post titles for slash commands.
type PostgresResourceIndex struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresResourceIndex constructs a resource index over the shared pool.
func NewPostgresResourceIndex(pool *pgxpool.Pool, schema string) *PostgresResourceIndex {
	if schema == "" || !isValidPGIdent(schema) {
		schema = "agora"
	}
	return &PostgresResourceIndex{pool: pool, schema: schema}
}

// SearchTitles finds resources by case-insensitive title fragment.
func (x *PostgresResourceIndex) SearchTitles(ctx context.Context, query string, limit int) ([]Resource, error) {
	if limit <= 0 {
		limit = 3
	}

	resources := pgIdent(x.schema, "resources")
	rows, err := x.pool.Query(ctx,
		`SELECT id, title FROM `+resources+`
		  WHERE title ILIKE '%' || $1 || '%'
		  ORDER BY title
		  LIMIT $2`,
		query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.Title); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
