package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the cache database at dbPath and applies the schema.
// Use ":memory:" for a throwaway cache.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(schema)
		return err
	})
}

// NewWithSetup opens the database and runs setup instead of the built-in
// schema. Useful for tests that need a specific starting state.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps
	// ":memory:" databases alive across queries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ==== SessionStore implementation ====

// GetSession returns the cached session or store.ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	query := `
		SELECT id, user_id, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`
	var sess store.Session
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&sess.ID, &sess.UserID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

// SaveSession inserts or updates the session row.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *store.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, sess.ID, sess.UserID, toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt)); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes the session together with every cached table.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	statements := []string{
		`DELETE FROM sending`,
		`DELETE FROM history`,
		`DELETE FROM room_members`,
		`DELETE FROM rooms`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe cache: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ==== RoomStore implementation ====

// SaveRoom inserts or updates a room and replaces its member list.
// History pointers are preserved.
func (s *SQLiteStore) SaveRoom(ctx context.Context, room *store.Room) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	query := `
		INSERT INTO rooms (id, type, title, own_priv, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			title = excluded.title,
			own_priv = excluded.own_priv
	`
	if _, err := tx.ExecContext(ctx, query, room.ID, string(room.Type), room.Title, int(room.OwnPriv), toMillis(room.CreatedAt)); err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ?`, room.ID); err != nil {
		return fmt.Errorf("clear room members: %w", err)
	}
	for userID, priv := range room.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id, priv) VALUES (?, ?, ?)`,
			room.ID, userID, int(priv),
		); err != nil {
			return fmt.Errorf("insert room member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	query := `
		SELECT id, type, title, own_priv, created_at
		FROM rooms
		WHERE id = ?
	`
	room, err := scanRoom(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	if err := s.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// ListRooms lists every cached room.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	query := `
		SELECT id, type, title, own_priv, created_at
		FROM rooms
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*store.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, room := range rooms {
		if err := s.loadMembers(ctx, room); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

// DeleteRoom removes a room together with its history and pending sends.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	for _, stmt := range []string{
		`DELETE FROM sending WHERE room_id = ?`,
		`DELETE FROM history WHERE room_id = ?`,
		`DELETE FROM room_members WHERE room_id = ?`,
		`DELETE FROM rooms WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete room: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*store.Room, error) {
	var room store.Room
	var roomType string
	var ownPriv int
	var createdAt int64
	if err := row.Scan(&room.ID, &roomType, &room.Title, &ownPriv, &createdAt); err != nil {
		return nil, err
	}
	room.Type = store.RoomType(roomType)
	room.OwnPriv = store.Priv(ownPriv)
	room.CreatedAt = fromMillis(createdAt)
	room.Members = make(map[string]store.Priv)
	return &room, nil
}

func (s *SQLiteStore) loadMembers(ctx context.Context, room *store.Room) error {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, priv FROM room_members WHERE room_id = ?`, room.ID)
	if err != nil {
		return fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var priv int
		if err := rows.Scan(&userID, &priv); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		room.Members[userID] = store.Priv(priv)
	}
	return rows.Err()
}

// ==== HistoryStore implementation ====

const messageColumns = `room_id, idx, msg_id, temp_id, user_id, type, content, created_at, edited_at, status, deleted, reactions`

// AddMessage stores a confirmed message at its buffer index.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *store.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("add message: unconfirmed message %s", msg.TempID)
	}
	reactions, err := encodeReactions(msg.Reactions)
	if err != nil {
		return err
	}
	query := `INSERT OR REPLACE INTO history (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		msg.RoomID, msg.Idx, msg.ID, msg.TempID, msg.UserID, int(msg.Type), msg.Content,
		toMillis(msg.CreatedAt), editedMillis(msg.EditedAt), int(msg.Status), msg.Deleted, reactions,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessage rewrites the mutable fields of a stored message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *store.Message) error {
	reactions, err := encodeReactions(msg.Reactions)
	if err != nil {
		return err
	}
	query := `
		UPDATE history
		SET content = ?, edited_at = ?, status = ?, deleted = ?, reactions = ?, type = ?
		WHERE room_id = ? AND msg_id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		msg.Content, editedMillis(msg.EditedAt), int(msg.Status), msg.Deleted, reactions, int(msg.Type),
		msg.RoomID, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, store.ErrNotFound)
	}
	return nil
}

// GetMessage looks up a stored message by its definitive id.
func (s *SQLiteStore) GetMessage(ctx context.Context, roomID, msgID string) (*store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM history WHERE room_id = ? AND msg_id = ?`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, roomID, msgID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", msgID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// FetchHistory returns up to limit messages older than beforeIdx, newest first.
func (s *SQLiteStore) FetchHistory(ctx context.Context, roomID string, beforeIdx int64, limit int) ([]*store.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM history
		WHERE room_id = ? AND idx < ?
		ORDER BY idx DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, roomID, beforeIdx, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// HistoryInfo summarises the cached history of a room.
func (s *SQLiteStore) HistoryInfo(ctx context.Context, roomID string) (store.HistoryInfo, error) {
	info := store.HistoryInfo{OldestIdx: store.IdxInvalid, NewestIdx: store.IdxInvalid}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(idx), MAX(idx), COUNT(*) FROM history WHERE room_id = ?`, roomID,
	).Scan(&oldest, &newest, &info.Count)
	if err != nil {
		return info, fmt.Errorf("query history range: %w", err)
	}
	if oldest.Valid {
		info.OldestIdx = oldest.Int64
		info.NewestIdx = newest.Int64
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT last_seen_id, last_recv_id, have_all FROM rooms WHERE id = ?`, roomID,
	).Scan(&info.LastSeenID, &info.LastReceivedID, &info.HaveAll)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("query history pointers: %w", err)
	}
	return info, nil
}

// SetLastSeen stores the last-seen pointer.
func (s *SQLiteStore) SetLastSeen(ctx context.Context, roomID, msgID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE rooms SET last_seen_id = ? WHERE id = ?`, msgID, roomID); err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// SetLastReceived stores the delivered pointer.
func (s *SQLiteStore) SetLastReceived(ctx context.Context, roomID, msgID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE rooms SET last_recv_id = ? WHERE id = ?`, msgID, roomID); err != nil {
		return fmt.Errorf("update last received: %w", err)
	}
	return nil
}

// SetHaveAllHistory records whether the oldest server message is cached.
func (s *SQLiteStore) SetHaveAllHistory(ctx context.Context, roomID string, haveAll bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE rooms SET have_all = ? WHERE id = ?`, haveAll, roomID); err != nil {
		return fmt.Errorf("update have all: %w", err)
	}
	return nil
}

// CountUnread counts messages by other users after the given index.
func (s *SQLiteStore) CountUnread(ctx context.Context, roomID, userID string, afterIdx int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM history
		WHERE room_id = ? AND idx > ? AND user_id != ? AND deleted = 0 AND type NOT IN (?, ?, ?, ?)
	`
	var n int
	err := s.db.QueryRowContext(ctx, query, roomID, afterIdx, userID,
		int(store.MessageTypeAlterParticipants), int(store.MessageTypeTruncate),
		int(store.MessageTypePrivChange), int(store.MessageTypeChatTitle),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// ClearHistory drops all cached messages and pointers of a room.
func (s *SQLiteStore) ClearHistory(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET last_seen_id = '', last_recv_id = '', have_all = 0 WHERE id = ?`, roomID,
	); err != nil {
		return fmt.Errorf("reset history pointers: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var msg store.Message
	var msgType, status int
	var createdAt int64
	var editedAt sql.NullInt64
	var reactions string
	err := row.Scan(
		&msg.RoomID, &msg.Idx, &msg.ID, &msg.TempID, &msg.UserID, &msgType, &msg.Content,
		&createdAt, &editedAt, &status, &msg.Deleted, &reactions,
	)
	if err != nil {
		return nil, err
	}
	msg.Type = store.MessageType(msgType)
	msg.Status = store.MessageStatus(status)
	msg.CreatedAt = fromMillis(createdAt)
	if editedAt.Valid && editedAt.Int64 != 0 {
		t := fromMillis(editedAt.Int64)
		msg.EditedAt = &t
	}
	if reactions != "" {
		if err := json.Unmarshal([]byte(reactions), &msg.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
	}
	return &msg, nil
}

func encodeReactions(reactions map[string][]string) (string, error) {
	if len(reactions) == 0 {
		return "", nil
	}
	data, err := json.Marshal(reactions)
	if err != nil {
		return "", fmt.Errorf("encode reactions: %w", err)
	}
	return string(data), nil
}

func editedMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// ==== SendingStore implementation ====

// AddSending stores a new pending item and sets its RowID.
func (s *SQLiteStore) AddSending(ctx context.Context, item *store.SendingItem) error {
	query := `
		INSERT INTO sending (room_id, op, temp_id, msg_id, user_id, type, content, msg_created_at, created_at, manual_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	msg := item.Msg
	result, err := s.db.ExecContext(ctx, query,
		item.RoomID, string(item.Op), msg.TempID, msg.ID, msg.UserID, int(msg.Type), msg.Content,
		toMillis(msg.CreatedAt), toMillis(item.CreatedAt), item.ManualReason,
	)
	if err != nil {
		return fmt.Errorf("insert sending item: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	item.RowID = id
	return nil
}

// UpdateSending rewrites the payload and manual flag of an item.
func (s *SQLiteStore) UpdateSending(ctx context.Context, item *store.SendingItem) error {
	query := `
		UPDATE sending
		SET op = ?, msg_id = ?, content = ?, manual_reason = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, string(item.Op), item.Msg.ID, item.Msg.Content, item.ManualReason, item.RowID); err != nil {
		return fmt.Errorf("update sending item: %w", err)
	}
	return nil
}

// DeleteSending removes an item.
func (s *SQLiteStore) DeleteSending(ctx context.Context, rowID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sending WHERE id = ?`, rowID); err != nil {
		return fmt.Errorf("delete sending item: %w", err)
	}
	return nil
}

// ListSending returns the pending items of a room in insertion order.
func (s *SQLiteStore) ListSending(ctx context.Context, roomID string) ([]*store.SendingItem, error) {
	query := `
		SELECT id, room_id, op, temp_id, msg_id, user_id, type, content, msg_created_at, created_at, manual_reason
		FROM sending
		WHERE room_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query sending: %w", err)
	}
	defer rows.Close()

	var items []*store.SendingItem
	for rows.Next() {
		var item store.SendingItem
		var msg store.Message
		var op string
		var msgType int
		var msgCreated, created int64
		if err := rows.Scan(&item.RowID, &item.RoomID, &op, &msg.TempID, &msg.ID, &msg.UserID,
			&msgType, &msg.Content, &msgCreated, &created, &item.ManualReason); err != nil {
			return nil, fmt.Errorf("scan sending item: %w", err)
		}
		item.Op = store.SendOp(op)
		msg.RoomID = item.RoomID
		msg.Type = store.MessageType(msgType)
		msg.CreatedAt = fromMillis(msgCreated)
		msg.Idx = store.IdxInvalid
		msg.Status = store.StatusSending
		if item.ManualReason != 0 {
			msg.Status = store.StatusSendingManual
			msg.ManualReason = item.ManualReason
		}
		item.CreatedAt = fromMillis(created)
		item.Msg = &msg
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)
