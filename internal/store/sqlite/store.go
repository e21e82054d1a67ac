// Package sqlite implements the durable store on SQLite through a fixed-size
// connection pool. Uniqueness invariants (one pending request per pair, one
// group per name, one direct room per pair) are enforced by partial unique
// indexes so they hold even when two writers race.
package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Tyrowin/chatcanvas/internal/store"
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory
	// database with a single connection.
	Path string

	// PoolSize defaults to max(NumCPU, 4) when zero or negative.
	PoolSize int

	Logger *zap.Logger
}

// Store is the SQLite-backed store.Store.
type Store struct {
	pool *pool
	log  *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open creates the pool. The schema is applied lazily to each connection.
func Open(cfg Config) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("store")
	p, err := openPool(cfg.Path, cfg.PoolSize, log)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, log: log}, nil
}

// Close closes the pool, blocking until borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.close()
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func isUnique(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, u store.User) (store.User, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return store.User{}, err
	}
	defer s.pool.put(conn)

	u.ID = newID(u.ID)
	err = sqlitex.Execute(conn, "INSERT INTO users (id, name) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{u.ID, u.Name},
	})
	if err != nil {
		if isUnique(err) {
			return store.User{}, fmt.Errorf("create user %q: %w", u.Name, store.ErrDuplicate)
		}
		return store.User{}, fmt.Errorf("create user %q: %w", u.Name, err)
	}
	return u, nil
}

func (s *Store) findUser(ctx context.Context, column, value string) (store.User, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return store.User{}, err
	}
	defer s.pool.put(conn)

	var u store.User
	found := false
	err = sqlitex.Execute(conn, "SELECT id, name FROM users WHERE "+column+" = ?", &sqlitex.ExecOptions{
		Args: []any{value},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			u = store.User{ID: stmt.ColumnText(0), Name: stmt.ColumnText(1)}
			found = true
			return nil
		},
	})
	if err != nil {
		return store.User{}, fmt.Errorf("find user by %s: %w", column, err)
	}
	if !found {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (store.User, error) {
	return s.findUser(ctx, "id", id)
}

func (s *Store) FindUserByName(ctx context.Context, name string) (store.User, error) {
	return s.findUser(ctx, "name", name)
}

func (s *Store) FindUsersByNames(ctx context.Context, names []string) ([]store.User, error) {
	if len(names) == 0 {
		return nil, nil
	}
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	var users []store.User
	err = sqlitex.Execute(conn, "SELECT id, name FROM users WHERE name IN ("+placeholders+") ORDER BY name", &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			users = append(users, store.User{ID: stmt.ColumnText(0), Name: stmt.ColumnText(1)})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("find users by names: %w", err)
	}
	return users, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var users []store.User
	err = sqlitex.Execute(conn, "SELECT id, name FROM users ORDER BY name", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			users = append(users, store.User{ID: stmt.ColumnText(0), Name: stmt.ColumnText(1)})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// --- rooms ---

func (s *Store) CreateRoom(ctx context.Context, r store.Room) (_ store.Room, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return store.Room{}, err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return store.Room{}, fmt.Errorf("create room: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	r.ID = newID(r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt

	var name, pair any
	switch r.Kind {
	case store.RoomGroup:
		name = r.Name
	case store.RoomDirect:
		if len(r.Members) != 2 {
			return store.Room{}, fmt.Errorf("create room: direct room needs exactly two members, got %d", len(r.Members))
		}
		pair = pairKey(r.Members[0], r.Members[1])
	default:
		return store.Room{}, fmt.Errorf("create room: unknown kind %q", r.Kind)
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO rooms (id, kind, name, pair_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{r.ID, string(r.Kind), name, pair, nanos(r.CreatedAt), nanos(r.UpdatedAt)}})
	if err != nil {
		if isUnique(err) {
			return store.Room{}, fmt.Errorf("create %s room: %w", r.Kind, store.ErrDuplicate)
		}
		return store.Room{}, fmt.Errorf("create room: %w", err)
	}
	for i, member := range r.Members {
		err = sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO room_members (room_id, user_id, position) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{r.ID, member, i}})
		if err != nil {
			return store.Room{}, fmt.Errorf("create room: add member: %w", err)
		}
	}
	return r, nil
}

const roomColumns = "id, kind, COALESCE(name, ''), COALESCE(last_message_id, ''), created_at, updated_at"

func scanRoom(stmt *sqlite.Stmt) store.Room {
	return store.Room{
		ID:            stmt.ColumnText(0),
		Kind:          store.RoomKind(stmt.ColumnText(1)),
		Name:          stmt.ColumnText(2),
		LastMessageID: stmt.ColumnText(3),
		CreatedAt:     fromNanos(stmt.ColumnInt64(4)),
		UpdatedAt:     fromNanos(stmt.ColumnInt64(5)),
	}
}

func (s *Store) queryRooms(conn *sqlite.Conn, query string, args ...any) ([]store.Room, error) {
	var rooms []store.Room
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rooms = append(rooms, scanRoom(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		members, err := loadMembers(conn, rooms[i].ID)
		if err != nil {
			return nil, err
		}
		rooms[i].Members = members
	}
	return rooms, nil
}

func loadMembers(conn *sqlite.Conn, roomID string) ([]string, error) {
	var members []string
	err := sqlitex.Execute(conn, "SELECT user_id FROM room_members WHERE room_id = ? ORDER BY position", &sqlitex.ExecOptions{
		Args: []any{roomID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			members = append(members, stmt.ColumnText(0))
			return nil
		},
	})
	return members, err
}

func (s *Store) findOneRoom(ctx context.Context, what, query string, args ...any) (store.Room, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return store.Room{}, err
	}
	defer s.pool.put(conn)

	rooms, err := s.queryRooms(conn, query, args...)
	if err != nil {
		return store.Room{}, fmt.Errorf("find %s: %w", what, err)
	}
	if len(rooms) == 0 {
		return store.Room{}, store.ErrNotFound
	}
	return rooms[0], nil
}

func (s *Store) FindRoom(ctx context.Context, id string) (store.Room, error) {
	return s.findOneRoom(ctx, "room", "SELECT "+roomColumns+" FROM rooms WHERE id = ?", id)
}

func (s *Store) FindGroupByName(ctx context.Context, name string) (store.Room, error) {
	return s.findOneRoom(ctx, "group", "SELECT "+roomColumns+" FROM rooms WHERE kind = 'group' AND name = ?", name)
}

func (s *Store) FindDirectRoom(ctx context.Context, a, b string) (store.Room, error) {
	return s.findOneRoom(ctx, "direct room", "SELECT "+roomColumns+" FROM rooms WHERE kind = 'direct' AND pair_key = ?", pairKey(a, b))
}

func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]store.Room, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	rooms, err := s.queryRooms(conn,
		"SELECT "+roomColumns+" FROM rooms WHERE id IN (SELECT room_id FROM room_members WHERE user_id = ?) ORDER BY updated_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms for user: %w", err)
	}
	return rooms, nil
}

func (s *Store) SetLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, "UPDATE rooms SET last_message_id = ?, updated_at = ? WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{messageID, nanos(at), roomID},
	})
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	if conn.Changes() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- messages ---

func (s *Store) CreateMessage(ctx context.Context, m store.Message) (_ store.Message, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return store.Message{}, err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return store.Message{}, fmt.Errorf("create message: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	m.ID = newID(m.ID)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Kind == "" {
		m.Kind = store.MessageText
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO messages (id, room_id, sender_id, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{m.ID, m.RoomID, m.SenderID, string(m.Kind), m.Content, nanos(m.CreatedAt)}})
	if err != nil {
		return store.Message{}, fmt.Errorf("create message: %w", err)
	}
	for _, reader := range m.ReadBy {
		err = sqlitex.Execute(conn, "INSERT OR IGNORE INTO message_reads (message_id, user_id) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{m.ID, reader}})
		if err != nil {
			return store.Message{}, fmt.Errorf("create message: read set: %w", err)
		}
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID string) ([]store.Message, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var messages []store.Message
	index := make(map[string]int)
	err = sqlitex.Execute(conn,
		`SELECT m.id, m.room_id, m.sender_id, COALESCE(u.name, ''), m.kind, m.content, m.created_at
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ? ORDER BY m.created_at, m.rowid`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				index[stmt.ColumnText(0)] = len(messages)
				messages = append(messages, store.Message{
					ID:         stmt.ColumnText(0),
					RoomID:     stmt.ColumnText(1),
					SenderID:   stmt.ColumnText(2),
					SenderName: stmt.ColumnText(3),
					Kind:       store.MessageKind(stmt.ColumnText(4)),
					Content:    stmt.ColumnText(5),
					CreatedAt:  fromNanos(stmt.ColumnInt64(6)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	err = sqlitex.Execute(conn,
		`SELECT r.message_id, r.user_id FROM message_reads r
		JOIN messages m ON m.id = r.message_id WHERE m.room_id = ? ORDER BY r.rowid`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if i, ok := index[stmt.ColumnText(0)]; ok {
					messages[i].ReadBy = append(messages[i].ReadBy, stmt.ColumnText(1))
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("list message reads: %w", err)
	}
	return messages, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, roomID, userID string) (int, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO message_reads (message_id, user_id) SELECT id, ? FROM messages WHERE room_id = ?",
		&sqlitex.ExecOptions{Args: []any{userID, roomID}})
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return conn.Changes(), nil
}

// --- requests ---

const requestColumns = "id, sender_id, receiver_id, status, created_at, updated_at"

func scanRequest(stmt *sqlite.Stmt) store.Request {
	return store.Request{
		ID:         stmt.ColumnText(0),
		SenderID:   stmt.ColumnText(1),
		ReceiverID: stmt.ColumnText(2),
		Status:     store.RequestStatus(stmt.ColumnText(3)),
		CreatedAt:  fromNanos(stmt.ColumnInt64(4)),
		UpdatedAt:  fromNanos(stmt.ColumnInt64(5)),
	}
}

func (s *Store) CreateRequest(ctx context.Context, r store.Request) (store.Request, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return store.Request{}, err
	}
	defer s.pool.put(conn)

	r.ID = newID(r.ID)
	if r.Status == "" {
		r.Status = store.RequestPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	err = sqlitex.Execute(conn,
		"INSERT INTO requests (id, sender_id, receiver_id, pair_key, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{
			r.ID, r.SenderID, r.ReceiverID, pairKey(r.SenderID, r.ReceiverID),
			string(r.Status), nanos(r.CreatedAt), nanos(r.UpdatedAt),
		}})
	if err != nil {
		if isUnique(err) {
			return store.Request{}, fmt.Errorf("create request: %w", store.ErrDuplicate)
		}
		return store.Request{}, fmt.Errorf("create request: %w", err)
	}
	return r, nil
}

func (s *Store) queryRequests(ctx context.Context, what, query string, args ...any) ([]store.Request, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var requests []store.Request
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			requests = append(requests, scanRequest(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return requests, nil
}

func (s *Store) FindRequest(ctx context.Context, id string) (store.Request, error) {
	requests, err := s.queryRequests(ctx, "find request", "SELECT "+requestColumns+" FROM requests WHERE id = ?", id)
	if err != nil {
		return store.Request{}, err
	}
	if len(requests) == 0 {
		return store.Request{}, store.ErrNotFound
	}
	return requests[0], nil
}

func (s *Store) FindRequestBetween(ctx context.Context, a, b string) (store.Request, error) {
	requests, err := s.queryRequests(ctx, "find request between",
		"SELECT "+requestColumns+" FROM requests WHERE pair_key = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
		pairKey(a, b))
	if err != nil {
		return store.Request{}, err
	}
	if len(requests) == 0 {
		return store.Request{}, store.ErrNotFound
	}
	return requests[0], nil
}

func (s *Store) ListPendingRequests(ctx context.Context, userID string) ([]store.Request, error) {
	return s.queryRequests(ctx, "list pending requests",
		"SELECT "+requestColumns+" FROM requests WHERE status = 'pending' AND (sender_id = ? OR receiver_id = ?) ORDER BY created_at",
		userID, userID)
}

func (s *Store) TransitionRequest(ctx context.Context, id string, from, to store.RequestStatus, at time.Time) (store.Request, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return store.Request{}, err
	}
	defer s.pool.put(conn)

	var updated store.Request
	found := false
	err = sqlitex.Execute(conn,
		"UPDATE requests SET status = ?, updated_at = ? WHERE id = ? AND status = ? RETURNING "+requestColumns,
		&sqlitex.ExecOptions{
			Args: []any{string(to), nanos(at), id, string(from)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				updated = scanRequest(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return store.Request{}, fmt.Errorf("transition request %s -> %s: %w", from, to, err)
	}
	if !found {
		return store.Request{}, store.ErrNotFound
	}
	return updated, nil
}

// --- notifications ---

func (s *Store) CreateNotification(ctx context.Context, n store.Notification) (store.Notification, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return store.Notification{}, err
	}
	defer s.pool.put(conn)

	n.ID = newID(n.ID)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	read := 0
	if n.IsRead {
		read = 1
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO notifications (id, recipient_id, kind, message, is_read, ref_kind, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			n.ID, n.RecipientID, n.Kind, n.Message, read, string(n.RefKind), n.RefID, nanos(n.CreatedAt),
		}})
	if err != nil {
		if isUnique(err) {
			return store.Notification{}, fmt.Errorf("create notification: %w", store.ErrDuplicate)
		}
		return store.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	return n, nil
}

func (s *Store) ListNotifications(ctx context.Context, recipientID string) ([]store.Notification, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var list []store.Notification
	err = sqlitex.Execute(conn,
		`SELECT id, recipient_id, kind, message, is_read, ref_kind, ref_id, created_at
		FROM notifications WHERE recipient_id = ? ORDER BY created_at DESC, rowid DESC`,
		&sqlitex.ExecOptions{
			Args: []any{recipientID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				list = append(list, store.Notification{
					ID:          stmt.ColumnText(0),
					RecipientID: stmt.ColumnText(1),
					Kind:        stmt.ColumnText(2),
					Message:     stmt.ColumnText(3),
					IsRead:      stmt.ColumnInt(4) != 0,
					RefKind:     store.RefKind(stmt.ColumnText(5)),
					RefID:       stmt.ColumnText(6),
					CreatedAt:   fromNanos(stmt.ColumnInt64(7)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return list, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	var matched bool
	err = sqlitex.Execute(conn,
		"UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient_id = ? RETURNING id",
		&sqlitex.ExecOptions{
			Args: []any{id, recipientID},
			ResultFunc: func(*sqlite.Stmt) error {
				matched = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !matched {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountUnread(ctx context.Context, recipientID string) (int, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0", &sqlitex.ExecOptions{
		Args: []any{recipientID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
