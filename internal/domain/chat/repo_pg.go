package chat

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrations holds the schema for the Postgres repositories, applied with
// db.NewMigrator(pool, chat.Migrations, MigrationsDir).
//
//go:embed migrations/*.sql
var Migrations embed.FS

const (
	MigrationsDir = "migrations"
	DefaultSchema = "public"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type txKey struct{}

// WithTx scopes repository calls made with the returned context to tx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok && tx != nil {
		return tx
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository {
	return &doctorRepoPG{pool: pool}
}

func (r *doctorRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const doctorCols = `id, name, email, created_at`

func (r *doctorRepoPG) scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	if err := row.Scan(&d.ID, &d.Name, &d.Email, &d.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *doctorRepoPG) Upsert(ctx context.Context, d *Doctor) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chat_doctor (id, name, email)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
		RETURNING created_at`,
		d.ID, d.Name, d.Email).Scan(&d.CreatedAt)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id string) (*Doctor, error) {
	return r.scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM chat_doctor WHERE id = $1`, id))
}

func (r *doctorRepoPG) List(ctx context.Context) ([]*Doctor, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+doctorCols+` FROM chat_doctor ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := r.scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const messageCols = `id, doctor_id, session_id, sender_id, sender_role, body, type,
	file_url, file_name, mime_type, seen, edited, temp_id, created_at, updated_at`

func (r *messageRepoPG) scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.DoctorID, &m.SessionID, &m.SenderID, &m.SenderRole, &m.Body, &m.Type,
		&m.FileURL, &m.FileName, &m.MimeType, &m.Seen, &m.Edited, &m.TempID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *messageRepoPG) list(ctx context.Context, where string, args ...interface{}) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+messageCols+` FROM chat_message WHERE `+where+
		` ORDER BY created_at, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := r.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.UpdatedAt = m.CreatedAt
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO chat_message (id, doctor_id, session_id, sender_id, sender_role, body, type,
			file_url, file_name, mime_type, seen, edited, temp_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		m.ID, m.DoctorID, m.SessionID, m.SenderID, m.SenderRole, m.Body, m.Type,
		m.FileURL, m.FileName, m.MimeType, m.Seen, m.Edited, m.TempID, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r *messageRepoPG) GetByID(ctx context.Context, id string) (*Message, error) {
	return r.scanMessage(r.conn(ctx).QueryRow(ctx, `SELECT `+messageCols+` FROM chat_message WHERE id = $1`, id))
}

func (r *messageRepoPG) Update(ctx context.Context, m *Message) error {
	m.UpdatedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE chat_message SET body=$2, type=$3, file_url=$4, file_name=$5, mime_type=$6,
			seen=$7, edited=$8, updated_at=$9
		WHERE id = $1`,
		m.ID, m.Body, m.Type, m.FileURL, m.FileName, m.MimeType, m.Seen, m.Edited, m.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *messageRepoPG) Delete(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM chat_message WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *messageRepoPG) ListByDoctor(ctx context.Context, doctorID string) ([]*Message, error) {
	return r.list(ctx, `doctor_id = $1 AND session_id = ''`, doctorID)
}

func (r *messageRepoPG) ListBySession(ctx context.Context, sessionID string) ([]*Message, error) {
	return r.list(ctx, `session_id = $1`, sessionID)
}

func (r *messageRepoPG) MarkSeen(ctx context.Context, doctorID, senderRole string) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE chat_message SET seen = TRUE
		WHERE doctor_id = $1 AND session_id = '' AND sender_role = $2 AND NOT seen`,
		doctorID, senderRole)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *messageRepoPG) Unread(ctx context.Context, senderRole string) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT doctor_id, COUNT(*) FROM chat_message
		WHERE session_id = '' AND sender_role = $1 AND NOT seen
		GROUP BY doctor_id`, senderRole)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (r *messageRepoPG) Latest(ctx context.Context) (map[string]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (doctor_id) `+messageCols+` FROM chat_message
		WHERE session_id = ''
		ORDER BY doctor_id, created_at DESC, seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*Message)
	for rows.Next() {
		m, err := r.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out[m.DoctorID] = m
	}
	return out, rows.Err()
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chat_session (id, doctor_id, question)
		VALUES ($1,$2,$3)
		RETURNING created_at`,
		s.ID, s.DoctorID, s.Question).Scan(&s.CreatedAt)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, doctor_id, question, created_at FROM chat_session WHERE id = $1`, id).
		Scan(&s.ID, &s.DoctorID, &s.Question, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}
