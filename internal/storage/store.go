package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jokeguard/internal/config"
	"jokeguard/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	LookupByDigest(ctx context.Context, digest string) (*model.CredentialRecord, error)
	CreateAPIKey(ctx context.Context, name, digest string) (model.CredentialRecord, error)
	SetKeyActive(ctx context.Context, id int64, active bool) error

	CreateJoke(ctx context.Context, text string) (model.Joke, error)
	GetJoke(ctx context.Context, id int64) (model.Joke, error)
	RandomJoke(ctx context.Context) (model.Joke, error)
	ListJokes(ctx context.Context, offset, limit int) ([]model.Joke, int, error)
	SeedJokes(ctx context.Context, texts []string) (int, error)

	SaveAlert(ctx context.Context, ev model.SecurityEvent) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// baseStore holds the SQL shared by both drivers. Queries are written with
// '?' placeholders and rebound for drivers that number their parameters.
type baseStore struct {
	db          *sql.DB
	numbered    bool
	isDuplicate func(error) bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *baseStore) q(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) LookupByDigest(ctx context.Context, digest string) (*model.CredentialRecord, error) {
	var rec model.CredentialRecord
	err := b.db.QueryRowContext(ctx,
		b.q(`SELECT id, name, key_hash, is_active, created_at FROM api_keys WHERE key_hash = ?`),
		digest,
	).Scan(&rec.ID, &rec.Name, &rec.HashedSecret, &rec.Active, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *baseStore) CreateAPIKey(ctx context.Context, name, digest string) (model.CredentialRecord, error) {
	rec := model.CredentialRecord{Name: name, HashedSecret: digest, Active: true, CreatedAt: nowUTC()}
	err := b.db.QueryRowContext(ctx,
		b.q(`INSERT INTO api_keys (key_hash, name, is_active, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		digest, name, true, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		if b.isDuplicate(err) {
			return model.CredentialRecord{}, ErrDuplicate
		}
		return model.CredentialRecord{}, err
	}
	return rec, nil
}

func (b *baseStore) SetKeyActive(ctx context.Context, id int64, active bool) error {
	res, err := b.db.ExecContext(ctx, b.q(`UPDATE api_keys SET is_active = ? WHERE id = ?`), active, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) CreateJoke(ctx context.Context, text string) (model.Joke, error) {
	j := model.Joke{Text: text, CreatedAt: nowUTC()}
	err := b.db.QueryRowContext(ctx,
		b.q(`INSERT INTO jokes (text, created_at) VALUES (?, ?) RETURNING id`),
		text, j.CreatedAt,
	).Scan(&j.ID)
	if err != nil {
		if b.isDuplicate(err) {
			return model.Joke{}, ErrDuplicate
		}
		return model.Joke{}, err
	}
	return j, nil
}

func (b *baseStore) GetJoke(ctx context.Context, id int64) (model.Joke, error) {
	return b.scanJoke(b.db.QueryRowContext(ctx, b.q(`SELECT id, text, created_at FROM jokes WHERE id = ?`), id))
}

func (b *baseStore) RandomJoke(ctx context.Context) (model.Joke, error) {
	return b.scanJoke(b.db.QueryRowContext(ctx, `SELECT id, text, created_at FROM jokes ORDER BY RANDOM() LIMIT 1`))
}

func (b *baseStore) scanJoke(row *sql.Row) (model.Joke, error) {
	var j model.Joke
	if err := row.Scan(&j.ID, &j.Text, &j.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Joke{}, ErrNotFound
		}
		return model.Joke{}, err
	}
	return j, nil
}

func (b *baseStore) ListJokes(ctx context.Context, offset, limit int) ([]model.Joke, int, error) {
	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jokes`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := b.db.QueryContext(ctx,
		b.q(`SELECT id, text, created_at FROM jokes ORDER BY id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]model.Joke, 0, limit)
	for rows.Next() {
		var j model.Joke
		if err := rows.Scan(&j.ID, &j.Text, &j.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

// SeedJokes inserts texts only when the collection is empty.
func (b *baseStore) SeedJokes(ctx context.Context, texts []string) (int, error) {
	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jokes`).Scan(&total); err != nil {
		return 0, err
	}
	if total > 0 || len(texts) == 0 {
		return 0, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, b.q(`INSERT INTO jokes (text, created_at) VALUES (?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for _, text := range texts {
		if _, err := stmt.ExecContext(ctx, text, nowUTC()); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("seed joke: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(texts), nil
}

func (b *baseStore) SaveAlert(ctx context.Context, ev model.SecurityEvent) error {
	_, err := b.db.ExecContext(ctx,
		b.q(`INSERT INTO alerts (ts, event_type, level, client_ip, request_id, message) VALUES (?, ?, ?, ?, ?, ?)`),
		ev.Timestamp.UTC(),
		string(ev.EventType),
		string(ev.Severity),
		ev.ClientIP,
		ev.RequestID,
		ev.Message,
	)
	return err
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
