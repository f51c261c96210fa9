package auth

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dreymor/dtfetch/internal/api"
)

// SQLiteStorage is the durable backend: a single-table key/value store with
// the raw 16-byte account id as key and the CBOR credential record (sealed
// when a Sealer is configured) as value. synchronous=FULL makes every
// insert and remove hit the disk before returning.
type SQLiteStorage struct {
	db     *sql.DB
	sealer *Sealer
}

func OpenSQLite(dir string, sealer *Sealer) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", filepath.Join(dir, "auths.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS auths (
		id   BLOB PRIMARY KEY,
		cred BLOB NOT NULL
	) WITHOUT ROWID`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStorage{db: db, sealer: sealer}, nil
}

func (s *SQLiteStorage) Get(id uuid.UUID) (*api.Auth, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT cred FROM auths WHERE id = ?", id[:]).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get auth: %w", err)
	}
	return s.decode(blob)
}

func (s *SQLiteStorage) GetSingle() (uuid.UUID, bool, error) {
	var key []byte
	err := s.db.QueryRow("SELECT id FROM auths LIMIT 1").Scan(&key)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("get single auth: %w", err)
	}
	id, err := uuid.FromBytes(key)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("decode auth key: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStorage) Contains(id uuid.UUID) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM auths WHERE id = ?", id[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("contains auth: %w", err)
	}
	return true, nil
}

func (s *SQLiteStorage) Insert(id uuid.UUID, cred *api.Auth) error {
	blob, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	if s.sealer != nil {
		if blob, err = s.sealer.Seal(blob); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(
		"INSERT INTO auths (id, cred) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET cred = excluded.cred",
		id[:], blob)
	if err != nil {
		return fmt.Errorf("insert auth: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Remove(id uuid.UUID) error {
	if _, err := s.db.Exec("DELETE FROM auths WHERE id = ?", id[:]); err != nil {
		return fmt.Errorf("remove auth: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) All() iter.Seq2[*api.Auth, error] {
	return func(yield func(*api.Auth, error) bool) {
		rows, err := s.db.Query("SELECT cred FROM auths")
		if err != nil {
			yield(nil, fmt.Errorf("iterate auths: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var blob []byte
			if err := rows.Scan(&blob); err != nil {
				if !yield(nil, fmt.Errorf("scan auth: %w", err)) {
					return
				}
				continue
			}
			if !yield(s.decode(blob)) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate auths: %w", err))
		}
	}
}

func (s *SQLiteStorage) decode(blob []byte) (*api.Auth, error) {
	if s.sealer != nil {
		var err error
		if blob, err = s.sealer.Open(blob); err != nil {
			return nil, err
		}
	}
	return decodeCredential(blob)
}

func (s *SQLiteStorage) Ping() error  { return s.db.PingContext(context.Background()) }
func (s *SQLiteStorage) Close() error { return s.db.Close() }
