// Package sql implements storage over PostgreSQL. All writes are guarded by
// the stored version, so concurrent service instances sharing one database
// get the same conditional-update semantics as the single-node backends.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/heroku/webauthn-rp/storage"
)

var migrations = []string{
	`create table if not exists records (
		keyspace text not null,
		key text not null,
		version bigint not null,
		value bytea not null,
		expires timestamptz,
		primary key (keyspace, key)
	);`,
	`create index if not exists records_expires_idx on records (expires);`,
}

type Storage struct {
	db *sql.DB
}

func New(ctx context.Context, db *sql.DB) (*Storage, error) {
	s := &Storage{
		db: db,
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(
		ctx,
		`create table if not exists migrations (
		idx int primary key not null,
		at timestamptz not null
		);`,
	); err != nil {
		return err
	}

	return s.execTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxIdx sql.NullInt64
		if err := tx.QueryRowContext(ctx, `select max(idx) from migrations;`).Scan(&maxIdx); err != nil {
			return err
		}

		i := 0
		if maxIdx.Valid {
			i = int(maxIdx.Int64) + 1
		}

		for ; i < len(migrations); i++ {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `insert into migrations (idx, at) values ($1, now());`, i); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Storage) Get(ctx context.Context, keyspace, key string, into interface{}) (version int64, err error) {
	var value []byte
	if err := s.db.QueryRowContext(
		ctx,
		`select version, value from records where keyspace=$1 and key=$2 and (expires is null or expires > now())`,
		keyspace, key,
	).Scan(&version, &value); err != nil {
		if err == sql.ErrNoRows {
			return 0, &errNotFound{err}
		}

		return 0, err
	}

	if err := storage.Unmarshal(value, into); err != nil {
		return 0, err
	}

	return version, nil
}

func (s *Storage) Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, nil)
}

func (s *Storage) PutWithExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires time.Time) (newVersion int64, err error) {
	return s.putWithOptionalExpiry(ctx, keyspace, key, version, obj, &expires)
}

func (s *Storage) putWithOptionalExpiry(ctx context.Context, keyspace, key string, version int64, obj interface{}, expires *time.Time) (newVersion int64, err error) {
	value, err := storage.Marshal(obj)
	if err != nil {
		return 0, err
	}

	newVersion = version + 1

	resp, err := s.db.ExecContext(
		ctx,
		`insert into records as v
		(keyspace, key, version, value, expires)
		values ($1, $2, $3, $4, $5)
		on conflict (keyspace, key)
		do update set version=excluded.version, value=excluded.value, expires=excluded.expires
		where v.version=$6 or v.expires <= now()`,
		keyspace, key, newVersion, value, expires, version,
	)
	if err != nil {
		return 0, err
	}

	rowsAffected, err := resp.RowsAffected()
	if err != nil {
		return 0, err
	} else if rowsAffected == 0 {
		return 0, &errConflict{errors.New("conflict")}
	}

	return newVersion, nil
}

func (s *Storage) List(ctx context.Context, keyspace string) (keys []string, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select key from records
		where keyspace=$1 and (expires is null or expires > now())`,
		keyspace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys = []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *Storage) Delete(ctx context.Context, keyspace, key string, version int64) error {
	resp, err := s.db.ExecContext(
		ctx,
		`delete from records where keyspace=$1 and key=$2 and version=$3`,
		keyspace, key, version,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := resp.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	// Distinguish a missing row from a version conflict.
	var curr int64
	err = s.db.QueryRowContext(
		ctx,
		`select version from records where keyspace=$1 and key=$2 and (expires is null or expires > now())`,
		keyspace, key,
	).Scan(&curr)
	if err == sql.ErrNoRows {
		return &errNotFound{errors.New("not found")}
	} else if err != nil {
		return err
	}

	return &errConflict{errors.New("conflict")}
}

func (s *Storage) execTx(ctx context.Context, f func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := f(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
