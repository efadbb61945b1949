package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("user not found")

// Directory resolves account details from the users table.
type Directory struct {
	db *sqlx.DB
}

func Open(dsn string) (*Directory, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open user directory: %w", err)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) GetUsername(ctx context.Context, userID int64) (string, error) {
	var username string
	err := d.db.GetContext(ctx, &username, `SELECT username FROM "user" WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get username for user %d: %w", userID, err)
	}
	return username, nil
}

func (d *Directory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Directory) Close() error {
	return d.db.Close()
}
