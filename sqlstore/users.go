package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/lpchat/store"
)

var _ store.UserStore = (*Users)(nil)

type credentials struct {
	Name     string `validate:"required,max=64,printascii"`
	Password string `validate:"required,min=4,max=72"`
}

type profileValue struct {
	Value string `validate:"max=128"`
}

// Users implements store.UserStore.
type Users struct {
	d *DB
}

func (u *Users) Find(ctx context.Context, name string) (store.User, error) {
	var (
		user     store.User
		loggedIn int
		created  int64
	)

	err := u.d.db.QueryRowContext(ctx,
		`SELECT name, password_hash, nickname, status, logged_in, created_at FROM users WHERE name = ?`, name,
	).Scan(&user.Name, &user.PasswordHash, &user.Nickname, &user.Status, &loggedIn, &created)
	if err != nil {
		return store.User{}, classify(err, fmt.Sprintf("user %q", name))
	}

	user.LoggedIn = loggedIn != 0
	user.CreatedAt = time.Unix(0, created)
	return user, nil
}

func (u *Users) Authenticate(ctx context.Context, name, password string) (store.User, error) {
	user, err := u.Find(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, store.ErrInvalidCredentials
	}

	if err != nil {
		return store.User{}, err
	}

	ok, err := checkPassword(password, user.PasswordHash)
	if err != nil {
		return store.User{}, fmt.Errorf("user %q: %w", name, err)
	}

	if !ok {
		return store.User{}, store.ErrInvalidCredentials
	}

	return user, nil
}

func (u *Users) Create(ctx context.Context, name, password string) (store.User, error) {
	if err := validate.Struct(credentials{Name: name, Password: password}); err != nil {
		return store.User{}, invalid(err)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{Name: name, PasswordHash: hash, CreatedAt: time.Unix(0, u.d.timestamp())}
	_, err = u.d.db.ExecContext(ctx,
		`INSERT INTO users (name, password_hash, created_at) VALUES (?, ?, ?)`,
		user.Name, user.PasswordHash, user.CreatedAt.UnixNano())
	if err != nil {
		return store.User{}, classify(err, fmt.Sprintf("user %q", name))
	}

	return user, nil
}

func (u *Users) UpdateProfile(ctx context.Context, name, attribute, value string) error {
	var (
		column string
		err    error
	)

	switch attribute {
	case store.AttrPassword:
		column = "password_hash"
		if err = validate.Struct(credentials{Name: name, Password: value}); err != nil {
			return invalid(err)
		}

		if value, err = hashPassword(value); err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
	case store.AttrNickname, store.AttrStatus:
		column = attribute
		if err = validate.Struct(profileValue{Value: value}); err != nil {
			return invalid(err)
		}
	default:
		return fmt.Errorf("%w: %q", store.ErrUnknownAttribute, attribute)
	}

	res, err := u.d.db.ExecContext(ctx, `UPDATE users SET `+column+` = ? WHERE name = ?`, value, name)
	return affected(res, err, fmt.Sprintf("user %q", name))
}

func (u *Users) SetLoggedIn(ctx context.Context, name string, loggedIn bool) error {
	res, err := u.d.db.ExecContext(ctx, `UPDATE users SET logged_in = ? WHERE name = ?`, loggedIn, name)
	return affected(res, err, fmt.Sprintf("user %q", name))
}

func (u *Users) Delete(ctx context.Context, name string) error {
	res, err := u.d.db.ExecContext(ctx, `DELETE FROM users WHERE name = ?`, name)
	return affected(res, err, fmt.Sprintf("user %q", name))
}

func (u *Users) Follow(ctx context.Context, follower, followee string) error {
	if follower == followee {
		return fmt.Errorf("%w: cannot follow yourself", store.ErrInvalidInput)
	}

	_, err := u.d.db.ExecContext(ctx, `INSERT INTO follows (follower, followee) VALUES (?, ?)`, follower, followee)
	if err != nil {
		return classify(err, fmt.Sprintf("follow %q", followee))
	}

	return nil
}

func (u *Users) Unfollow(ctx context.Context, follower, followee string) error {
	res, err := u.d.db.ExecContext(ctx, `DELETE FROM follows WHERE follower = ? AND followee = ?`, follower, followee)
	return affected(res, err, fmt.Sprintf("follow %q", followee))
}

func (u *Users) Followers(ctx context.Context, name string) ([]string, error) {
	return queryNames(ctx, u.d.db, `SELECT follower FROM follows WHERE followee = ? ORDER BY follower`, name)
}

func queryNames(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		names = append(names, n)
	}

	return names, rows.Err()
}
