package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/lpchat/store"
)

var _ store.GroupStore = (*Groups)(nil)

type groupInput struct {
	Name        string `validate:"required,max=64,printascii"`
	Description string `validate:"max=256"`
}

// Groups implements store.GroupStore.
type Groups struct {
	d *DB
}

func (g *Groups) Find(ctx context.Context, name string) (store.Group, error) {
	var (
		group   store.Group
		created int64
	)

	err := g.d.db.QueryRowContext(ctx,
		`SELECT name, moderator, description, created_at FROM chat_groups WHERE name = ?`, name,
	).Scan(&group.Name, &group.Moderator, &group.Description, &created)
	if err != nil {
		return store.Group{}, classify(err, fmt.Sprintf("group %q", name))
	}

	group.CreatedAt = time.Unix(0, created)
	group.Members, err = queryNames(ctx, g.d.db,
		`SELECT user_name FROM group_members WHERE group_name = ? ORDER BY user_name`, name)
	if err != nil {
		return store.Group{}, fmt.Errorf("group %q members: %w", name, err)
	}

	return group, nil
}

// Create inserts the group and its moderator as first member in one
// transaction.
func (g *Groups) Create(ctx context.Context, name, moderator string) (store.Group, error) {
	if err := validate.Struct(groupInput{Name: name}); err != nil {
		return store.Group{}, invalid(err)
	}

	what := fmt.Sprintf("group %q", name)
	tx, err := g.d.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Group{}, fmt.Errorf("%s: begin: %w", what, err)
	}
	defer func() { _ = tx.Rollback() }()

	created := g.d.timestamp()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_groups (name, moderator, created_at) VALUES (?, ?, ?)`, name, moderator, created); err != nil {
		return store.Group{}, classify(err, what)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO group_members (group_name, user_name) VALUES (?, ?)`, name, moderator); err != nil {
		return store.Group{}, classify(err, what)
	}

	if err := tx.Commit(); err != nil {
		return store.Group{}, fmt.Errorf("%s: commit: %w", what, err)
	}

	return store.Group{
		Name:      name,
		Moderator: moderator,
		Members:   []string{moderator},
		CreatedAt: time.Unix(0, created),
	}, nil
}

func (g *Groups) Delete(ctx context.Context, name string) error {
	res, err := g.d.db.ExecContext(ctx, `DELETE FROM chat_groups WHERE name = ?`, name)
	return affected(res, err, fmt.Sprintf("group %q", name))
}

func (g *Groups) AddMember(ctx context.Context, group, user string) error {
	_, err := g.d.db.ExecContext(ctx,
		`INSERT INTO group_members (group_name, user_name) VALUES (?, ?)`, group, user)
	if err != nil {
		return classify(err, fmt.Sprintf("group %q member %q", group, user))
	}

	return nil
}

// RemoveMember refuses to remove the moderator; hand the group over with
// Update first.
func (g *Groups) RemoveMember(ctx context.Context, group, user string) error {
	isMod, err := g.IsModerator(ctx, group, user)
	if err != nil {
		return err
	}

	if isMod {
		return fmt.Errorf("%w: the moderator cannot leave group %q", store.ErrInvalidInput, group)
	}

	res, err := g.d.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_name = ? AND user_name = ?`, group, user)
	return affected(res, err, fmt.Sprintf("group %q member %q", group, user))
}

func (g *Groups) IsModerator(ctx context.Context, group, user string) (bool, error) {
	var moderator string
	err := g.d.db.QueryRowContext(ctx, `SELECT moderator FROM chat_groups WHERE name = ?`, group).Scan(&moderator)
	if err != nil {
		return false, classify(err, fmt.Sprintf("group %q", group))
	}

	return moderator == user, nil
}

func (g *Groups) Update(ctx context.Context, name, attribute, value string) error {
	what := fmt.Sprintf("group %q", name)

	switch attribute {
	case store.AttrDescription:
		if err := validate.Struct(groupInput{Name: name, Description: value}); err != nil {
			return invalid(err)
		}

		res, err := g.d.db.ExecContext(ctx, `UPDATE chat_groups SET description = ? WHERE name = ?`, value, name)
		return affected(res, err, what)
	case store.AttrModerator:
		if _, err := g.IsModerator(ctx, name, value); err != nil {
			return err
		}

		res, err := g.d.db.ExecContext(ctx,
			`UPDATE chat_groups SET moderator = ?
			 WHERE name = ? AND EXISTS (SELECT 1 FROM group_members WHERE group_name = ? AND user_name = ?)`,
			value, name, name, value)
		err = affected(res, err, what)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: new moderator must be a member of %q", store.ErrInvalidInput, name)
		}

		return err
	default:
		return fmt.Errorf("%w: %q", store.ErrUnknownAttribute, attribute)
	}
}
