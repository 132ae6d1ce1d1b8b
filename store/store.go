// Package store defines the persistence collaborators of the chat server:
// accounts and follows, groups and their members, and stored messages with
// their correlation keys. Implementations live in sqlstore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnknownAttribute   = errors.New("unknown attribute")
)

// Profile attributes accepted by UserStore.UpdateProfile.
const (
	AttrPassword = "password"
	AttrNickname = "nickname"
	AttrStatus   = "status"
)

// Group attributes accepted by GroupStore.Update.
const (
	AttrDescription = "description"
	AttrModerator   = "moderator"
)

// User is a registered account.
type User struct {
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Nickname     string    `json:"nickname,omitempty"`
	Status       string    `json:"status,omitempty"`
	LoggedIn     bool      `json:"logged_in"`
	CreatedAt    time.Time `json:"created_at"`
}

// Group is a named set of users with one moderator.
type Group struct {
	Name        string
	Moderator   string
	Description string
	Members     []string
	CreatedAt   time.Time
}

// HasMember reports whether name belongs to the group.
func (g Group) HasMember(name string) bool {
	return lo.Contains(g.Members, name)
}

// StoredMessage is a persisted direct, reply or group message. Key is the
// correlation key assigned by MessageStore.Save. Exactly one of Recipient and
// Group is usually set.
type StoredMessage struct {
	Key       string
	Kind      string
	Sender    string
	Recipient string
	Group     string
	Aux       string
	Text      string
	Delivered bool
	CreatedAt time.Time
}

// UserStore manages accounts, login flags and follow relations.
type UserStore interface {
	// Find returns the account named name, or ErrNotFound.
	Find(ctx context.Context, name string) (User, error)

	// Authenticate checks password against the stored hash.
	//
	// Returns:
	//   - The account on success
	//   - ErrInvalidCredentials for a wrong password or an unknown name
	Authenticate(ctx context.Context, name, password string) (User, error)

	// Create registers a new account. ErrAlreadyExists if the name is taken,
	// ErrInvalidInput if the name or password is unacceptable.
	Create(ctx context.Context, name, password string) (User, error)

	// UpdateProfile sets one of the Attr* profile attributes.
	// ErrUnknownAttribute for anything else.
	UpdateProfile(ctx context.Context, name, attribute, value string) error

	// SetLoggedIn records whether the account has a live authenticated
	// session.
	SetLoggedIn(ctx context.Context, name string, loggedIn bool) error

	// Delete removes the account together with its follows and memberships.
	Delete(ctx context.Context, name string) error

	// Follow makes follower receive presence notices about followee.
	Follow(ctx context.Context, follower, followee string) error

	// Unfollow removes a follow relation. ErrNotFound if there was none.
	Unfollow(ctx context.Context, follower, followee string) error

	// Followers lists the accounts following name, sorted.
	Followers(ctx context.Context, name string) ([]string, error)
}

// GroupStore manages groups and memberships. The moderator is always a
// member of their group.
type GroupStore interface {
	Find(ctx context.Context, name string) (Group, error)
	Create(ctx context.Context, name, moderator string) (Group, error)
	Delete(ctx context.Context, name string) error
	AddMember(ctx context.Context, group, user string) error
	RemoveMember(ctx context.Context, group, user string) error
	IsModerator(ctx context.Context, group, user string) (bool, error)

	// Update sets AttrDescription or AttrModerator. A new moderator must
	// already be a member.
	Update(ctx context.Context, name, attribute, value string) error
}

// MessageStore persists messages and resolves correlation keys.
type MessageStore interface {
	// Save stores m and returns the correlation key assigned to it. m.Key
	// is ignored.
	Save(ctx context.Context, m StoredMessage) (string, error)

	// MarkDelivered flags the message as handed to its recipient.
	MarkDelivered(ctx context.Context, key string) error

	// ResolveSender returns the sender of the message stored under key.
	ResolveSender(ctx context.Context, key string) (string, error)

	// Undelivered returns the messages still waiting for recipient, oldest
	// first.
	Undelivered(ctx context.Context, recipient string) ([]StoredMessage, error)
}
