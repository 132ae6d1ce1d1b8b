// Package mocks provides testify mocks of the store interfaces.
package mocks

import (
	"context"

	"github.com/cyberinferno/lpchat/store"
	"github.com/stretchr/testify/mock"
)

var (
	_ store.UserStore    = (*UserStore)(nil)
	_ store.GroupStore   = (*GroupStore)(nil)
	_ store.MessageStore = (*MessageStore)(nil)
)

type UserStore struct {
	mock.Mock
}

func (m *UserStore) Find(ctx context.Context, name string) (store.User, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(store.User), args.Error(1)
}

func (m *UserStore) Authenticate(ctx context.Context, name, password string) (store.User, error) {
	args := m.Called(ctx, name, password)
	return args.Get(0).(store.User), args.Error(1)
}

func (m *UserStore) Create(ctx context.Context, name, password string) (store.User, error) {
	args := m.Called(ctx, name, password)
	return args.Get(0).(store.User), args.Error(1)
}

func (m *UserStore) UpdateProfile(ctx context.Context, name, attribute, value string) error {
	return m.Called(ctx, name, attribute, value).Error(0)
}

func (m *UserStore) SetLoggedIn(ctx context.Context, name string, loggedIn bool) error {
	return m.Called(ctx, name, loggedIn).Error(0)
}

func (m *UserStore) Delete(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *UserStore) Follow(ctx context.Context, follower, followee string) error {
	return m.Called(ctx, follower, followee).Error(0)
}

func (m *UserStore) Unfollow(ctx context.Context, follower, followee string) error {
	return m.Called(ctx, follower, followee).Error(0)
}

func (m *UserStore) Followers(ctx context.Context, name string) ([]string, error) {
	args := m.Called(ctx, name)
	followers, _ := args.Get(0).([]string)
	return followers, args.Error(1)
}

type GroupStore struct {
	mock.Mock
}

func (m *GroupStore) Find(ctx context.Context, name string) (store.Group, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(store.Group), args.Error(1)
}

func (m *GroupStore) Create(ctx context.Context, name, moderator string) (store.Group, error) {
	args := m.Called(ctx, name, moderator)
	return args.Get(0).(store.Group), args.Error(1)
}

func (m *GroupStore) Delete(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *GroupStore) AddMember(ctx context.Context, group, user string) error {
	return m.Called(ctx, group, user).Error(0)
}

func (m *GroupStore) RemoveMember(ctx context.Context, group, user string) error {
	return m.Called(ctx, group, user).Error(0)
}

func (m *GroupStore) IsModerator(ctx context.Context, group, user string) (bool, error) {
	args := m.Called(ctx, group, user)
	return args.Bool(0), args.Error(1)
}

func (m *GroupStore) Update(ctx context.Context, name, attribute, value string) error {
	return m.Called(ctx, name, attribute, value).Error(0)
}

type MessageStore struct {
	mock.Mock
}

func (m *MessageStore) Save(ctx context.Context, msg store.StoredMessage) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *MessageStore) MarkDelivered(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MessageStore) ResolveSender(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MessageStore) Undelivered(ctx context.Context, recipient string) ([]store.StoredMessage, error) {
	args := m.Called(ctx, recipient)
	msgs, _ := args.Get(0).([]store.StoredMessage)
	return msgs, args.Error(1)
}
