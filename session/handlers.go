package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/registry"
	"github.com/cyberinferno/lpchat/store"
	"github.com/cyberinferno/lpchat/wire"
	"github.com/samber/lo"
)

type handler func(s *Session, ctx context.Context, m *wire.Message)

// handlers maps every client-originated kind to its protocol handling.
// Kinds missing here are answered with a NAK.
var handlers = map[wire.Kind]handler{
	wire.KindBye:             (*Session).handleBye,
	wire.KindLogin:           (*Session).handleLogin,
	wire.KindRegister:        (*Session).handleRegister,
	wire.KindBroadcast:       (*Session).handleBroadcast,
	wire.KindDirect:          (*Session).handleDirect,
	wire.KindPrivateReply:    (*Session).handlePrivateReply,
	wire.KindGroupMessage:    (*Session).handleGroupMessage,
	wire.KindCreateGroup:     (*Session).handleCreateGroup,
	wire.KindDeleteGroup:     (*Session).handleDeleteGroup,
	wire.KindAddToGroup:      (*Session).handleAddToGroup,
	wire.KindRemoveFromGroup: (*Session).handleRemoveFromGroup,
	wire.KindGroupInfo:       (*Session).handleGroupInfo,
	wire.KindUpdateGroup:     (*Session).handleUpdateGroup,
	wire.KindUpdateUser:      (*Session).handleUpdateUser,
	wire.KindDeleteUser:      (*Session).handleDeleteUser,
	wire.KindFollow:          (*Session).handleFollow,
	wire.KindUnfollow:        (*Session).handleUnfollow,
}

// anonymous kinds are accepted before login.
var anonymous = map[wire.Kind]bool{
	wire.KindBye:      true,
	wire.KindLogin:    true,
	wire.KindRegister: true,
}

const presenceTopic = "presence"

func (s *Session) dispatch(m *wire.Message) {
	h, ok := handlers[m.Kind()]
	if !ok {
		s.nak("unexpected message", m.Kind())
		return
	}

	if !anonymous[m.Kind()] && !s.LoggedIn() {
		s.nak("login required", m.Kind())
		return
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	h(s, ctx, m)
}

func (s *Session) ack(detail string, req wire.Kind) {
	s.Enqueue(wire.NewAck(detail, req))
}

func (s *Session) nak(reason string, req wire.Kind) {
	s.Enqueue(wire.NewNak(reason, req.Tag()))
}

// fail answers a store error. Domain errors are shown to the client;
// anything else is logged and reported as an internal error.
func (s *Session) fail(req wire.Kind, err error) {
	for _, known := range []error{
		store.ErrNotFound,
		store.ErrAlreadyExists,
		store.ErrInvalidCredentials,
		store.ErrInvalidInput,
		store.ErrUnknownAttribute,
	} {
		if errors.Is(err, known) {
			s.nak(err.Error(), req)
			return
		}
	}

	s.logger.Error(fmt.Sprintf("%s failed", req), logger.Field{Key: "error", Value: err})
	s.nak("internal error", req)
}

// online returns the peer for name if it is connected and authenticated as
// that account.
func (s *Session) online(name string) (registry.Recipient, bool) {
	return s.registry.Recipient(name)
}

func (s *Session) handleBye(_ context.Context, _ *wire.Message) {
	s.Enqueue(wire.NewBye(s.Identity()))
	s.stop("client said bye")
}

func (s *Session) handleLogin(ctx context.Context, m *wire.Message) {
	if s.LoggedIn() {
		s.nak("already logged in", m.Kind())
		return
	}

	if _, err := s.svc.Users.Authenticate(ctx, s.Identity(), m.Payload()); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	if err := s.svc.Users.SetLoggedIn(ctx, s.Identity(), true); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.loggedIn.Store(true)
	s.logger.Info("logged in")
	s.ack("logged in", m.Kind())
	s.deliverPending(ctx)
	s.notifyFollowers(ctx, "online")
}

func (s *Session) handleRegister(ctx context.Context, m *wire.Message) {
	switch {
	case s.LoggedIn():
		s.nak("already logged in", m.Kind())
		return
	case m.Payload() != m.Aux():
		s.nak("passwords do not match", m.Kind())
		return
	case strings.HasPrefix(s.Identity(), registry.CollisionPrefix):
		s.nak("name is reserved", m.Kind())
		return
	}

	if _, err := s.svc.Users.Create(ctx, s.Identity(), m.Payload()); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	if err := s.svc.Users.SetLoggedIn(ctx, s.Identity(), true); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.loggedIn.Store(true)
	s.logger.Info("registered")
	s.ack("registered", m.Kind())
}

func (s *Session) handleBroadcast(_ context.Context, m *wire.Message) {
	n := s.registry.Broadcast(m)
	s.logger.Debug("broadcast", logger.Field{Key: "recipients", Value: n})
}

func (s *Session) handleDirect(ctx context.Context, m *wire.Message) {
	recipient := m.Aux()
	if recipient == "" {
		s.nak("missing recipient", m.Kind())
		return
	}

	if _, err := s.svc.Users.Find(ctx, recipient); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	key, err := s.deliver(ctx, m, store.StoredMessage{Recipient: recipient})
	if err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.ack(key, m.Kind())
}

func (s *Session) handlePrivateReply(ctx context.Context, m *wire.Message) {
	if m.Aux() == "" {
		s.nak("missing correlation key", m.Kind())
		return
	}

	recipient, err := s.svc.Messages.ResolveSender(ctx, m.Aux())
	if err != nil {
		s.fail(m.Kind(), err)
		return
	}

	key, err := s.deliver(ctx, m, store.StoredMessage{Recipient: recipient})
	if err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.ack(key, m.Kind())
}

func (s *Session) handleGroupMessage(ctx context.Context, m *wire.Message) {
	g, err := s.svc.Groups.Find(ctx, m.Aux())
	if err != nil {
		s.fail(m.Kind(), err)
		return
	}

	if !g.HasMember(s.Identity()) {
		s.nak("not a member", m.Kind())
		return
	}

	for _, member := range lo.Without(g.Members, s.Identity()) {
		if _, err := s.deliver(ctx, m, store.StoredMessage{Recipient: member, Group: g.Name}); err != nil {
			s.fail(m.Kind(), err)
			return
		}
	}

	s.ack(g.Name, m.Kind())
}

// deliver persists m for target.Recipient and, when the recipient is
// online, enqueues a copy whose payload is prefixed with the correlation
// key. The message stays undelivered until that copy is flushed; otherwise
// the recipient gets it at the next login.
func (s *Session) deliver(ctx context.Context, m *wire.Message, target store.StoredMessage) (string, error) {
	target.Kind = m.Kind().Tag()
	target.Sender = s.Identity()
	target.Aux = m.Aux()
	target.Text = m.Payload()
	target.Delivered = false

	key, err := s.svc.Messages.Save(ctx, target)
	if err != nil {
		return "", err
	}

	if peer, ok := s.online(target.Recipient); ok {
		peer.EnqueueStored(m.WithPayload(key+" "+m.Payload()), key)
	}

	return key, nil
}

// deliverPending hands queued messages to a session that just logged in.
func (s *Session) deliverPending(ctx context.Context) {
	pending, err := s.svc.Messages.Undelivered(ctx, s.Identity())
	if err != nil {
		s.logger.Warn("load undelivered messages", logger.Field{Key: "error", Value: err})
		return
	}

	for _, sm := range pending {
		kind, ok := wire.KindForTag(sm.Kind)
		if !ok {
			kind = wire.KindDirect
		}

		s.EnqueueStored(wire.New(kind, sm.Sender, sm.Key+" "+sm.Text, sm.Aux), sm.Key)
	}
}

// notifyFollowers tells every online follower that this user went online
// or offline.
func (s *Session) notifyFollowers(ctx context.Context, presence string) {
	followers, err := s.svc.Users.Followers(ctx, s.Identity())
	if err != nil {
		s.logger.Warn("load followers", logger.Field{Key: "error", Value: err})
		return
	}

	notice := wire.NewNotice(s.Identity()+" is "+presence, presenceTopic)
	for _, name := range followers {
		if p, ok := s.online(name); ok {
			p.Enqueue(notice)
		}
	}
}

func (s *Session) handleCreateGroup(ctx context.Context, m *wire.Message) {
	if _, err := s.svc.Groups.Create(ctx, m.Payload(), s.Identity()); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.ack(m.Payload(), m.Kind())
}

// requireModerator NAKs and returns false unless the caller moderates group.
func (s *Session) requireModerator(ctx context.Context, req wire.Kind, group string) bool {
	isMod, err := s.svc.Groups.IsModerator(ctx, group, s.Identity())
	if err != nil {
		s.fail(req, err)
		return false
	}

	if !isMod {
		s.nak("only the moderator can do that", req)
		return false
	}

	return true
}

func (s *Session) handleDeleteGroup(ctx context.Context, m *wire.Message) {
	if !s.requireModerator(ctx, m.Kind(), m.Payload()) {
		return
	}

	if err := s.svc.Groups.Delete(ctx, m.Payload()); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.ack(m.Payload(), m.Kind())
}

func (s *Session) handleAddToGroup(ctx context.Context, m *wire.Message) {
	group, user := m.Payload(), m.Aux()
	if !s.requireModerator(ctx, m.Kind(), group) {
		return
	}

	if err := s.svc.Groups.AddMember(ctx, group, user); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	if p, ok := s.online(user); ok {
		p.Enqueue(wire.NewNotice(s.Identity()+" added you to "+group, group))
	}

	s.ack(user, m.Kind())
}

func (s *Session) handleRemoveFromGroup(ctx context.Context, m *wire.Message) {
	group, user := m.Payload(), m.Aux()
	if user != s.Identity() && !s.requireModerator(ctx, m.Kind(), group) {
		return
	}

	if err := s.svc.Groups.RemoveMember(ctx, group, user); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.ack(user, m.Kind())
}

func (s *Session) handleGroupInfo(ctx context.Context, m *wire.Message) {
	g, err := s.svc.Groups.Find(ctx, m.Payload())
	if err != nil {
		s.fail(m.Kind(), err)
		return
	}

	info := fmt.Sprintf("%s moderator=%s members=%s online=%s",
		g.Name, g.Moderator,
		strings.Join(g.Members, ","),
		strings.Join(s.registry.Online(g.Members), ","))
	if g.Description != "" {
		info += " description=" + g.Description
	}

	s.ack(info, m.Kind())
}

func (s *Session) handleUpdateGroup(ctx context.Context, m *wire.Message) {
	attribute, value, ok := strings.Cut(m.Aux(), "=")
	if !ok || attribute == "" {
		s.nak("expected attribute=value", m.Kind())
		return
	}

	if !s.requireModerator(ctx, m.Kind(), m.Payload()) {
		return
	}

	if err := s.svc.Groups.Update(ctx, m.Payload(), attribute, value); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.ack(attribute, m.Kind())
}

func (s *Session) handleUpdateUser(ctx context.Context, m *wire.Message) {
	if err := s.svc.Users.UpdateProfile(ctx, s.Identity(), m.Payload(), m.Aux()); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.ack(m.Payload(), m.Kind())
}

func (s *Session) handleDeleteUser(ctx context.Context, m *wire.Message) {
	if err := s.svc.Users.Delete(ctx, s.Identity()); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.loggedIn.Store(false)
	s.ack("account deleted", m.Kind())
	s.stop("account deleted")
}

func (s *Session) handleFollow(ctx context.Context, m *wire.Message) {
	s.changeFollow(ctx, m, s.svc.Users.Follow)
}

func (s *Session) handleUnfollow(ctx context.Context, m *wire.Message) {
	s.changeFollow(ctx, m, s.svc.Users.Unfollow)
}

func (s *Session) changeFollow(ctx context.Context, m *wire.Message, apply func(ctx context.Context, follower, followee string) error) {
	target := m.Aux()
	switch {
	case target == "":
		s.nak("missing user", m.Kind())
		return
	case target == s.Identity():
		s.nak("cannot follow yourself", m.Kind())
		return
	}

	if err := apply(ctx, s.Identity(), target); err != nil {
		s.fail(m.Kind(), err)
		return
	}

	s.ack(target, m.Kind())
}
