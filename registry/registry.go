// Package registry maps bound identities to live sessions. It resolves name
// collisions, fans broadcasts out to every initialized session and lets a
// terminating session remove itself.
package registry

import (
	"fmt"
	"sort"

	"github.com/cyberinferno/lpchat/idgenerator"
	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/safemap"
	"github.com/cyberinferno/lpchat/wire"
	"github.com/samber/lo"
)

// CollisionPrefix starts every name synthesized for a colliding claim.
const CollisionPrefix = "invalid-"

// Peer is the registry's view of a session.
type Peer interface {
	// ID returns the session's process-unique id.
	ID() uint32

	// Identity returns the name bound by Register, or "" before binding.
	Identity() string

	// Initialized reports whether the peer finished its identity claim and
	// may receive broadcasts.
	Initialized() bool

	// Enqueue appends m to the peer's outbox. It must not block.
	Enqueue(m *wire.Message)
}

// Recipient is a peer that can take stored messages: it tracks whether the
// bound name is authenticated and confirms delivery once a stored message
// has actually been written out.
type Recipient interface {
	Peer

	// LoggedIn reports whether the peer authenticated as its identity.
	LoggedIn() bool

	// EnqueueStored appends m like Enqueue and marks the stored message
	// behind key as delivered after m is flushed.
	EnqueueStored(m *wire.Message, key string)
}

// Registry is the process-wide identity table. All methods are safe for
// concurrent use.
type Registry struct {
	logger     logger.Logger
	peers      *safemap.SafeMap[string, Peer]
	collisions *idgenerator.IdGenerator
}

// New returns an empty registry whose collision suffixes start at 1.
func New(log logger.Logger) *Registry {
	return &Registry{
		logger:     log,
		peers:      safemap.NewSafeMap[string, Peer](),
		collisions: idgenerator.NewIdGenerator(0),
	}
}

// Register binds peer under name, or under a synthesized name when name is
// already taken by another peer.
//
// The synthesized form is "invalid-<name>-<n>" where n comes from a
// counter shared by all collisions. If a client already holds the literal
// synthesized name, the next counter value is tried.
//
// Parameters:
//   - name: The claimed identity
//   - peer: The claiming session
//
// Returns:
//   - The name actually bound. Registering a peer under a name it already
//     holds returns that name unchanged.
func (r *Registry) Register(name string, peer Peer) string {
	candidate := name
	for {
		existing, loaded := r.peers.LoadOrStore(candidate, peer)
		if !loaded || existing.ID() == peer.ID() {
			if candidate != name {
				r.logger.Info("identity collision resolved",
					logger.Field{Key: "claimed", Value: name},
					logger.Field{Key: "bound", Value: candidate},
					logger.Field{Key: "session", Value: peer.ID()})
			}

			return candidate
		}

		candidate = fmt.Sprintf("%s%s-%d", CollisionPrefix, name, r.collisions.Next())
	}
}

// Lookup returns the peer bound to name. Matching is exact.
func (r *Registry) Lookup(name string) (Peer, bool) {
	return r.peers.Load(name)
}

// Recipient returns the peer bound to name when it is initialized, can take
// stored messages and is logged in as that account.
func (r *Registry) Recipient(name string) (Recipient, bool) {
	p, ok := r.Lookup(name)
	if !ok || !p.Initialized() {
		return nil, false
	}

	rc, ok := p.(Recipient)
	if !ok || !rc.LoggedIn() {
		return nil, false
	}

	return rc, true
}

// Deregister removes peer's binding. The entry is removed only if it still
// points at peer, so a stale session can never evict a newer one. Calling it
// for a peer that is not registered is logged and otherwise harmless.
//
// Returns:
//   - true if an entry was removed
func (r *Registry) Deregister(peer Peer) bool {
	name := peer.Identity()
	if name != "" && r.peers.CompareAndDelete(name, peer) {
		return true
	}

	r.logger.Debug("deregister of unregistered session",
		logger.Field{Key: "session", Value: peer.ID()},
		logger.Field{Key: "identity", Value: name})
	return false
}

// Broadcast enqueues m on every initialized peer that has not received this
// instance yet. It never blocks.
//
// Returns:
//   - The number of peers m was enqueued on
func (r *Registry) Broadcast(m *wire.Message) int {
	delivered := 0
	r.peers.Range(func(_ string, p Peer) bool {
		if p.Initialized() && m.MarkDelivered(p.ID()) {
			p.Enqueue(m)
			delivered++
		}

		return true
	})

	return delivered
}

// Len returns the number of bound names.
func (r *Registry) Len() int {
	return r.peers.Len()
}

// Names returns the bound names in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.peers.Range(func(name string, _ Peer) bool {
		names = append(names, name)
		return true
	})

	sort.Strings(names)
	return names
}

// Online filters names down to those currently bound to an initialized peer,
// keeping their order.
func (r *Registry) Online(names []string) []string {
	return lo.Filter(names, func(name string, _ int) bool {
		p, ok := r.Lookup(name)
		return ok && p.Initialized()
	})
}
