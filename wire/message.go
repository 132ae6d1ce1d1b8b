// Package wire implements the chat protocol's message value and its
// length-prefixed text encoding.
//
// A frame looks like
//
//	<TAG> <len> <sender|--> <len> <payload|--> <len> <aux|-->
//
// where every value is preceded by its byte length, so values may contain
// spaces or newlines without escaping. An absent value is written as the
// two-byte placeholder "--".
package wire

import (
	"fmt"

	"github.com/cyberinferno/lpchat/safeset"
)

// Message is an immutable protocol message. It is always handled by
// pointer: the recipients set is tied to the instance so that one message
// fanned out to many sessions reaches each of them at most once.
//
// The meaning of payload and aux depends on the kind. An empty string means
// the field is absent.
type Message struct {
	kind    Kind
	sender  string
	payload string
	aux     string

	recipients *safeset.SafeSet[uint32]
}

// New builds a message of the given kind.
func New(kind Kind, sender, payload, aux string) *Message {
	return &Message{
		kind:       kind,
		sender:     sender,
		payload:    payload,
		aux:        aux,
		recipients: safeset.NewSafeSet[uint32](),
	}
}

// NewHello builds an identity claim.
func NewHello(name string) *Message { return New(KindHello, name, "", "") }

// NewBye builds a disconnect request or acknowledgement.
func NewBye(sender string) *Message { return New(KindBye, sender, "", "") }

// NewBroadcast builds a message for every connected user.
func NewBroadcast(sender, text string) *Message { return New(KindBroadcast, sender, text, "") }

// NewLogin builds a login request.
func NewLogin(user, password string) *Message { return New(KindLogin, user, password, "") }

// NewRegister builds a registration request.
func NewRegister(user, password, confirm string) *Message {
	return New(KindRegister, user, password, confirm)
}

// NewDirect builds a direct message from sender to recipient.
func NewDirect(sender, text, recipient string) *Message {
	return New(KindDirect, sender, text, recipient)
}

// NewPrivateReply builds a reply to the message identified by key.
func NewPrivateReply(sender, text, key string) *Message {
	return New(KindPrivateReply, sender, text, key)
}

// NewGroupMessage builds a message for every member of group.
func NewGroupMessage(sender, text, group string) *Message {
	return New(KindGroupMessage, sender, text, group)
}

// NewAck acknowledges a request of kind req.
func NewAck(detail string, req Kind) *Message { return New(KindAck, "", detail, req.Tag()) }

// NewNak rejects a request. reqTag is free-form so that frames with an
// unknown tag can be answered too.
func NewNak(reason, reqTag string) *Message { return New(KindNak, "", reason, reqTag) }

// NewNotice builds an unsolicited server notice.
func NewNotice(text, topic string) *Message { return New(KindNotice, "", text, topic) }

// Kind returns the message kind.
func (m *Message) Kind() Kind { return m.kind }

// Sender returns the originating username, or "" if absent.
func (m *Message) Sender() string { return m.sender }

// Payload returns the first overloaded value (text, password, group...).
func (m *Message) Payload() string { return m.payload }

// Aux returns the second overloaded value (destination, confirmation...).
func (m *Message) Aux() string { return m.aux }

// WithPayload returns a copy of m whose payload is replaced by text. Kind,
// sender and aux are kept. The copy is a new instance with no recipients;
// it is how a server-generated correlation key gets stamped onto an
// outbound message.
func (m *Message) WithPayload(text string) *Message {
	return New(m.kind, m.sender, text, m.aux)
}

// MarkDelivered records delivery to the session with the given id. It
// returns false if this instance was already delivered there.
func (m *Message) MarkDelivered(id uint32) bool {
	return m.recipients.TryAdd(id)
}

// DeliveredTo reports whether this instance was delivered to id.
func (m *Message) DeliveredTo(id uint32) bool {
	return m.recipients.Contains(id)
}

// Equal compares kind, sender, payload and aux. Recipients are ignored.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}

	return m.kind == o.kind && m.sender == o.sender && m.payload == o.payload && m.aux == o.aux
}

func (m *Message) String() string {
	return fmt.Sprintf("%s{sender=%q payload=%q aux=%q}", m.kind.Tag(), m.sender, m.payload, m.aux)
}

// factories maps each wire tag to the constructor used when decoding it.
var factories = func() map[string]func(sender, payload, aux string) *Message {
	m := make(map[string]func(sender, payload, aux string) *Message, len(kindTags))
	for _, k := range Kinds() {
		kind := k
		m[kind.Tag()] = func(sender, payload, aux string) *Message {
			return New(kind, sender, payload, aux)
		}
	}

	return m
}()

// FromFields builds the message registered under tag from its three
// decoded fields. An unregistered tag yields an *UnknownKindError.
func FromFields(tag, sender, payload, aux string) (*Message, error) {
	build, ok := factories[tag]
	if !ok {
		return nil, &UnknownKindError{Tag: tag}
	}

	return build(sender, payload, aux), nil
}
