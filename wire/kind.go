package wire

// Kind identifies what a Message means. Every kind has a fixed three-letter
// wire tag.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHello
	KindBye
	KindBroadcast
	KindLogin
	KindRegister
	KindDeleteGroup
	KindCreateGroup
	KindAddToGroup
	KindRemoveFromGroup
	KindGroupInfo
	KindDirect
	KindDeleteUser
	KindUpdateUser
	KindPrivateReply
	KindUpdateGroup
	KindFollow
	KindUnfollow
	KindGroupMessage
	KindAck
	KindNak
	KindNotice
)

var kindTags = [...]string{
	KindUnknown:         "???",
	KindHello:           "HLO",
	KindBye:             "BYE",
	KindBroadcast:       "BCT",
	KindLogin:           "LGN",
	KindRegister:        "REG",
	KindDeleteGroup:     "DEG",
	KindCreateGroup:     "CRG",
	KindAddToGroup:      "ADG",
	KindRemoveFromGroup: "RMG",
	KindGroupInfo:       "GTG",
	KindDirect:          "MSU",
	KindDeleteUser:      "DLU",
	KindUpdateUser:      "UPU",
	KindPrivateReply:    "PRE",
	KindUpdateGroup:     "UPG",
	KindFollow:          "FWU",
	KindUnfollow:        "UFU",
	KindGroupMessage:    "GRM",
	KindAck:             "ACK",
	KindNak:             "NAK",
	KindNotice:          "NTC",
}

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindHello:           "hello",
	KindBye:             "bye",
	KindBroadcast:       "broadcast",
	KindLogin:           "login",
	KindRegister:        "register",
	KindDeleteGroup:     "delete-group",
	KindCreateGroup:     "create-group",
	KindAddToGroup:      "add-to-group",
	KindRemoveFromGroup: "remove-from-group",
	KindGroupInfo:       "group-info",
	KindDirect:          "direct",
	KindDeleteUser:      "delete-user",
	KindUpdateUser:      "update-user",
	KindPrivateReply:    "private-reply",
	KindUpdateGroup:     "update-group",
	KindFollow:          "follow",
	KindUnfollow:        "unfollow",
	KindGroupMessage:    "group-message",
	KindAck:             "ack",
	KindNak:             "nak",
	KindNotice:          "notice",
}

// TagLen is the fixed length of every kind tag on the wire.
const TagLen = 3

// Kinds returns every known kind, excluding KindUnknown.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindTags)-1)
	for k := KindHello; int(k) < len(kindTags); k++ {
		out = append(out, k)
	}

	return out
}

// Tag returns the three-letter wire tag of k.
func (k Kind) Tag() string {
	if int(k) >= len(kindTags) {
		return kindTags[KindUnknown]
	}

	return kindTags[k]
}

func (k Kind) String() string {
	if int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}

	return kindNames[k]
}

// ServerOnly reports whether k is only ever sent by the server.
func (k Kind) ServerOnly() bool {
	return k == KindAck || k == KindNak || k == KindNotice
}

// KindForTag returns the kind registered under tag.
func KindForTag(tag string) (Kind, bool) {
	k, ok := kindsByTag[tag]
	return k, ok
}

var kindsByTag = func() map[string]Kind {
	m := make(map[string]Kind, len(kindTags))
	for _, k := range Kinds() {
		m[k.Tag()] = k
	}

	return m
}()
