package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cyberinferno/lpchat/wire"
)

var errQuit = errors.New("quit")

// request is one line of input translated into a message to send.
type request struct {
	kind    wire.Kind
	payload string
	aux     string
}

const usage = `commands:
  /login <password>              /register <password>
  /msg <user> <text>             /reply <key> <text>
  /group create|delete|info <g>  /group add|remove <g> <user>
  /group say <g> <text>          /group set <g> <attr>=<value>
  /profile <attr> <value>        /follow <user>   /unfollow <user>
  /delete-account                /quit
anything else is broadcast`

// parseLine turns an input line into a request. A line that is not a
// command is a broadcast.
func parseLine(line string) (request, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return request{kind: wire.KindBroadcast, payload: line}, nil
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "quit":
		return request{}, errQuit
	case "login":
		return one(wire.KindLogin, rest, "password", func(p string) request {
			return request{kind: wire.KindLogin, payload: p}
		})
	case "register":
		return one(wire.KindRegister, rest, "password", func(p string) request {
			return request{kind: wire.KindRegister, payload: p, aux: p}
		})
	case "msg":
		return two(rest, "/msg <user> <text>", func(user, text string) request {
			return request{kind: wire.KindDirect, payload: text, aux: user}
		})
	case "reply":
		return two(rest, "/reply <key> <text>", func(key, text string) request {
			return request{kind: wire.KindPrivateReply, payload: text, aux: key}
		})
	case "profile":
		return two(rest, "/profile <attr> <value>", func(attr, value string) request {
			return request{kind: wire.KindUpdateUser, payload: attr, aux: value}
		})
	case "follow":
		return one(wire.KindFollow, rest, "user", func(u string) request {
			return request{kind: wire.KindFollow, aux: u}
		})
	case "unfollow":
		return one(wire.KindUnfollow, rest, "user", func(u string) request {
			return request{kind: wire.KindUnfollow, aux: u}
		})
	case "delete-account":
		return request{kind: wire.KindDeleteUser}, nil
	case "group":
		return parseGroup(rest)
	case "help":
		return request{}, errors.New(usage)
	default:
		return request{}, fmt.Errorf("unknown command /%s\n%s", cmd, usage)
	}
}

func parseGroup(args string) (request, error) {
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "create", "delete", "info":
		kind := map[string]wire.Kind{
			"create": wire.KindCreateGroup,
			"delete": wire.KindDeleteGroup,
			"info":   wire.KindGroupInfo,
		}[sub]
		return one(kind, rest, "group", func(g string) request {
			return request{kind: kind, payload: g}
		})
	case "add", "remove":
		kind := wire.KindAddToGroup
		if sub == "remove" {
			kind = wire.KindRemoveFromGroup
		}
		return two(rest, "/group "+sub+" <group> <user>", func(g, user string) request {
			return request{kind: kind, payload: g, aux: user}
		})
	case "say":
		return two(rest, "/group say <group> <text>", func(g, text string) request {
			return request{kind: wire.KindGroupMessage, payload: text, aux: g}
		})
	case "set":
		return two(rest, "/group set <group> <attr>=<value>", func(g, setting string) request {
			return request{kind: wire.KindUpdateGroup, payload: g, aux: setting}
		})
	default:
		return request{}, fmt.Errorf("unknown group command %q\n%s", sub, usage)
	}
}

func one(kind wire.Kind, arg, name string, build func(string) request) (request, error) {
	if arg == "" {
		return request{}, fmt.Errorf("%s needs a %s", kind, name)
	}

	return build(arg), nil
}

func two(args, form string, build func(first, rest string) request) (request, error) {
	first, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)
	if first == "" || rest == "" {
		return request{}, fmt.Errorf("usage: %s", form)
	}

	return build(first, rest), nil
}

// render formats an inbound message for the terminal.
func render(m *wire.Message) string {
	switch m.Kind() {
	case wire.KindAck:
		return fmt.Sprintf("ok %s: %s", m.Aux(), m.Payload())
	case wire.KindNak:
		return fmt.Sprintf("refused %s: %s", m.Aux(), m.Payload())
	case wire.KindNotice:
		return fmt.Sprintf("[%s] %s", m.Aux(), m.Payload())
	case wire.KindBroadcast:
		return fmt.Sprintf("<%s> %s", m.Sender(), m.Payload())
	case wire.KindDirect, wire.KindPrivateReply:
		return fmt.Sprintf("*%s* %s", m.Sender(), m.Payload())
	case wire.KindGroupMessage:
		return fmt.Sprintf("#%s <%s> %s", m.Aux(), m.Sender(), m.Payload())
	case wire.KindBye:
		return "server closed the session"
	default:
		return m.String()
	}
}
