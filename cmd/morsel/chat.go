package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"morsel/internal/domain"
	"morsel/internal/usecase/hub"
)

// ChatMessage is pushed to clients through their "Receive" method.
type ChatMessage struct {
	From  string `json:"from"`
	Group string `json:"group,omitempty"`
	Text  string `json:"text"`
}

// Identity answers WhoAmI.
type Identity struct {
	ConnectionID string `json:"connection_id"`
	Principal    string `json:"principal,omitempty"`
}

const receiveMethod = "Receive"

var errNoCaller = errors.New("no caller in context")

func caller(ctx context.Context) (*hub.Caller, error) {
	c, ok := hub.CallerFromContext(ctx)
	if !ok {
		return nil, errNoCaller
	}
	return c, nil
}

func validGroup(group string) error {
	if strings.TrimSpace(group) == "" {
		return fmt.Errorf("%w: group name is required", domain.ErrProtocolDecode)
	}
	return nil
}

// newChatRegistry builds the sample chat hub served by `morsel serve`.
func newChatRegistry(log *slog.Logger) (*hub.Registry, error) {
	reg, err := hub.NewRegistry(
		hub.Func1("Echo", func(_ context.Context, s string) (string, error) { return s, nil }),

		hub.Func0("WhoAmI", func(ctx context.Context) (Identity, error) {
			c, err := caller(ctx)
			if err != nil {
				return Identity{}, err
			}
			return Identity{ConnectionID: c.ConnectionID(), Principal: domain.PrincipalFromContext(ctx)}, nil
		}),

		hub.Action1("JoinGroup", func(ctx context.Context, group string) error {
			if err := validGroup(group); err != nil {
				return err
			}
			c, err := caller(ctx)
			if err != nil {
				return err
			}
			return c.Join(ctx, group)
		}),

		hub.Action1("LeaveGroup", func(ctx context.Context, group string) error {
			c, err := caller(ctx)
			if err != nil {
				return err
			}
			return c.Leave(ctx, group)
		}),

		hub.Action2("SendToGroup", func(ctx context.Context, group, text string) error {
			if err := validGroup(group); err != nil {
				return err
			}
			c, err := caller(ctx)
			if err != nil {
				return err
			}
			msg := ChatMessage{From: c.ConnectionID(), Group: group, Text: text}
			return c.Clients().Group(group).Invoke(ctx, receiveMethod, msg)
		}),

		hub.Action2("SendTo", func(ctx context.Context, connID, text string) error {
			c, err := caller(ctx)
			if err != nil {
				return err
			}
			msg := ChatMessage{From: c.ConnectionID(), Text: text}
			return c.Clients().Client(connID).Invoke(ctx, receiveMethod, msg)
		}),

		hub.Action1("Broadcast", func(ctx context.Context, text string) error {
			c, err := caller(ctx)
			if err != nil {
				return err
			}
			return c.Clients().All().Invoke(ctx, receiveMethod, ChatMessage{From: c.ConnectionID(), Text: text})
		}),
	)
	if err != nil {
		return nil, err
	}

	reg.OnConnected(func(ctx context.Context, c *hub.Caller) {
		log.Debug("chat client connected", "conn_id", c.ConnectionID(), "principal", domain.PrincipalFromContext(ctx))
	})
	reg.OnDisconnected(func(_ context.Context, c *hub.Caller) {
		log.Debug("chat client left", "conn_id", c.ConnectionID())
	})
	return reg, nil
}
