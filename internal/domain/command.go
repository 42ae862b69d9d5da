package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandKind identifies a control-plane command the agent can execute.
type CommandKind string

const (
	CommandAddUser        CommandKind = "add_user"
	CommandRemoveUser     CommandKind = "remove_user"
	CommandRegenerateUser CommandKind = "regenerate_user"
	CommandRestartXray    CommandKind = "restart_xray"
)

// ParseCommandKind maps a wire value to a CommandKind.
func ParseCommandKind(s string) (CommandKind, bool) {
	switch CommandKind(s) {
	case CommandAddUser, CommandRemoveUser, CommandRegenerateUser, CommandRestartXray:
		return CommandKind(s), true
	default:
		return "", false
	}
}

// Command is a single unit of work accepted by the command endpoint and
// applied to the proxy by the reconciler, in arrival order.
type Command struct {
	// ID is assigned by the agent when the command is accepted.
	ID string

	Kind CommandKind

	// UserUUID is the subject of user commands. For regenerate_user it is
	// the replacement identity.
	UserUUID string

	// OldUserUUID is the identity being replaced by regenerate_user.
	OldUserUUID string

	// Email labels the client entry; generated from the UUID when empty.
	Email string
}

// Validate checks the command shape before it is queued. It returns
// ErrBadCommand so callers can reject the command synchronously.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandAddUser, CommandRemoveUser:
		if _, err := uuid.Parse(c.UserUUID); err != nil {
			return ErrBadCommand{Reason: fmt.Sprintf("user_uuid %q is not a valid uuid", c.UserUUID)}
		}
	case CommandRegenerateUser:
		if _, err := uuid.Parse(c.UserUUID); err != nil {
			return ErrBadCommand{Reason: fmt.Sprintf("user_uuid %q is not a valid uuid", c.UserUUID)}
		}
		if _, err := uuid.Parse(c.OldUserUUID); err != nil {
			return ErrBadCommand{Reason: fmt.Sprintf("old_user_uuid %q is not a valid uuid", c.OldUserUUID)}
		}
	case CommandRestartXray:
	default:
		return ErrBadCommand{Reason: fmt.Sprintf("unknown command %q", string(c.Kind))}
	}
	return nil
}
