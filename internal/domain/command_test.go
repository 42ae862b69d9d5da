package domain

import (
	"errors"
	"testing"
)

func TestParseCommandKind(t *testing.T) {
	for _, s := range []string{"add_user", "remove_user", "regenerate_user", "restart_xray"} {
		kind, ok := ParseCommandKind(s)
		if !ok {
			t.Errorf("ParseCommandKind(%q) not recognized", s)
		}
		if string(kind) != s {
			t.Errorf("ParseCommandKind(%q) = %q", s, kind)
		}
	}

	for _, s := range []string{"", "delete_user", "ADD_USER", "add user"} {
		if _, ok := ParseCommandKind(s); ok {
			t.Errorf("ParseCommandKind(%q) unexpectedly recognized", s)
		}
	}
}

func TestCommandValidate(t *testing.T) {
	valid := "0b070d23-9e3f-4a9d-bbde-9e2b9e1cf782"

	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"add with uuid", Command{Kind: CommandAddUser, UserUUID: valid}, false},
		{"add without uuid", Command{Kind: CommandAddUser}, true},
		{"add with malformed uuid", Command{Kind: CommandAddUser, UserUUID: "not-a-uuid"}, true},
		{"remove with uuid", Command{Kind: CommandRemoveUser, UserUUID: valid}, false},
		{"remove without uuid", Command{Kind: CommandRemoveUser}, true},
		{"regenerate with both", Command{Kind: CommandRegenerateUser, UserUUID: valid, OldUserUUID: valid}, false},
		{"regenerate missing old", Command{Kind: CommandRegenerateUser, UserUUID: valid}, true},
		{"regenerate missing new", Command{Kind: CommandRegenerateUser, OldUserUUID: valid}, true},
		{"restart needs nothing", Command{Kind: CommandRestartXray}, false},
		{"unknown kind", Command{Kind: "reboot_host"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil {
				var bad ErrBadCommand
				if !errors.As(err, &bad) {
					t.Fatalf("error is %T, want ErrBadCommand", err)
				}
			}
		})
	}
}
