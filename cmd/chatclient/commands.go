package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sockrelay/chat/internal/client"
)

// commands builds a fresh command tree for one REPL line so flag state never
// leaks between lines.
func (s *shell) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(s.out)
	root.SetErr(s.out)
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		&cobra.Command{
			Use:   "connect",
			Short: "Open the connection, retrying up to the configured limit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.mgr.Connect(context.Background())
				return nil
			},
		},
		&cobra.Command{
			Use:   "disconnect",
			Short: "Close the connection",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.mgr.Disconnect()
				return nil
			},
		},
		&cobra.Command{
			Use:   "say <text>",
			Short: "Send a chat message to everyone",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.mgr.SendMessage(strings.Join(args, " "), s.username)
			},
		},
		&cobra.Command{
			Use:   "nick <name>",
			Short: "Set the display name used for chat messages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s.username = args[0]
				fmt.Fprintf(s.out, "* chatting as %s\n", s.username)
				return nil
			},
		},
		&cobra.Command{
			Use:   "identify <userId> <username>",
			Short: "Attach a user identity to this connection",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.mgr.Identify(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "join <room>",
			Short: "Join a room",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.mgr.JoinRoom(args[0])
			},
		},
		&cobra.Command{
			Use:   "leave <room>",
			Short: "Leave a room",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.mgr.LeaveRoom(args[0])
			},
		},
		&cobra.Command{
			Use:   "room <room> <text>",
			Short: "Send a message to the members of a room",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.mgr.SendRoomMessage(args[0], strings.Join(args[1:], " "), s.username)
			},
		},
		&cobra.Command{
			Use:   "custom <payload>",
			Short: "Send a custom event; JSON payloads are sent as-is",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.mgr.SendCustomEvent(customPayload(strings.Join(args, " ")))
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the connection state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprint(s.out, formatState(s.mgr.State()))
				return nil
			},
		},
		&cobra.Command{
			Use:   "history",
			Short: "Print received messages",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, msg := range s.mgr.State().Messages {
					fmt.Fprintln(s.out, formatMessage(msg))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Forget received messages",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.mgr.ClearMessages()
				return nil
			},
		},
		s.waitCommand(),
	)
	return root
}

func (s *shell) waitCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <status>",
		Short: "Block until the connection reaches a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			want, err := parseStatus(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return s.mgr.WaitForStatus(ctx, want)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "how long to wait")
	return cmd
}

// customPayload sends valid JSON unchanged and anything else as a string.
func customPayload(raw string) interface{} {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

func parseStatus(name string) (client.Status, error) {
	for _, st := range []client.Status{
		client.StatusDisconnected,
		client.StatusConnecting,
		client.StatusConnected,
		client.StatusFailed,
	} {
		if st.String() == strings.ToLower(name) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func formatState(st client.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status:      %s\n", st.Status)
	if st.ConnectionID != "" {
		fmt.Fprintf(&b, "id:          %s\n", st.ConnectionID)
	}
	fmt.Fprintf(&b, "users:       %d\n", st.ConnectedUsersCount)
	fmt.Fprintf(&b, "messages:    %d\n", len(st.Messages))
	if st.ReconnectAttempts > 0 {
		fmt.Fprintf(&b, "attempts:    %d\n", st.ReconnectAttempts)
	}
	if st.ConnectionError != "" {
		fmt.Fprintf(&b, "last error:  %s\n", st.ConnectionError)
	}
	return b.String()
}
