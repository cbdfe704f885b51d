package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/sockrelay/chat/internal/chat"
	"github.com/sockrelay/chat/internal/client"
	"github.com/sockrelay/chat/internal/config"
	"github.com/sockrelay/chat/internal/protocol"
)

var (
	envFile   string
	serverURL string
	username  string
)

var rootCmd = &cobra.Command{
	Use:           "chatclient",
	Short:         "Interactive client for the sockrelay chat server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.New(envFile)
		if err != nil {
			return err
		}
		if serverURL != "" {
			v.Set(config.KeyServerURL, serverURL)
		}
		cfg, err := config.LoadClient(v)
		if err != nil {
			return err
		}
		opts, err := client.OptionsFromConfig(cfg)
		if err != nil {
			return err
		}

		mgr := client.NewManager(opts)
		sess := newShell(mgr, cmd.OutOrStdout(), username)
		defer sess.close()

		mgr.Connect(context.Background())
		return sess.repl(cmd.InOrStdin())
	},
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to read settings from")
	rootCmd.Flags().StringVar(&serverURL, "server-url", "", "server base URL, overrides SERVER_URL")
	rootCmd.Flags().StringVarP(&username, "username", "u", "", "display name for chat messages")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("chatclient: %v", err)
		os.Exit(1)
	}
}

// shell is one interactive session bound to a Manager.
type shell struct {
	mgr      *client.Manager
	out      io.Writer
	username string
	unsubs   []func()
}

// lockedWriter serializes output from the REPL and the receive loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func newShell(mgr *client.Manager, out io.Writer, name string) *shell {
	s := &shell{mgr: mgr, out: &lockedWriter{w: out}, username: name}

	var (
		mu   sync.Mutex
		last = mgr.State().Status
	)
	s.unsubs = append(s.unsubs,
		mgr.Subscribe(func(st client.State) {
			mu.Lock()
			changed := st.Status != last
			last = st.Status
			mu.Unlock()
			if !changed {
				return
			}
			line := fmt.Sprintf("* %s", st.Status)
			if st.ConnectionError != "" && st.Status != client.StatusConnected {
				line += " (" + st.ConnectionError + ")"
			}
			fmt.Fprintln(s.out, line)
		}),
		mgr.On(protocol.TypeChatMessage, s.printMessage),
		mgr.On(protocol.TypeRoomMessage, s.printMessage),
		mgr.On(protocol.TypeUserCount, func(data json.RawMessage) {
			fmt.Fprintf(s.out, "* %s online\n", data)
		}),
		mgr.On(protocol.TypeCustomResponse, func(data json.RawMessage) {
			fmt.Fprintf(s.out, "* custom_response %s\n", data)
		}),
	)
	return s
}

func (s *shell) close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.mgr.Disconnect()
}

func (s *shell) printMessage(data json.RawMessage) {
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	fmt.Fprintln(s.out, formatMessage(msg))
}

func formatMessage(msg chat.Message) string {
	ts := msg.Timestamp.Local().Format("15:04:05")
	if msg.Room != "" {
		return fmt.Sprintf("[%s] #%s <%s> %s", ts, msg.Room, msg.Username, msg.Text)
	}
	return fmt.Sprintf("[%s] <%s> %s", ts, msg.Username, msg.Text)
}

// repl reads commands line by line until EOF or exit.
func (s *shell) repl(in io.Reader) error {
	fmt.Fprintln(s.out, "type 'help' for commands, 'exit' to quit")
	reader := bufio.NewReader(in)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if line != "" {
			if execErr := s.exec(line); execErr != nil {
				fmt.Fprintf(s.out, "error: %v\n", execErr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chatclient: read input: %w", err)
		}
	}
}

// exec runs a single command line.
func (s *shell) exec(line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		return fmt.Errorf("parse %q: %w", line, err)
	}
	cmd := s.commands()
	cmd.SetArgs(args)
	return cmd.Execute()
}
