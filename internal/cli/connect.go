package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"live-quiz-service/internal/client"
	"live-quiz-service/internal/domain"
)

type connectOptions struct {
	url          string
	username     string
	token        string
	identityFile string
	rooms        []string
}

// NewConnectCmd opens an interactive client session against a running server.
func NewConnectCmd() *cobra.Command {
	opts := connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a quiz server from the terminal",
		Long: `Connects over WebSocket and prints every server event.

Lines typed on stdin are sent as chat to the first room. Commands:
  /join <room>            join a chat channel or quiz_<id> room
  /leave <room>           leave a room
  /answer <quiz> <q> <o>  submit an answer
  /send <event> <json>    send a raw event, e.g. /send quiz:start {"quizId":"quiz-1"}
  /logout                 log out and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.username == "" && opts.token == "" {
				return errors.New("either --username or --token is required")
			}
			return runConnect(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "server websocket url")
	cmd.Flags().StringVar(&opts.username, "username", "", "display name")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token from /api/login")
	cmd.Flags().StringVar(&opts.identityFile, "identity-file", "", "file remembering the user id between runs")
	cmd.Flags().StringSliceVar(&opts.rooms, "room", []string{"general"}, "rooms to join")
	return cmd
}

var errQuit = errors.New("quit")

func runConnect(ctx context.Context, opts connectOptions, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store client.IdentityStore = client.NewMemoryIdentityStore()
	if opts.identityFile != "" {
		store = client.NewFileIdentityStore(opts.identityFile)
	}
	c := client.New(client.Config{
		URL:      opts.url,
		Username: opts.username,
		Token:    opts.token,
		Identity: store,
	})
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	select {
	case <-c.Ready():
	case <-c.Done():
		return errors.New("connection closed before the session was established")
	case <-ctx.Done():
		return nil
	}
	self := c.Identity()
	fmt.Fprintf(out, "connected as %s (%s)\n", self.Username, self.UserID)
	for _, room := range opts.rooms {
		if err := c.JoinRoom(room); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	defaultRoom := "general"
	if len(opts.rooms) > 0 {
		defaultRoom = opts.rooms[0]
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return errors.New("disconnected")
		case ev := <-c.Events():
			printEvent(out, ev, c.Identity().UserID)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := handleLine(ctx, c, line, defaultRoom)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, line, defaultRoom string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.SendChat(defaultRoom, line)
		return err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/logout":
		// Local state is gone even when the server never acknowledges.
		_ = c.Logout(ctx)
		return errQuit
	case "/join":
		if len(fields) != 2 {
			return errors.New("usage: /join <room>")
		}
		return c.JoinRoom(fields[1])
	case "/leave":
		if len(fields) != 2 {
			return errors.New("usage: /leave <room>")
		}
		return c.LeaveRoom(fields[1])
	case "/answer":
		if len(fields) != 4 {
			return errors.New("usage: /answer <quizId> <questionId> <optionId>")
		}
		return c.SubmitAnswer(fields[1], fields[2], fields[3])
	case "/send":
		if len(fields) < 2 {
			return errors.New("usage: /send <event> [json]")
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/send"))
		raw := strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		if raw == "" {
			return c.Send(fields[1], nil)
		}
		if !json.Valid([]byte(raw)) {
			return errors.New("payload is not valid JSON")
		}
		return c.Send(fields[1], json.RawMessage(raw))
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func printEvent(out io.Writer, ev client.Event, selfID string) {
	if ev.Type != "user_list" {
		fmt.Fprintf(out, "%s %s\n", ev.Type, ev.Payload)
		return
	}
	var entries []domain.PresenceEntry
	if err := json.Unmarshal(ev.Payload, &entries); err != nil {
		fmt.Fprintf(out, "%s %s\n", ev.Type, ev.Payload)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range client.OrderPresence(entries, selfID) {
		names = append(names, fmt.Sprintf("%s[%s]", e.Identity.Username, e.Status))
	}
	fmt.Fprintf(out, "users %s\n", strings.Join(names, " "))
}
