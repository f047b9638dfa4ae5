package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-engine/internal/config"
	transporthttp "github.com/vovakirdan/wirechat-engine/internal/transport/http"
)

var chatFlags struct {
	room     string
	password string
	history  int
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal client for a running engine",
	Long: `Connects to the control API of a running engine, prints the room's
history and live messages, and sends every typed line. "/more" loads older
messages, "/quit" exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Config{})
		if err != nil {
			return err
		}
		if chatFlags.room == "" {
			return errors.New("--room is required")
		}
		password := chatFlags.password
		if password == "" {
			password = os.Getenv("WIRECHAT_CONTROL_PASSWORD")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := &controlClient{base: "http://" + cfg.Control.Addr, http: http.DefaultClient}
		if err := c.login(ctx, password); err != nil {
			return err
		}
		return c.chat(ctx, chatFlags.room, chatFlags.history, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	flags := chatCmd.Flags()
	flags.StringVar(&chatFlags.room, "room", "", "room to open")
	flags.StringVar(&chatFlags.password, "password", "", "control API password (default $WIRECHAT_CONTROL_PASSWORD)")
	flags.IntVar(&chatFlags.history, "history", 20, "messages loaded per request")
	rootCmd.AddCommand(chatCmd)
}

// controlClient is a minimal control API client.
type controlClient struct {
	base  string
	http  *http.Client
	token string
}

func (c *controlClient) login(ctx context.Context, password string) error {
	var resp transporthttp.AuthResponse
	if err := c.call(ctx, http.MethodPost, "/api/login", transporthttp.LoginRequest{Password: password}, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = resp.Token
	return nil
}

// call sends body as JSON and decodes a 2xx reply into out.
func (c *controlClient) call(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr transporthttp.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *controlClient) chat(ctx context.Context, room string, history int, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsURL := strings.Replace(c.base, "http", "ws", 1) + "/api/rooms/" + url.PathEscape(room) + "/events?token=" + url.QueryEscape(c.token)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	roomPath := "/api/rooms/" + url.PathEscape(room)
	load := func() {
		if err := c.call(ctx, http.MethodPost, roomPath+"/history", transporthttp.LoadRequest{Count: history}, nil); err != nil {
			fmt.Fprintf(out, "load history: %v\n", err)
		}
	}

	fmt.Fprintf(out, "Room %s. Type messages and press Enter to send, /more for older messages, /quit to exit.\n", room)
	load()

	go func() {
		defer cancel()
		readLoop(ctx, conn, out)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			switch text {
			case "":
				continue
			case "/quit":
				return nil
			case "/more":
				load()
				continue
			}
			if err := c.call(ctx, http.MethodPost, roomPath+"/messages", transporthttp.SendRequest{Content: text}, nil); err != nil {
				fmt.Fprintf(out, "send: %v\n", err)
			}
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, out io.Writer) {
	for {
		var ev transporthttp.EventResponse
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				fmt.Fprintln(out, "event stream closed")
				return
			}
			fmt.Fprintf(out, "read error: %v\n", err)
			return
		}
		printEvent(out, ev)
	}
}

func printEvent(out io.Writer, ev transporthttp.EventResponse) {
	switch ev.Kind {
	case "message_loaded", "message_received":
		if ev.BatchEnd {
			fmt.Fprintln(out, "-- end of batch --")
			return
		}
		if m := ev.Message; m != nil {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt, m.UserID, m.Content)
		}
	case "message_updated":
		if m := ev.Message; m != nil {
			fmt.Fprintf(out, "(%s %s) %s\n", m.Status, firstNonEmpty(m.ID, m.TempID), m.Content)
		}
	case "typing":
		fmt.Fprintf(out, "%s is typing...\n", ev.UserID)
	case "chat_connection_state":
		fmt.Fprintf(out, "room is %s\n", ev.State)
	case "history_reloaded":
		fmt.Fprintln(out, "history reloaded, use /more")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
