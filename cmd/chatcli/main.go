package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-groupchat/internal/client"
	"github.com/npezzotti/go-groupchat/internal/types"
)

const usage = `commands:
  /groups              list groups with unread counts
  /join <group>        subscribe to a group
  /leave <group>       unsubscribe from a group
  /open <group>        view a group; its messages are marked read
  /older               load older messages of the open group
  /resend <token>      resend a failed message
  /notifications       list notifications
  /readall             mark all notifications read
  /quit                exit
anything else is sent to the open group`

// userFromToken reads the user id claim without verifying the signature;
// the server does the verification.
func userFromToken(tokenString string) (types.User, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return types.User{}, fmt.Errorf("parse token: %w", err)
	}

	id, ok := claims["user-id"].(float64)
	if !ok {
		return types.User{}, errors.New("token has no user id")
	}
	return types.User{Id: int(id)}, nil
}

func fetchGroups(ctx context.Context, baseURL, token string) ([]types.Membership, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/groups", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list groups: %s", resp.Status)
	}

	var memberships []types.Membership
	if err := json.NewDecoder(resp.Body).Decode(&memberships); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return memberships, nil
}

type cli struct {
	chat *client.Chat
	self int
}

// active is the open group, kept by the store so handlers running on the
// connection's goroutine see the same value.
func (c *cli) active() string {
	return c.chat.Store().Active()
}

func (c *cli) printMessage(m types.Message) {
	who := strconv.Itoa(m.UserId)
	if m.UserId == c.self {
		who = "me"
	}
	fmt.Printf("[%s #%d] %s: %s\n", m.GroupId, m.SeqId, who, m.Content)
}

func (c *cli) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return false
	case "/help":
		fmt.Println(usage)
	case "/groups":
		for _, g := range c.chat.Store().Groups() {
			fmt.Printf("%s\t%s\tunread=%d\tonline=%v\n", g.Group.ExternalId, g.Group.Name, g.Unread, g.Online)
		}
	case "/join":
		status, err := c.chat.Join(ctx, arg)
		if err != nil {
			fmt.Println("join:", err)
			break
		}
		fmt.Printf("%s: %s\n", arg, status)
	case "/leave":
		c.chat.Leave(ctx, arg)
	case "/open":
		if err := c.chat.Open(ctx, arg); err != nil {
			fmt.Println("open:", err)
			break
		}
		if view, ok := c.chat.Store().Group(arg); ok {
			for _, m := range view.Messages {
				c.printMessage(m)
			}
		}
	case "/older":
		n, err := c.chat.LoadOlder(ctx, c.active())
		if err != nil {
			fmt.Println("older:", err)
			break
		}
		fmt.Printf("loaded %d older messages\n", n)
	case "/resend":
		if _, err := c.chat.Resend(ctx, c.active(), arg); err != nil {
			fmt.Println("resend:", err)
		}
	case "/notifications":
		for _, n := range c.chat.Store().Notifications() {
			fmt.Printf("%d\t%s\tread=%t\t%s\n", n.Id, n.Type, n.Read, n.Data)
		}
	case "/readall":
		if _, err := c.chat.MarkAllNotificationsRead(ctx); err != nil {
			fmt.Println("read all:", err)
		}
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Println(usage)
			break
		}
		active := c.active()
		if active == "" {
			fmt.Println("open a group first")
			break
		}
		c.chat.NotifyTyping(active, true)
		if _, err := c.chat.Submit(ctx, active, line); err != nil {
			var submitErr *client.SubmitError
			if errors.As(err, &submitErr) {
				fmt.Printf("not sent (%v), retry with /resend %s\n", submitErr.Err, submitErr.Token)
				break
			}
			fmt.Println("send:", err)
		}
	}
	return true
}

func run(ctx context.Context, opts *options, logger *log.Logger, stdin io.Reader) error {
	user, err := userFromToken(opts.token)
	if err != nil {
		return err
	}

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(opts.serverURL, "/"), "http") + "/ws"
	chat := client.New(client.Config{
		User:      user,
		Transport: &client.WebsocketTransport{URL: wsURL, Token: opts.token},
		History:   &client.HTTPHistory{BaseURL: opts.serverURL, Token: opts.token},
		Logger:    logger,
	})
	defer chat.Close()

	c := &cli{chat: chat, self: user.Id}

	chat.OnStateChange(func(s client.State) {
		fmt.Printf("* %s\n", s)
	})
	chat.OnMessage(func(m types.Message) {
		if m.GroupId == c.active() {
			c.printMessage(m)
			return
		}
		fmt.Printf("* new message in %s (%d unread)\n", m.GroupId, chat.Unread(m.GroupId))
	})
	chat.OnNotification(func(n types.Notification) {
		fmt.Printf("* notification %s: %s\n", n.Type, n.Data)
	})

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	memberships, err := fetchGroups(fetchCtx, opts.serverURL, opts.token)
	cancel()
	if err != nil {
		return err
	}
	for _, m := range memberships {
		chat.AddGroups(m.Group.ExternalId)
	}

	if err := chat.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !c.handle(ctx, line) {
				return nil
			}
		}
	}
}

func main() {
	execute()
}
