package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"erpchat/internal/chatclient"
	"erpchat/internal/logging"
	"erpchat/internal/models"
)

const help = `Commands:
  /users [query]     list people you can message
  /open <username>   switch to a conversation
  /list              show conversations with unread counts
  /history           reprint the open conversation
  /typing            tell the peer you are typing
  /attach <path>     send a file to the open conversation
  /delete <id>       delete one of your messages
  /quit              leave
Anything else is sent as a message.`

func main() {
	baseURL := pflag.String("server", "http://localhost:8080", "Chat server base URL")
	username := pflag.String("user", "", "Username to sign in as")
	password := pflag.String("password", "", "Password (or CHAT_PASSWORD)")
	register := pflag.Bool("register", false, "Create the account before signing in")
	displayName := pflag.String("name", "", "Display name used with --register")
	logLevel := pflag.String("log-level", "warn", "Log level")
	pflag.Parse()

	logger := logging.New(os.Stderr, *logLevel, "console")
	if *password == "" {
		*password = os.Getenv("CHAT_PASSWORD")
	}
	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli --user NAME --password SECRET [--register]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if *register {
		_, err := chatclient.Register(ctx, httpClient, *baseURL, models.RegisterRequest{
			Username:    *username,
			Password:    *password,
			DisplayName: *displayName,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Registration failed")
		}
	}
	login, err := chatclient.Login(ctx, httpClient, *baseURL, *username, *password)
	if err != nil {
		logger.Fatal().Err(err).Msg("Login failed")
	}

	store, err := chatclient.New(chatclient.Options{
		BaseURL:    *baseURL,
		Credential: chatclient.StaticToken(login.Token),
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chat store")
	}
	defer store.Cleanup()

	ui := &terminal{
		out:      os.Stdout,
		store:    store,
		http:     httpClient,
		baseURL:  *baseURL,
		token:    chatclient.StaticToken(login.Token),
		me:       login.User.ID,
		printed:  make(map[string]bool),
		peerName: make(map[models.UserID]string),
	}
	store.OnChange(ui.render)

	if err := store.Start(ctx); err != nil {
		fmt.Fprintf(ui.out, "! %v\n", err)
	}
	fmt.Fprintf(ui.out, "Signed in as %s. Type /help for commands.\n", login.User.Username)
	ui.listConversations()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := ui.handle(ctx, line); quit {
				return
			}
		}
	}
}

type terminal struct {
	out     io.Writer
	store   *chatclient.Store
	http    *http.Client
	baseURL string
	token   chatclient.TokenSource
	me      models.UserID

	mu         sync.Mutex
	printed    map[string]bool
	peerName   map[models.UserID]string
	lastStatus chatclient.Status
	peerTyping bool
}

// handle runs one input line and reports whether to quit.
func (t *terminal) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		t.send(ctx, line, nil)
		return false
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(t.out, help)
	case "/users":
		t.listUsers(ctx, arg)
	case "/open":
		t.open(ctx, arg)
	case "/list":
		t.listConversations()
	case "/history":
		t.mu.Lock()
		t.printed = make(map[string]bool)
		t.mu.Unlock()
		t.render()
	case "/typing":
		t.report(t.store.EmitTyping(true))
	case "/attach":
		t.attach(ctx, arg)
	case "/delete":
		t.delete(ctx, arg)
	default:
		fmt.Fprintf(t.out, "unknown command %s\n", command)
	}
	return false
}

func (t *terminal) report(err error) {
	if err != nil {
		fmt.Fprintf(t.out, "! %v\n", err)
	}
}

func (t *terminal) send(ctx context.Context, content string, upload *chatclient.Upload) {
	if _, err := t.store.SendMessage(ctx, content, upload); err != nil {
		if errors.Is(err, chatclient.ErrNoActiveConversation) {
			fmt.Fprintln(t.out, "! open a conversation first with /open <username>")
			return
		}
		t.report(err)
	}
}

func (t *terminal) attach(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		t.report(err)
		return
	}
	defer f.Close()
	t.send(ctx, "", &chatclient.Upload{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Body:        f,
	})
}

// delete accepts the short id shown next to each message.
func (t *terminal) delete(ctx context.Context, prefix string) {
	if prefix == "" {
		fmt.Fprintln(t.out, "usage: /delete <id>")
		return
	}
	id := prefix
	for _, m := range t.store.Messages(t.store.ActiveUser()) {
		if strings.HasPrefix(m.ID, prefix) {
			id = m.ID
			break
		}
	}
	t.report(t.store.DeleteMessage(ctx, id))
}

func (t *terminal) listUsers(ctx context.Context, query string) {
	users, err := chatclient.SearchUsers(ctx, t.http, t.baseURL, t.token, query)
	if err != nil {
		t.report(err)
		return
	}
	t.mu.Lock()
	for _, u := range users {
		t.peerName[u.ID] = u.Name
	}
	t.mu.Unlock()
	for _, u := range users {
		fmt.Fprintf(t.out, "  %-20s %-12s %s\n", u.Name, u.Role, u.Position)
	}
}

// open resolves name against the user directory and opens that chat.
func (t *terminal) open(ctx context.Context, name string) {
	if name == "" {
		fmt.Fprintln(t.out, "usage: /open <username>")
		return
	}
	users, err := chatclient.SearchUsers(ctx, t.http, t.baseURL, t.token, name)
	if err != nil {
		t.report(err)
		return
	}
	var match *models.PeerSummary
	for i, u := range users {
		if strings.EqualFold(u.Name, name) || string(u.ID) == name {
			match = &users[i]
			break
		}
	}
	if match == nil && len(users) == 1 {
		match = &users[0]
	}
	if match == nil {
		fmt.Fprintf(t.out, "! no single user matches %q\n", name)
		return
	}

	t.mu.Lock()
	t.peerName[match.ID] = match.Name
	t.printed = make(map[string]bool)
	t.mu.Unlock()

	fmt.Fprintf(t.out, "-- chat with %s --\n", match.Name)
	t.report(t.store.OpenChatWith(ctx, match.ID))
	t.render()
}

func (t *terminal) listConversations() {
	conversations := t.store.Conversations()
	if len(conversations) == 0 {
		fmt.Fprintln(t.out, "  no conversations yet")
		return
	}
	for _, c := range conversations {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Fprintf(t.out, "  %-20s %s%s\n", c.Peer.Name, c.LastActivityAt.Local().Format("Jan 2 15:04"), unread)
	}
}

// render prints whatever changed since the last call: connection status,
// the peer's typing indicator and new messages in the open conversation.
func (t *terminal) render() {
	status := t.store.Status()
	peer := t.store.ActiveUser()
	typing := peer.Valid() && t.store.IsTyping(peer)
	messages := t.store.Messages(peer)

	t.mu.Lock()
	defer t.mu.Unlock()

	if status != t.lastStatus {
		fmt.Fprintf(t.out, "[%s]\n", status)
		t.lastStatus = status
	}
	if !peer.Valid() {
		return
	}
	for _, m := range messages {
		if t.printed[m.ID] && !m.Deleted {
			continue
		}
		if m.Deleted && t.printed[m.ID+"/deleted"] {
			continue
		}
		t.printed[m.ID] = true
		if m.Deleted {
			t.printed[m.ID+"/deleted"] = true
		}
		fmt.Fprintln(t.out, t.format(m))
	}
	if typing != t.peerTyping {
		t.peerTyping = typing
		if typing {
			fmt.Fprintf(t.out, "  %s is typing...\n", t.name(peer))
		}
	}
}

func (t *terminal) name(id models.UserID) string {
	if id == t.me {
		return "me"
	}
	if name, ok := t.peerName[id]; ok {
		return name
	}
	return string(id)
}

func (t *terminal) format(m models.Message) string {
	body := m.Content
	switch {
	case m.Deleted:
		body = "(message deleted)"
	case m.Attachment != nil:
		attachment := fmt.Sprintf("[%s %s %s%s]", m.Attachment.Type, m.Attachment.Name, t.baseURL, m.Attachment.URL)
		if body == "" {
			body = attachment
		} else {
			body += " " + attachment
		}
	}
	return fmt.Sprintf("%s %-10s %s  #%s", m.CreatedAt.Local().Format("15:04"), t.name(m.Sender)+":", body, shortID(m.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
