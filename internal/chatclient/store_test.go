package chatclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"erpchat/internal/api"
	"erpchat/internal/auth"
	"erpchat/internal/bus"
	"erpchat/internal/clock"
	"erpchat/internal/config"
	"erpchat/internal/db"
	"erpchat/internal/metrics"
	"erpchat/internal/models"
	chatws "erpchat/internal/websocket"
)

// backend runs the full server stack in process. It counts requests by
// "METHOD /path", can be switched to fail every API call and can hold
// mark-read requests until released.
type backend struct {
	url       string
	hub       *chatws.Hub
	failing   atomic.Bool
	holdReads atomic.Pointer[chan struct{}]
	held      atomic.Int32

	mu   sync.Mutex
	hits map[string]int
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults(dir)

	database, err := db.Open(context.Background(), db.SQLite, filepath.Join(dir, "chat.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	hub := chatws.NewHub(bus.NewLocal(), m, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	authenticator := auth.New("secret", time.Hour, nil)
	handlers := api.NewHandlers(database, hub, authenticator, m, cfg, zerolog.Nop())
	routes := handlers.Routes(chatws.NewHandler(hub, authenticator, nil), nil)

	b := &backend{hub: hub, hits: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.hits[r.Method+" "+r.URL.Path]++
		b.mu.Unlock()
		if b.failing.Load() && r.URL.Path != "/ws" {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if gate := b.holdReads.Load(); gate != nil && strings.HasSuffix(r.URL.Path, "/read") {
			b.held.Add(1)
			select {
			case <-*gate:
			case <-r.Context().Done():
				return
			}
		}
		routes.ServeHTTP(w, r)
	}))
	b.url = srv.URL

	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
		database.Close()
	})
	return b
}

func (b *backend) count(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[route]
}

// signup registers username and returns its id and a fresh token.
func (b *backend) signup(t *testing.T, username string) (models.UserID, string) {
	t.Helper()
	ctx := context.Background()
	if _, err := Register(ctx, nil, b.url, models.RegisterRequest{Username: username, Password: "hunter22", DisplayName: strings.ToUpper(username)}); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	resp, err := Login(ctx, nil, b.url, username, "hunter22")
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return resp.User.ID, resp.Token
}

func (b *backend) store(t *testing.T, credential TokenSource, clk clock.Clock) *Store {
	t.Helper()
	s, err := New(Options{
		BaseURL:      b.url,
		Credential:   credential,
		Clock:        clk,
		Logger:       zerolog.Nop(),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Cleanup)
	return s
}

// connected returns a store for token whose session is up.
func (b *backend) connected(t *testing.T, token string, clk clock.Clock) *Store {
	t.Helper()
	s := b.store(t, StaticToken(token), clk)
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fakeClock() *clock.FakeClock { return clock.Fake(time.Now()) }

func TestConnectIsIdempotent(t *testing.T) {
	b := newBackend(t)
	alice, token := b.signup(t, "alice")
	s := b.store(t, StaticToken(token), fakeClock())

	changes := atomic.Int32{}
	s.OnChange(func() { changes.Add(1) })

	var wg sync.WaitGroup
	sessions := make([]*Session, 5)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := s.Connect(context.Background())
			if err != nil {
				t.Errorf("connect %d: %v", i, err)
			}
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	for i, sess := range sessions {
		if sess != sessions[0] {
			t.Fatalf("connect %d returned a different session", i)
		}
	}
	again, err := s.Connect(context.Background())
	if err != nil || again != sessions[0] {
		t.Fatalf("sequential connect = %p, %v; want %p", again, err, sessions[0])
	}

	if got := b.hub.RoomSize(alice); got != 1 {
		t.Errorf("room size %d, want 1", got)
	}
	if got := b.count("GET /ws"); got != 1 {
		t.Errorf("%d handshakes, want 1", got)
	}
	if s.Status() != StatusConnected || s.Me() != alice || sessions[0].UserID != alice {
		t.Errorf("status %s, me %q", s.Status(), s.Me())
	}
	if changes.Load() == 0 {
		t.Error("no change notification for status transitions")
	}
}

func TestConnectWithoutCredential(t *testing.T) {
	b := newBackend(t)
	s := b.store(t, nil, fakeClock())

	if _, err := s.Connect(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("connect = %v, want ErrNoCredential", err)
	}
	if got := b.count("GET /ws"); got != 0 {
		t.Errorf("%d handshakes without credential", got)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("status %s", s.Status())
	}
}

func TestConnectRejectedCredential(t *testing.T) {
	b := newBackend(t)
	s := b.store(t, StaticToken("not-a-jwt"), fakeClock())

	_, err := s.Connect(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("connect = %v, want ErrUnauthorized", err)
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("status %s", s.Status())
	}
	if rooms := b.hub.Rooms(); len(rooms) != 0 {
		t.Errorf("rejected handshake joined %v", rooms)
	}
}

func TestPushAndPollDeduplicate(t *testing.T) {
	b := newBackend(t)
	alice, aliceToken := b.signup(t, "alice")
	bob, bobToken := b.signup(t, "bob")
	ctx := context.Background()

	as := b.connected(t, aliceToken, fakeClock())
	bs := b.connected(t, bobToken, fakeClock())

	if err := as.OpenChatWith(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if err := bs.OpenChatWith(ctx, alice); err != nil {
		t.Fatal(err)
	}

	sent, err := as.SendMessage(ctx, "  hello bob  ", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sent.Content != "hello bob" {
		t.Errorf("content %q was not trimmed", sent.Content)
	}
	if _, err := bs.SendMessage(ctx, "hi alice", nil); err != nil {
		t.Fatal(err)
	}

	eventually(t, "alice to see both messages", func() bool { return len(as.Messages(bob)) == 2 })
	eventually(t, "bob to see both messages", func() bool { return len(bs.Messages(alice)) == 2 })

	// The sender's own echo and the poll must not duplicate anything.
	if err := as.RefreshMessages(ctx, bob); err != nil {
		t.Fatal(err)
	}
	got := as.Messages(bob)
	if len(got) != 2 {
		t.Fatalf("after poll alice holds %d messages", len(got))
	}
	if got[0].ID != sent.ID || got[0].Sender != alice || got[1].Sender != bob {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestUnreadAccounting(t *testing.T) {
	b := newBackend(t)
	alice, aliceToken := b.signup(t, "alice")
	bob, bobToken := b.signup(t, "bob")
	ctx := context.Background()

	as := b.connected(t, aliceToken, fakeClock())
	bs := b.connected(t, bobToken, fakeClock())
	if err := bs.OpenChatWith(ctx, alice); err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"one", "two", "three"} {
		if _, err := bs.SendMessage(ctx, text, nil); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "pushed unread to reach 3", func() bool { return as.UnreadTotal() == 3 })

	if err := as.FetchConversations(ctx); err != nil {
		t.Fatal(err)
	}
	conversations := as.Conversations()
	if len(conversations) != 1 || conversations[0].Peer.ID != bob || conversations[0].UnreadCount != 3 {
		t.Fatalf("conversations = %+v", conversations)
	}
	if conversations[0].Peer.Name != "BOB" {
		t.Errorf("peer name %q", conversations[0].Peer.Name)
	}

	if err := as.OpenChatWith(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if as.UnreadTotal() != 0 {
		t.Errorf("unread %d right after opening", as.UnreadTotal())
	}
	if len(as.Messages(bob)) != 3 {
		t.Errorf("opening fetched %d messages", len(as.Messages(bob)))
	}
	if err := as.FetchConversations(ctx); err != nil {
		t.Fatal(err)
	}
	if as.UnreadTotal() != 0 {
		t.Errorf("server still reports %d unread after open", as.UnreadTotal())
	}

	// Messages arriving in the open conversation do not count.
	if _, err := bs.SendMessage(ctx, "four", nil); err != nil {
		t.Fatal(err)
	}
	eventually(t, "fourth message", func() bool { return len(as.Messages(bob)) == 4 })
	if as.UnreadTotal() != 0 {
		t.Errorf("unread %d for the active conversation", as.UnreadTotal())
	}
}

func TestSlowMarkReadDoesNotStallPushes(t *testing.T) {
	b := newBackend(t)
	alice, aliceToken := b.signup(t, "alice")
	bob, bobToken := b.signup(t, "bob")
	ctx := context.Background()

	as := b.connected(t, aliceToken, fakeClock())
	bs := b.connected(t, bobToken, fakeClock())
	if err := as.OpenChatWith(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if err := bs.OpenChatWith(ctx, alice); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	defer release()
	b.holdReads.Store(&gate)

	readRoute := "POST /api/conversations/" + string(bob) + "/read"
	if _, err := bs.SendMessage(ctx, "hi", nil); err != nil {
		t.Fatal(err)
	}
	eventually(t, "mark read to be held", func() bool { return b.held.Load() == 1 })
	reads := b.count(readRoute)

	// Pushes keep flowing while the mark read is outstanding.
	if err := bs.EmitTyping(true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "typing push behind a held mark read", func() bool { return as.IsTyping(bob) })
	if _, err := bs.SendMessage(ctx, "again", nil); err != nil {
		t.Fatal(err)
	}
	eventually(t, "second message", func() bool { return len(as.Messages(bob)) == 2 })
	if got := b.count(readRoute); got != reads {
		t.Errorf("%d mark reads while one was in flight, want them coalesced", got-reads)
	}

	b.holdReads.Store(nil)
	release()
	eventually(t, "coalesced mark read", func() bool { return b.count(readRoute) == reads+1 })
	eventually(t, "server unread to clear", func() bool {
		if err := as.FetchConversations(ctx); err != nil {
			t.Fatal(err)
		}
		return as.UnreadTotal() == 0
	})
}

func TestFailedRefreshPreservesState(t *testing.T) {
	b := newBackend(t)
	alice, aliceToken := b.signup(t, "alice")
	bob, bobToken := b.signup(t, "bob")
	ctx := context.Background()

	as := b.connected(t, aliceToken, fakeClock())
	bs := b.connected(t, bobToken, fakeClock())
	if err := as.OpenChatWith(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if err := bs.OpenChatWith(ctx, alice); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"a", "b"} {
		if _, err := bs.SendMessage(ctx, text, nil); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "both messages", func() bool { return len(as.Messages(bob)) == 2 })
	if err := as.FetchConversations(ctx); err != nil {
		t.Fatal(err)
	}
	beforeMessages := as.Messages(bob)
	beforeConversations := as.Conversations()

	b.failing.Store(true)

	err := as.RefreshMessages(ctx, bob)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "unavailable" {
		t.Fatalf("refresh = %v, want 503 APIError", err)
	}
	if err := as.FetchConversations(ctx); err == nil {
		t.Fatal("conversation fetch succeeded against failing backend")
	}

	if got := as.Messages(bob); len(got) != len(beforeMessages) || got[1].ID != beforeMessages[1].ID {
		t.Errorf("messages changed after failed refresh: %+v", got)
	}
	if got := as.Conversations(); len(got) != len(beforeConversations) || got[0].Peer.ID != bob {
		t.Errorf("conversations changed after failed fetch: %+v", got)
	}
	if as.Status() != StatusConnected {
		t.Errorf("status %s after API failure", as.Status())
	}
}

func TestSendMessageNeedsContentOrAttachment(t *testing.T) {
	b := newBackend(t)
	alice, aliceToken := b.signup(t, "alice")
	bob, bobToken := b.signup(t, "bob")
	ctx := context.Background()

	as := b.connected(t, aliceToken, fakeClock())
	bs := b.connected(t, bobToken, fakeClock())

	if _, err := as.SendMessage(ctx, "hello", nil); !errors.Is(err, ErrNoActiveConversation) {
		t.Errorf("send without active conversation = %v", err)
	}
	if err := as.OpenChatWith(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if err := bs.OpenChatWith(ctx, alice); err != nil {
		t.Fatal(err)
	}

	if _, err := as.SendMessage(ctx, " \n\t ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank send = %v, want ErrEmptyMessage", err)
	}
	if got := b.count("POST /api/messages"); got != 0 {
		t.Errorf("blank send issued %d requests", got)
	}

	msg, err := as.SendMessage(ctx, "", &Upload{Name: "notes.txt", ContentType: "text/plain", Body: strings.NewReader("minutes")})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "" || msg.Attachment == nil || msg.Attachment.Type != models.AttachmentFile || msg.Attachment.Name != "notes.txt" {
		t.Fatalf("attachment message = %+v", msg)
	}
	eventually(t, "bob to receive the attachment", func() bool {
		got := bs.Messages(alice)
		return len(got) == 1 && got[0].Attachment != nil
	})

	resp, err := http.Get(b.url + msg.Attachment.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("attachment served with %d", resp.StatusCode)
	}
}

func TestDeleteMessage(t *testing.T) {
	b := newBackend(t)
	alice, aliceToken := b.signup(t, "alice")
	bob, bobToken := b.signup(t, "bob")
	ctx := context.Background()

	as := b.connected(t, aliceToken, fakeClock())
	bs := b.connected(t, bobToken, fakeClock())
	if err := as.OpenChatWith(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if err := bs.OpenChatWith(ctx, alice); err != nil {
		t.Fatal(err)
	}

	fromBob, err := bs.SendMessage(ctx, "from bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	fromAlice, err := as.SendMessage(ctx, "from alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob to see alice's message", func() bool { return len(bs.Messages(alice)) == 2 })
	eventually(t, "alice to see bob's message", func() bool { return len(as.Messages(bob)) == 2 })

	if err := as.DeleteMessage(ctx, fromBob.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("deleting someone else's message = %v, want ErrForbidden", err)
	}
	for _, m := range as.Messages(bob) {
		if m.Deleted {
			t.Fatalf("forbidden delete mutated local state: %+v", m)
		}
	}
	if err := as.DeleteMessage(ctx, "no-such-message"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting unknown message = %v, want ErrNotFound", err)
	}

	if err := as.DeleteMessage(ctx, fromAlice.ID); err != nil {
		t.Fatal(err)
	}
	deletedIn := func(messages []models.Message) bool {
		for _, m := range messages {
			if m.ID == fromAlice.ID {
				return m.Deleted && m.Content == ""
			}
		}
		return false
	}
	if !deletedIn(as.Messages(bob)) {
		t.Error("sender's copy not flagged deleted")
	}
	eventually(t, "bob to see the deletion", func() bool { return deletedIn(bs.Messages(alice)) })

	// A later poll does not bring the content back.
	if err := bs.RefreshMessages(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if !deletedIn(bs.Messages(alice)) {
		t.Error("poll resurrected deleted message")
	}
}

func TestTypingSignalsExpire(t *testing.T) {
	b := newBackend(t)
	alice, aliceToken := b.signup(t, "alice")
	bob, bobToken := b.signup(t, "bob")
	ctx := context.Background()

	aliceClock, bobClock := fakeClock(), fakeClock()
	as := b.connected(t, aliceToken, aliceClock)
	bs := b.connected(t, bobToken, bobClock)

	if err := as.EmitTyping(true); !errors.Is(err, ErrNoActiveConversation) {
		t.Errorf("typing without active conversation = %v", err)
	}
	if err := as.OpenChatWith(ctx, bob); err != nil {
		t.Fatal(err)
	}

	if err := as.EmitTyping(true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob to see alice typing", func() bool { return bs.IsTyping(alice) })

	// No renewal and no explicit stop: the indicator lapses after a second.
	bobClock.Advance(999 * time.Millisecond)
	if !bs.IsTyping(alice) {
		t.Fatal("indicator cleared early")
	}
	bobClock.Advance(time.Millisecond)
	if bs.IsTyping(alice) {
		t.Fatal("indicator outlived the quiet period")
	}

	// An explicit stop clears it straight away.
	aliceClock.Advance(time.Second)
	if err := as.EmitTyping(true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "second typing signal", func() bool { return bs.IsTyping(alice) })
	if err := as.EmitTyping(false); err != nil {
		t.Fatal(err)
	}
	eventually(t, "explicit stop", func() bool { return !bs.IsTyping(alice) })
}

func TestCleanupStopsPollsAndPushes(t *testing.T) {
	b := newBackend(t)
	alice, aliceToken := b.signup(t, "alice")
	bob, bobToken := b.signup(t, "bob")
	ctx := context.Background()

	bs := b.connected(t, bobToken, fakeClock())
	if err := bs.OpenChatWith(ctx, alice); err != nil {
		t.Fatal(err)
	}
	baseMessages, baseConversations := b.count("GET /api/messages"), b.count("GET /api/conversations")

	clk := fakeClock()
	as := b.store(t, StaticToken(aliceToken), clk)
	if err := as.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := as.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := as.OpenChatWith(ctx, bob); err != nil {
		t.Fatal(err)
	}

	if got := b.count("GET /api/conversations") - baseConversations; got != 1 {
		t.Fatalf("start fetched conversations %d times", got)
	}
	if got := b.count("GET /api/messages") - baseMessages; got != 1 {
		t.Fatalf("open fetched messages %d times", got)
	}

	clk.Advance(3 * time.Second)
	if got := b.count("GET /api/messages") - baseMessages; got != 2 {
		t.Errorf("message poll ran %d times in 3s", got-1)
	}
	clk.Advance(2 * time.Second)
	if got := b.count("GET /api/conversations") - baseConversations; got != 2 {
		t.Errorf("conversation poll ran %d times in 5s", got-1)
	}

	as.Cleanup()
	as.Cleanup()

	if as.Status() != StatusDisconnected {
		t.Errorf("status %s after cleanup", as.Status())
	}
	if n := clk.PendingCount(); n != 0 {
		t.Errorf("%d timers pending after cleanup", n)
	}
	eventually(t, "alice's room to empty", func() bool { return b.hub.RoomSize(alice) == 0 })

	messagesPolled, conversationsPolled := b.count("GET /api/messages"), b.count("GET /api/conversations")
	clk.Advance(time.Minute)
	if b.count("GET /api/messages") != messagesPolled || b.count("GET /api/conversations") != conversationsPolled {
		t.Error("polls ran after cleanup")
	}

	if _, err := bs.SendMessage(ctx, "anyone there?", nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := as.Messages(bob); len(got) != 0 {
		t.Errorf("push processed after cleanup: %+v", got)
	}

	if _, err := as.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("connect after cleanup = %v", err)
	}
	if _, err := as.SendMessage(ctx, "late", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("send after cleanup = %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	b := newBackend(t)
	alice, token := b.signup(t, "alice")

	var reads atomic.Int32
	s := b.store(t, func() string {
		reads.Add(1)
		return token
	}, clock.Real())

	statuses := make(chan Status, 16)
	s.OnChange(func() {
		select {
		case statuses <- s.Status():
		default:
		}
	})

	first, err := s.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first.conn.Close()

	eventually(t, "a new session", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.session != nil && s.session != first && s.status == StatusConnected
	})
	if reads.Load() < 2 {
		t.Errorf("credential read %d times, want a fresh read per handshake", reads.Load())
	}
	eventually(t, "one live tab", func() bool { return b.hub.RoomSize(alice) == 1 })

	sawReconnecting := false
	for len(statuses) > 0 {
		if <-statuses == StatusReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Error("status never reported reconnecting")
	}
}
