package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"erpchat/internal/models"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) tick() { c.now = c.now.Add(time.Second) }

func openTestDB(t *testing.T) (*DB, *testClock) {
	t.Helper()
	ctx := context.Background()
	database, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "chat.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	clk := &testClock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	database.SetClock(clk.Now)
	return database, clk
}

func mustUser(t *testing.T, database *DB, username string) *models.User {
	t.Helper()
	user, err := database.CreateUser(context.Background(), models.RegisterRequest{
		Username:    username,
		DisplayName: "User " + username,
		Role:        "employee",
	}, "hash")
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return user
}

func TestCreateUserConflict(t *testing.T) {
	database, _ := openTestDB(t)
	mustUser(t, database, "alice")

	_, err := database.CreateUser(context.Background(), models.RegisterRequest{Username: "alice"}, "hash")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestGetUser(t *testing.T) {
	database, _ := openTestDB(t)
	alice := mustUser(t, database, "alice")
	ctx := context.Background()

	byID, err := database.GetUserByID(ctx, alice.ID)
	if err != nil || byID.Username != "alice" {
		t.Fatalf("GetUserByID = %+v, %v", byID, err)
	}
	byName, err := database.GetUserByUsername(ctx, "alice")
	if err != nil || byName.ID != alice.ID || byName.Password != "hash" {
		t.Fatalf("GetUserByUsername = %+v, %v", byName, err)
	}
	if _, err := database.GetUserByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user err = %v, want ErrNotFound", err)
	}
}

func TestSearchUsersOrdersExactFirst(t *testing.T) {
	database, _ := openTestDB(t)
	mustUser(t, database, "bobby")
	mustUser(t, database, "bob")
	mustUser(t, database, "jimbob")
	mustUser(t, database, "carol")

	users, err := database.SearchUsers(context.Background(), "BOB")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, u := range users {
		names = append(names, u.Username)
	}
	want := []string{"bob", "bobby", "jimbob"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestMessagesBetweenAreChronological(t *testing.T) {
	database, clk := openTestDB(t)
	ctx := context.Background()
	alice := mustUser(t, database, "alice")
	bob := mustUser(t, database, "bob")
	carol := mustUser(t, database, "carol")

	var sent []*models.Message
	for i, pair := range [][2]*models.User{{alice, bob}, {bob, alice}, {alice, carol}, {alice, bob}} {
		clk.tick()
		msg, err := database.CreateMessage(ctx, pair[0].ID, pair[1].ID, "m"+string(rune('0'+i)), nil)
		if err != nil {
			t.Fatal(err)
		}
		sent = append(sent, msg)
	}

	messages, err := database.ListMessagesBetween(ctx, bob.ID, alice.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3 (carol's excluded)", len(messages))
	}
	for i, want := range []*models.Message{sent[0], sent[1], sent[3]} {
		if messages[i].ID != want.ID {
			t.Errorf("messages[%d] = %s, want %s", i, messages[i].Content, want.Content)
		}
	}

	latest, err := database.ListMessagesBetween(ctx, alice.ID, bob.ID, 1)
	if err != nil || len(latest) != 1 || latest[0].ID != sent[3].ID {
		t.Errorf("limit 1 = %v, %v; want the newest message", latest, err)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	alice := mustUser(t, database, "alice")
	bob := mustUser(t, database, "bob")

	attachment := &models.Attachment{URL: "/uploads/x.png", Type: models.AttachmentImage, Name: "x.png", Size: 42}
	msg, err := database.CreateMessage(ctx, alice.ID, bob.ID, "", attachment)
	if err != nil {
		t.Fatal(err)
	}
	got, err := database.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attachment == nil || *got.Attachment != *attachment {
		t.Errorf("attachment = %+v, want %+v", got.Attachment, attachment)
	}
}

func TestSoftDeleteOnlyBySender(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	alice := mustUser(t, database, "alice")
	bob := mustUser(t, database, "bob")

	msg, _ := database.CreateMessage(ctx, alice.ID, bob.ID, "secret", &models.Attachment{URL: "/u/f", Type: models.AttachmentFile, Name: "f", Size: 1})

	if _, err := database.SoftDeleteMessage(ctx, msg.ID, bob.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("recipient delete err = %v, want ErrForbidden", err)
	}
	if got, _ := database.GetMessage(ctx, msg.ID); got.Deleted || got.Content != "secret" {
		t.Fatalf("forbidden delete mutated the message: %+v", got)
	}

	deleted, err := database.SoftDeleteMessage(ctx, msg.ID, alice.ID)
	if err != nil {
		t.Fatalf("sender delete: %v", err)
	}
	if !deleted.Deleted || deleted.Content != "" || deleted.Attachment != nil {
		t.Errorf("returned message not retracted: %+v", deleted)
	}
	got, _ := database.GetMessage(ctx, msg.ID)
	if !got.Deleted || got.Content != "" || got.Attachment != nil {
		t.Errorf("stored message not retracted: %+v", got)
	}

	if _, err := database.SoftDeleteMessage(ctx, msg.ID, alice.ID); err != nil {
		t.Errorf("second delete: %v", err)
	}
	if _, err := database.SoftDeleteMessage(ctx, "nope", alice.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing message err = %v, want ErrNotFound", err)
	}
}

func TestConversationsUnreadAndOrder(t *testing.T) {
	database, clk := openTestDB(t)
	ctx := context.Background()
	alice := mustUser(t, database, "alice")
	bob := mustUser(t, database, "bob")
	carol := mustUser(t, database, "carol")

	for i := 0; i < 3; i++ {
		clk.tick()
		database.CreateMessage(ctx, bob.ID, alice.ID, "hi", nil)
	}
	clk.tick()
	database.CreateMessage(ctx, alice.ID, carol.ID, "hello carol", nil)
	clk.tick()
	deleted, _ := database.CreateMessage(ctx, carol.ID, alice.ID, "oops", nil)
	database.SoftDeleteMessage(ctx, deleted.ID, carol.ID)

	conversations, err := database.ListConversations(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conversations) != 2 {
		t.Fatalf("got %d conversations, want 2", len(conversations))
	}
	if conversations[0].Peer.ID != carol.ID || conversations[1].Peer.ID != bob.ID {
		t.Fatalf("order = %s, %s; want carol (most recent) then bob", conversations[0].Peer.Name, conversations[1].Peer.Name)
	}
	if conversations[0].UnreadCount != 0 {
		t.Errorf("carol unread = %d, deleted messages must not count", conversations[0].UnreadCount)
	}
	if conversations[1].UnreadCount != 3 {
		t.Errorf("bob unread = %d, want 3", conversations[1].UnreadCount)
	}
	if conversations[1].LastMessage == nil || conversations[1].LastMessage.Content != "hi" {
		t.Errorf("bob last message = %+v", conversations[1].LastMessage)
	}
	if conversations[1].Peer.Name != "User bob" || conversations[1].Peer.Role != "employee" {
		t.Errorf("peer summary = %+v", conversations[1].Peer)
	}

	// Bob's view: nothing unread, alice sent him nothing.
	bobs, _ := database.ListConversations(ctx, bob.ID)
	if len(bobs) != 1 || bobs[0].UnreadCount != 0 {
		t.Errorf("bob's conversations = %+v", bobs)
	}

	marked, err := database.MarkConversationRead(ctx, alice.ID, bob.ID)
	if err != nil || marked != 3 {
		t.Fatalf("MarkConversationRead = %d, %v; want 3", marked, err)
	}
	conversations, _ = database.ListConversations(ctx, alice.ID)
	for _, conv := range conversations {
		if conv.UnreadCount != 0 {
			t.Errorf("%s unread = %d after mark read", conv.Peer.Name, conv.UnreadCount)
		}
	}
	if again, _ := database.MarkConversationRead(ctx, alice.ID, bob.ID); again != 0 {
		t.Errorf("second mark read marked %d", again)
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{dialect: SQLite}
	if got := sqlite.rebind("SET a = $3 WHERE b = $1 AND c = $12"); got != "SET a = ?3 WHERE b = ?1 AND c = ?12" {
		t.Errorf("sqlite rebind = %q", got)
	}
	pg := &DB{dialect: Postgres}
	if got := pg.rebind("a = $1"); got != "a = $1" {
		t.Errorf("postgres rebind changed query: %q", got)
	}
}
