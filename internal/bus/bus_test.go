package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"

	"erpchat/internal/models"
)

type delivery struct {
	userID models.UserID
	frame  string
}

func collect(t *testing.T, b Bus) (<-chan delivery, func()) {
	t.Helper()
	got := make(chan delivery, 16)
	unsubscribe, err := b.Subscribe(func(userID models.UserID, frame []byte) {
		got <- delivery{userID, string(frame)}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return got, unsubscribe
}

func expect(t *testing.T, got <-chan delivery, want delivery) {
	t.Helper()
	select {
	case d := <-got:
		if d != want {
			t.Fatalf("got %+v, want %+v", d, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %+v", want)
	}
}

func expectNothing(t *testing.T, got <-chan delivery) {
	t.Helper()
	select {
	case d := <-got:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

// exercise runs the behaviour every Bus implementation shares.
func exercise(t *testing.T, b Bus) {
	ctx := context.Background()
	first, unsubscribeFirst := collect(t, b)
	second, unsubscribeSecond := collect(t, b)
	defer unsubscribeSecond()

	if err := b.Publish(ctx, "alice", []byte(`{"type":"typing"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expect(t, first, delivery{"alice", `{"type":"typing"}`})
	expect(t, second, delivery{"alice", `{"type":"typing"}`})

	unsubscribeFirst()
	if err := b.Publish(ctx, "bob", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expect(t, second, delivery{"bob", "x"})
	expectNothing(t, first)
}

func TestLocal(t *testing.T) {
	b := NewLocal()
	exercise(t, b)

	b.Close()
	if err := b.Publish(context.Background(), "alice", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: %v", err)
	}
	if _, err := b.Subscribe(func(models.UserID, []byte) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("subscribe after close: %v", err)
	}
}

func runNATSServer(t *testing.T) string {
	t.Helper()
	s, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

func TestNATS(t *testing.T) {
	b, err := Open(runNATSServer(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*NATS); !ok {
		t.Fatalf("Open returned %T", b)
	}
	exercise(t, b)
}

func TestNATSRejectsSubjectTokens(t *testing.T) {
	b, err := NewNATS(runNATSServer(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	defer b.Close()

	for _, id := range []models.UserID{"", "a.b", "*", ">", "a b"} {
		if err := b.Publish(context.Background(), id, []byte("x")); err == nil {
			t.Errorf("Publish(%q) succeeded", id)
		}
	}
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open("redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*Redis); !ok {
		t.Fatalf("Open returned %T", b)
	}
	exercise(t, b)
}

func TestOpen(t *testing.T) {
	for _, url := range []string{"", "local", "local://"} {
		b, err := Open(url, zerolog.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", url, err)
		}
		if _, ok := b.(*Local); !ok {
			t.Errorf("Open(%q) = %T, want *Local", url, b)
		}
	}
	if _, err := Open("kafka://broker:9092", zerolog.Nop()); err == nil {
		t.Error("Open accepted an unsupported scheme")
	}
}
