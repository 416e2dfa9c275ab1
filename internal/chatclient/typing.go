package chatclient

import (
	"sync"
	"time"

	"erpchat/internal/clock"
	"erpchat/internal/models"
)

// Typist debounces the outgoing typing signal for one user. It is either
// idle or active towards a peer until expiresAt. A keystroke emits true when
// leaving idle and again every renew interval so the peer's quiet timeout
// never lapses mid-burst; quiet time without keystrokes emits false.
type Typist struct {
	clock clock.Clock
	quiet time.Duration
	renew time.Duration
	emit  func(to models.UserID, isTyping bool)

	mu        sync.Mutex
	active    bool
	to        models.UserID
	expiresAt time.Time
	lastSent  time.Time
	timer     *clock.Timer
	stopped   bool
}

func NewTypist(clk clock.Clock, quiet, renew time.Duration, emit func(to models.UserID, isTyping bool)) *Typist {
	return &Typist{clock: clk, quiet: quiet, renew: renew, emit: emit}
}

type emission struct {
	to       models.UserID
	isTyping bool
}

func (t *Typist) flush(out []emission) {
	for _, e := range out {
		t.emit(e.to, e.isTyping)
	}
}

// Keystroke records typing towards to.
func (t *Typist) Keystroke(to models.UserID) {
	var out []emission

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	if t.active && t.to != to {
		out = append(out, emission{t.to, false})
		t.active = false
	}
	if !t.active || now.Sub(t.lastSent) >= t.renew {
		out = append(out, emission{to, true})
		t.lastSent = now
	}
	t.active = true
	t.to = to
	t.expiresAt = now.Add(t.quiet)
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.quiet, t.expire)
	} else {
		t.timer.Reset(t.quiet)
	}
	t.mu.Unlock()

	t.flush(out)
}

// Stop emits false at once if a typing signal is active.
func (t *Typist) Stop() {
	var out []emission

	t.mu.Lock()
	if t.active {
		out = append(out, emission{t.to, false})
		t.active = false
		t.timer.Stop()
	}
	t.mu.Unlock()

	t.flush(out)
}

// Close cancels the quiet timer without emitting anything. Later keystrokes
// are ignored.
func (t *Typist) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Active reports whether a typing signal is being held, and towards whom.
func (t *Typist) Active() (models.UserID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.to, t.active
}

func (t *Typist) expire() {
	var out []emission

	t.mu.Lock()
	if t.active && !t.stopped && !t.clock.Now().Before(t.expiresAt) {
		out = append(out, emission{t.to, false})
		t.active = false
	}
	t.mu.Unlock()

	t.flush(out)
}

// TypingTracker holds the typing state reported by peers. A true signal
// counts for quiet after it was received unless renewed.
type TypingTracker struct {
	clock    clock.Clock
	quiet    time.Duration
	onChange func()

	mu      sync.Mutex
	expires map[models.UserID]time.Time
	timers  map[models.UserID]*clock.Timer
	stopped bool
}

func NewTypingTracker(clk clock.Clock, quiet time.Duration, onChange func()) *TypingTracker {
	if onChange == nil {
		onChange = func() {}
	}
	return &TypingTracker{
		clock:    clk,
		quiet:    quiet,
		onChange: onChange,
		expires:  make(map[models.UserID]time.Time),
		timers:   make(map[models.UserID]*clock.Timer),
	}
}

func (t *TypingTracker) Set(user models.UserID, isTyping bool) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if isTyping {
		t.expires[user] = t.clock.Now().Add(t.quiet)
		if timer, ok := t.timers[user]; ok {
			timer.Reset(t.quiet)
		} else {
			t.timers[user] = t.clock.AfterFunc(t.quiet, func() { t.expire(user) })
		}
	} else {
		delete(t.expires, user)
		if timer, ok := t.timers[user]; ok {
			timer.Stop()
			delete(t.timers, user)
		}
	}
	t.mu.Unlock()

	t.onChange()
}

// IsTyping reports whether user's last true signal is still fresh.
func (t *TypingTracker) IsTyping(user models.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiresAt, ok := t.expires[user]
	return ok && t.clock.Now().Before(expiresAt)
}

func (t *TypingTracker) expire(user models.UserID) {
	t.mu.Lock()
	expiresAt, ok := t.expires[user]
	if !ok || t.stopped || t.clock.Now().Before(expiresAt) {
		t.mu.Unlock()
		return
	}
	delete(t.expires, user)
	delete(t.timers, user)
	t.mu.Unlock()

	t.onChange()
}

// Stop cancels every expiry timer.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for user, timer := range t.timers {
		timer.Stop()
		delete(t.timers, user)
	}
	t.expires = make(map[models.UserID]time.Time)
}
