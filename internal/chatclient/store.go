// Package chatclient is the client side of the chat subsystem: a store that
// keeps per-peer message lists, unread counters, typing and connection
// status, fed by realtime pushes and corrected by periodic polls.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"

	"erpchat/internal/clock"
	"erpchat/internal/logging"
	"erpchat/internal/models"
)

// Status is the realtime connection status shown to the user.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

type Options struct {
	// BaseURL is the chat server's http(s) root, e.g. http://localhost:8080.
	BaseURL    string
	Credential TokenSource

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Clock      clock.Clock
	Logger     zerolog.Logger

	MessagePollInterval      time.Duration
	ConversationPollInterval time.Duration
	MessageLimit             int
	TypingQuiet              time.Duration
	TypingRenew              time.Duration
	ReconnectMin             time.Duration
	ReconnectMax             time.Duration
}

func (o *Options) setDefaults() {
	if o.Credential == nil {
		o.Credential = func() string { return "" }
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.MessagePollInterval <= 0 {
		o.MessagePollInterval = 3 * time.Second
	}
	if o.ConversationPollInterval <= 0 {
		o.ConversationPollInterval = 5 * time.Second
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 50
	}
	if o.TypingQuiet <= 0 {
		o.TypingQuiet = time.Second
	}
	if o.TypingRenew <= 0 {
		o.TypingRenew = 500 * time.Millisecond
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
}

// Store owns the chat state of one signed-in user. State changes only
// through its methods; readers use the selectors, which return copies.
type Store struct {
	opts   Options
	api    *apiClient
	clock  clock.Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	t      tomb.Tomb

	typist  *Typist
	typing  *TypingTracker
	closeMu sync.Once

	// connectMu serializes Connect so concurrent callers share one session.
	connectMu sync.Mutex

	mu               sync.Mutex
	closed           bool
	started          bool
	status           Status
	session          *Session
	me               models.UserID
	active           models.UserID
	conversations    []*models.Conversation
	messagesByPeerID map[models.UserID][]*models.Message
	messagePoll      *clock.Timer
	conversationPoll *clock.Timer
	listeners        map[int]func()
	nextListener     int
	// marking holds peers with a mark-read request in flight; true asks
	// for one more once it returns.
	marking map[models.UserID]bool
}

func New(opts Options) (*Store, error) {
	opts.setDefaults()
	api, err := newAPIClient(opts.BaseURL, opts.HTTPClient, opts.Credential)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opts:             opts,
		api:              api,
		clock:            opts.Clock,
		logger:           logging.Component(opts.Logger, "chatclient"),
		ctx:              ctx,
		cancel:           cancel,
		status:           StatusDisconnected,
		messagesByPeerID: make(map[models.UserID][]*models.Message),
		listeners:        make(map[int]func()),
		marking:          make(map[models.UserID]bool),
	}
	s.typist = NewTypist(s.clock, opts.TypingQuiet, opts.TypingRenew, s.sendTyping)
	s.typing = NewTypingTracker(s.clock, opts.TypingQuiet, s.changed)

	// Keeps the tomb alive until Cleanup so supervisors can be added later.
	s.t.Go(func() error {
		<-s.t.Dying()
		return nil
	})
	return s, nil
}

// OnChange registers fn to run after every state change. The returned func
// unregisters it.
func (s *Store) OnChange(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// changed runs the listeners. It must be called without s.mu held.
func (s *Store) changed() {
	s.mu.Lock()
	listeners := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (s *Store) setStatus(status Status) {
	s.mu.Lock()
	if s.closed && status != StatusDisconnected {
		s.mu.Unlock()
		return
	}
	same := s.status == status
	s.status = status
	s.mu.Unlock()

	if !same {
		s.logger.Debug().Str("status", string(status)).Msg("connection status")
		s.changed()
	}
}

// Connect establishes the realtime session with the current credential. If
// a live session exists it is returned unchanged. With no credential it
// returns ErrNoCredential without touching the network.
func (s *Store) Connect(ctx context.Context) (*Session, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if sess := s.session; sess != nil {
		select {
		case <-sess.Dead():
		default:
			s.mu.Unlock()
			return sess, nil
		}
	}
	reconnecting := s.status == StatusReconnecting
	s.mu.Unlock()

	token := s.opts.Credential()
	if token == "" {
		if !reconnecting {
			s.setStatus(StatusDisconnected)
		}
		return nil, ErrNoCredential
	}

	if !reconnecting {
		s.setStatus(StatusConnecting)
	}
	sess, err := dial(ctx, s.opts.Dialer, s.api.base, token)
	if err != nil {
		if !reconnecting {
			s.setStatus(StatusDisconnected)
		}
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.conn.Close()
		return nil, ErrClosed
	}
	s.session = sess
	s.me = sess.UserID
	s.mu.Unlock()

	sess.start(func(envelope models.Envelope) { s.handleEvent(sess, envelope) })
	s.t.Go(func() error { return s.supervise(sess) })

	s.logger.Info().Str(logging.USER, sess.UserID.String()).Str(logging.CONN, sess.ID).Msg("Connected")
	s.setStatus(StatusConnected)
	return sess, nil
}

// supervise waits for sess to drop and then reconnects.
func (s *Store) supervise(sess *Session) error {
	select {
	case <-sess.Dead():
	case <-s.t.Dying():
		return nil
	}
	if s.isClosed() {
		return nil
	}
	s.logger.Warn().Err(sess.Err()).Str(logging.CONN, sess.ID).Msg("Connection lost")
	return s.reconnect()
}

// reconnect retries Connect with exponential backoff. Every attempt runs
// the full handshake with a freshly read credential.
func (s *Store) reconnect() error {
	s.setStatus(StatusReconnecting)
	delay := s.opts.ReconnectMin
	for {
		select {
		case <-s.clock.After(delay):
		case <-s.t.Dying():
			return nil
		}
		if _, err := s.Connect(s.ctx); err == nil {
			return nil
		} else if errors.Is(err, ErrClosed) {
			return nil
		} else {
			s.logger.Debug().Err(err).Dur("delay", delay).Msg("Reconnect failed")
		}
		delay = min(delay*2, s.opts.ReconnectMax)
	}
}

// Start connects (best effort), loads the conversation list and starts the
// message and conversation polls. Errors from the connect and the first
// fetch are returned, but the polls run regardless.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	_, connectErr := s.Connect(ctx)
	if connectErr != nil && !errors.Is(connectErr, ErrNoCredential) && !errors.Is(connectErr, ErrUnauthorized) {
		s.t.Go(s.reconnect)
	}
	fetchErr := s.FetchConversations(ctx)

	s.mu.Lock()
	if !s.closed {
		s.messagePoll = s.clock.AfterFunc(s.opts.MessagePollInterval, s.pollMessages)
		s.conversationPoll = s.clock.AfterFunc(s.opts.ConversationPollInterval, s.pollConversations)
	}
	s.mu.Unlock()

	return errors.Join(connectErr, fetchErr)
}

func (s *Store) pollMessages() {
	if s.isClosed() {
		return
	}
	if peer := s.ActiveUser(); peer.Valid() {
		if err := s.RefreshMessages(s.ctx, peer); err != nil {
			s.logger.Debug().Err(err).Str(logging.PEER, peer.String()).Msg("message poll failed")
		}
	}
	s.mu.Lock()
	if !s.closed {
		s.messagePoll.Reset(s.opts.MessagePollInterval)
	}
	s.mu.Unlock()
}

func (s *Store) pollConversations() {
	if s.isClosed() {
		return
	}
	if err := s.FetchConversations(s.ctx); err != nil {
		s.logger.Debug().Err(err).Msg("conversation poll failed")
	}
	s.mu.Lock()
	if !s.closed {
		s.conversationPoll.Reset(s.opts.ConversationPollInterval)
	}
	s.mu.Unlock()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FetchConversations replaces the conversation list with the server's. On
// failure the current list is kept.
func (s *Store) FetchConversations(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	conversations, err := s.api.conversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	// The active conversation is read as far as this client is concerned,
	// even if the server has not applied the mark-read yet.
	for _, conv := range conversations {
		if conv.Peer.ID == s.active {
			conv.UnreadCount = 0
		}
	}
	s.conversations = conversations
	s.mu.Unlock()

	s.changed()
	return nil
}

// RefreshMessages replaces the cached messages for peer with the server's.
// On failure the cache is left as it was.
func (s *Store) RefreshMessages(ctx context.Context, peer models.UserID) error {
	if s.isClosed() {
		return ErrClosed
	}
	messages, err := s.api.messages(ctx, peer, s.opts.MessageLimit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.messagesByPeerID[peer] = reconcile(s.messagesByPeerID[peer], messages)
	s.mu.Unlock()

	s.changed()
	return nil
}

// OpenChatWith makes peer the active conversation: its unread count drops
// to zero locally and on the server, and its messages are fetched if not
// cached yet.
func (s *Store) OpenChatWith(ctx context.Context, peer models.UserID) error {
	if !peer.Valid() {
		return ErrNoActiveConversation
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	previous := s.active
	s.active = peer
	s.zeroUnreadLocked(peer)
	_, cached := s.messagesByPeerID[peer]
	s.mu.Unlock()

	if previous != peer {
		s.typist.Stop()
	}
	s.changed()

	var fetchErr error
	if !cached {
		fetchErr = s.RefreshMessages(ctx, peer)
	}
	s.markRead(ctx, peer)
	return fetchErr
}

func (s *Store) markRead(ctx context.Context, peer models.UserID) {
	if err := s.api.markRead(ctx, peer); err != nil {
		s.logger.Warn().Err(err).Str(logging.PEER, peer.String()).Msg("mark read failed")
	}
}

func (s *Store) zeroUnreadLocked(peer models.UserID) {
	for i, conv := range s.conversations {
		if conv.Peer.ID == peer && conv.UnreadCount != 0 {
			c := *conv
			c.UnreadCount = 0
			s.conversations[i] = &c
		}
	}
}

// SendMessage sends to the active conversation. Content is trimmed; a
// message with neither content nor upload is rejected before any request.
// There is no retry.
func (s *Store) SendMessage(ctx context.Context, content string, upload *Upload) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && upload == nil {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	to := s.active
	s.mu.Unlock()
	if !to.Valid() {
		return nil, ErrNoActiveConversation
	}

	s.typist.Stop()
	msg, err := s.api.sendMessage(ctx, to, content, upload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.messagesByPeerID[to] = Merge(s.messagesByPeerID[to], []*models.Message{msg})
	s.touchConversationLocked(to, msg, false)
	s.mu.Unlock()

	s.changed()
	return msg, nil
}

// DeleteMessage retracts one of the caller's messages. The local copy is
// flagged only after the server accepted the deletion.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	deleted, err := s.api.deleteMessage(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.retractLocked(deleted.Peer(deleted.Sender), id)
	s.retractLocked(deleted.Peer(deleted.Recipient), id)
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Store) retractLocked(peer models.UserID, id string) bool {
	messages := s.messagesByPeerID[peer]
	for i, msg := range messages {
		if msg.ID == id {
			updated := make([]*models.Message, len(messages))
			copy(updated, messages)
			updated[i] = retract(msg)
			s.messagesByPeerID[peer] = updated
			return true
		}
	}
	return false
}

// EmitTyping reports the user typing (or not) in the active conversation.
// Repeated true calls are debounced; false goes out immediately.
func (s *Store) EmitTyping(isTyping bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	to := s.active
	s.mu.Unlock()

	if !isTyping {
		s.typist.Stop()
		return nil
	}
	if !to.Valid() {
		return ErrNoActiveConversation
	}
	s.typist.Keystroke(to)
	return nil
}

func (s *Store) sendTyping(to models.UserID, isTyping bool) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Emit(models.EventTyping, models.TypingRequest{To: to, IsTyping: isTyping}); err != nil {
		s.logger.Debug().Err(err).Msg("typing emit failed")
	}
}

// handleEvent applies one push from sess. Pushes from a replaced session or
// after Cleanup are ignored.
func (s *Store) handleEvent(sess *Session, envelope models.Envelope) {
	s.mu.Lock()
	stale := s.closed || s.session != sess
	s.mu.Unlock()
	if stale {
		return
	}

	switch envelope.Type {
	case models.EventNewMessage:
		var msg models.Message
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil || msg.ID == "" {
			s.logger.Debug().Err(err).Msg("dropping malformed new_message")
			return
		}
		s.receive(&msg)

	case models.EventMessageDeleted:
		var notice models.MessageDeleted
		if err := json.Unmarshal(envelope.Payload, &notice); err != nil {
			return
		}
		s.mu.Lock()
		s.retractLocked(notice.Sender, notice.ID)
		s.retractLocked(notice.Recipient, notice.ID)
		s.mu.Unlock()
		s.changed()

	case models.EventTyping:
		var notice models.TypingNotice
		if err := json.Unmarshal(envelope.Payload, &notice); err != nil || !notice.From.Valid() {
			return
		}
		s.typing.Set(notice.From, notice.IsTyping)

	case models.EventConversationRead:
		var notice models.ConversationRead
		if err := json.Unmarshal(envelope.Payload, &notice); err != nil {
			return
		}
		s.mu.Lock()
		s.zeroUnreadLocked(notice.Peer)
		s.mu.Unlock()
		s.changed()

	default:
		s.logger.Debug().Str(logging.EVENT, envelope.Type).Msg("ignoring event")
	}
}

// receive merges a pushed message. Inbound messages bump the peer's unread
// count unless that conversation is open, in which case they are marked
// read on the server in the background.
func (s *Store) receive(msg *models.Message) {
	s.mu.Lock()
	me := s.me
	peer := msg.Peer(me)
	cached := s.messagesByPeerID[peer]
	duplicate := false
	for _, m := range cached {
		if m.ID == msg.ID {
			duplicate = true
			break
		}
	}
	if _, ok := s.messagesByPeerID[peer]; ok {
		s.messagesByPeerID[peer] = Merge(cached, []*models.Message{msg})
	}
	inbound := msg.Recipient == me
	active := peer == s.active
	s.touchConversationLocked(peer, msg, inbound && !active && !duplicate)
	s.mu.Unlock()

	if inbound && active {
		s.markReadLater(peer)
	}
	s.changed()
}

// markReadLater marks peer's conversation read off the event loop. Requests
// for the same peer are coalesced so at most one is in flight.
func (s *Store) markReadLater(peer models.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, inFlight := s.marking[peer]; inFlight {
		s.marking[peer] = true
		return
	}
	s.marking[peer] = false
	s.t.Go(func() error {
		for {
			s.markRead(s.ctx, peer)
			s.mu.Lock()
			again := s.marking[peer] && !s.closed
			if !again {
				delete(s.marking, peer)
				s.mu.Unlock()
				return nil
			}
			s.marking[peer] = false
			s.mu.Unlock()
		}
	})
}

// touchConversationLocked records activity on peer's conversation and moves
// it to the front, creating a placeholder entry if the list lacks it.
func (s *Store) touchConversationLocked(peer models.UserID, msg *models.Message, unread bool) {
	var conv models.Conversation
	index := -1
	for i, c := range s.conversations {
		if c.Peer.ID == peer {
			conv = *c
			index = i
			break
		}
	}
	if index < 0 {
		conv.Peer = models.PeerSummary{ID: peer, Name: string(peer)}
	}
	if msg.CreatedAt.After(conv.LastActivityAt) {
		conv.LastActivityAt = msg.CreatedAt
		conv.LastMessage = msg
	}
	if unread {
		conv.UnreadCount++
	}

	updated := make([]*models.Conversation, 0, len(s.conversations)+1)
	updated = append(updated, &conv)
	for i, c := range s.conversations {
		if i != index {
			updated = append(updated, c)
		}
	}
	s.conversations = updated
}

// Cleanup closes the session, stops every timer and the reconnect loop.
// Later calls do nothing; no poll or push is processed afterwards.
func (s *Store) Cleanup() {
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.messagePoll != nil {
			s.messagePoll.Stop()
		}
		if s.conversationPoll != nil {
			s.conversationPoll.Stop()
		}
		s.mu.Unlock()

		s.typist.Close()
		s.typing.Stop()
		s.cancel()

		// Wait for an in-flight Connect to give up.
		s.connectMu.Lock()
		s.mu.Lock()
		sess := s.session
		s.session = nil
		s.mu.Unlock()
		s.connectMu.Unlock()

		if sess != nil {
			sess.Close()
		}
		s.t.Kill(nil)
		s.t.Wait()

		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()
		s.changed()
	})
}

// Status returns the realtime connection status.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Me is the signed-in user, known once a session has been established.
func (s *Store) Me() models.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me
}

func (s *Store) ActiveUser() models.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = *c
	}
	return out
}

// Messages returns the cached messages for peer, oldest first.
func (s *Store) Messages(peer models.UserID) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached := s.messagesByPeerID[peer]
	out := make([]models.Message, len(cached))
	for i, m := range cached {
		out[i] = *m
	}
	return out
}

// IsTyping reports whether user is currently typing to us.
func (s *Store) IsTyping(user models.UserID) bool {
	return s.typing.IsTyping(user)
}

// UnreadTotal sums the unread counts of every conversation.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}
