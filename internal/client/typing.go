package client

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

const (
	defaultTypingQuiet = time.Second
	defaultTypingTTL   = 5 * time.Second
)

type typingKey struct {
	groupId string
	userId  int
}

type localTyping struct {
	timer *time.Timer
	last  time.Time
}

type remoteTyping struct {
	timer *time.Timer
	gen   int
}

// TypingTracker turns local keystrokes into start and stop signals and
// keeps remote typing indicators alive only for a bounded time.
type TypingTracker struct {
	conn  sender
	store *Store
	log   *log.Logger
	quiet time.Duration
	ttl   time.Duration

	mu     sync.Mutex
	local  map[string]*localTyping
	remote map[typingKey]*remoteTyping
	gen    int
	closed bool
}

func NewTypingTracker(conn sender, store *Store, logger *log.Logger, quiet, ttl time.Duration) *TypingTracker {
	if quiet <= 0 {
		quiet = defaultTypingQuiet
	}
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &TypingTracker{
		conn:   conn,
		store:  store,
		log:    logger,
		quiet:  quiet,
		ttl:    ttl,
		local:  make(map[string]*localTyping),
		remote: make(map[typingKey]*remoteTyping),
	}
}

// NotifyTyping reports local input activity for the group.
func (t *TypingTracker) NotifyTyping(groupId string, isTyping bool) {
	if isTyping {
		t.Keystroke(groupId)
	} else {
		t.Stop(groupId)
	}
}

// Keystroke sends a start signal at the beginning of a burst of input. The
// stop signal follows once no input was seen for the quiet interval.
func (t *TypingTracker) Keystroke(groupId string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if lt, ok := t.local[groupId]; ok {
		lt.last = time.Now()
		t.mu.Unlock()
		return
	}

	t.local[groupId] = &localTyping{
		last:  time.Now(),
		timer: time.AfterFunc(t.quiet, func() { t.quietElapsed(groupId) }),
	}
	t.mu.Unlock()

	t.send(groupId, true)
}

func (t *TypingTracker) quietElapsed(groupId string) {
	t.mu.Lock()
	lt, ok := t.local[groupId]
	if !ok {
		t.mu.Unlock()
		return
	}
	if remaining := t.quiet - time.Since(lt.last); remaining > 0 {
		lt.timer.Reset(remaining)
		t.mu.Unlock()
		return
	}
	delete(t.local, groupId)
	t.mu.Unlock()

	t.send(groupId, false)
}

// Stop ends the current burst immediately, e.g. when the message is submitted.
func (t *TypingTracker) Stop(groupId string) {
	t.mu.Lock()
	lt, ok := t.local[groupId]
	if !ok {
		t.mu.Unlock()
		return
	}
	lt.timer.Stop()
	delete(t.local, groupId)
	t.mu.Unlock()

	t.send(groupId, false)
}

func (t *TypingTracker) send(groupId string, isTyping bool) {
	err := t.conn.Notify(&protocol.ClientMessage{
		Typing: &protocol.Typing{GroupId: groupId, IsTyping: isTyping},
	})
	if err != nil && !errors.Is(err, ErrDisconnected) {
		t.log.Printf("typing: send: %v", err)
	}
}

// Handle applies a remote typing update. Every start schedules an expiry so
// a lost stop signal cannot leave the indicator on.
func (t *TypingTracker) Handle(u protocol.TypingUpdate) {
	if u.UserId == t.store.Self() {
		return
	}

	k := typingKey{groupId: u.GroupId, userId: u.UserId}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if rt, ok := t.remote[k]; ok {
		rt.timer.Stop()
		delete(t.remote, k)
	}

	if !u.IsTyping {
		t.store.ClearTyping(u.GroupId, u.UserId)
		return
	}

	t.gen++
	gen := t.gen
	t.remote[k] = &remoteTyping{
		gen:   gen,
		timer: time.AfterFunc(t.ttl, func() { t.expire(k, gen) }),
	}
	t.store.SetTyping(u.GroupId, u.UserId, time.Now())
}

// HandleMessage clears the sender's typing indicator.
func (t *TypingTracker) HandleMessage(m types.Message) {
	t.Handle(protocol.TypingUpdate{UserId: m.UserId, GroupId: m.GroupId, IsTyping: false})
}

func (t *TypingTracker) expire(k typingKey, gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rt, ok := t.remote[k]
	if !ok || rt.gen != gen {
		return
	}
	delete(t.remote, k)
	t.store.ClearTyping(k.groupId, k.userId)
}

// Close cancels every timer. No signal is sent afterwards.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, lt := range t.local {
		lt.timer.Stop()
		delete(t.local, id)
	}
	for k, rt := range t.remote {
		rt.timer.Stop()
		delete(t.remote, k)
	}
}
