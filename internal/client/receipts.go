package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

const (
	defaultReadDwell = 1500 * time.Millisecond
	readTimeout      = 10 * time.Second
)

// Receipts marks messages read and applies status updates from the server.
// While a group is being viewed, its unread inbound messages are marked read
// in one batch after a dwell delay.
type Receipts struct {
	conn  sender
	store *Store
	log   *log.Logger
	dwell time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	scheduled string
	gen       int

	ctx    context.Context
	cancel context.CancelFunc
}

func NewReceipts(conn sender, store *Store, logger *log.Logger, dwell time.Duration) *Receipts {
	if dwell <= 0 {
		dwell = defaultReadDwell
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Receipts{
		conn:   conn,
		store:  store,
		log:    logger,
		dwell:  dwell,
		ctx:    ctx,
		cancel: cancel,
	}
}

// MarkRead marks the given messages read. Messages written by the local
// participant, or not loaded, are left out. It returns the ids sent.
func (r *Receipts) MarkRead(ctx context.Context, groupId string, ids []string) ([]string, error) {
	ids = r.store.Inbound(groupId, ids)
	if len(ids) == 0 {
		return nil, nil
	}

	resp, err := r.conn.Send(ctx, &protocol.ClientMessage{
		Read: &protocol.Read{GroupId: groupId, MessageIds: ids},
	})
	if err != nil {
		return nil, err
	}

	var res protocol.ReadResult
	if err := resp.Decode(&res); err != nil {
		return nil, fmt.Errorf("decode read result: %w", err)
	}

	// every requested inbound message is READ on the server now
	r.store.ApplyStatus(groupId, ids, types.StatusRead)
	r.store.RaiseLastRead(groupId, ids)
	if len(r.store.InboundUnread(groupId)) == 0 {
		r.store.ResetUnread(groupId)
	}
	return ids, nil
}

// Handle applies a status update broadcast by the server. Updates never
// move a message backwards.
func (r *Receipts) Handle(rc protocol.Receipt) {
	r.store.ApplyStatus(rc.GroupId, rc.MessageIds, rc.Status)
}

// SetActive records the group being viewed, or none when groupId is empty,
// and schedules the dwell delayed read.
func (r *Receipts) SetActive(groupId string) {
	r.store.SetActive(groupId)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
		r.scheduled = ""
	}
	if groupId != "" {
		r.scheduleLocked(groupId)
	}
}

// HandleMessage schedules a read for inbound messages of the viewed group.
func (r *Receipts) HandleMessage(m types.Message) {
	if m.UserId == r.store.Self() {
		return
	}
	r.Schedule(m.GroupId)
}

// Schedule arms the dwell delayed read when groupId is the viewed group,
// e.g. after history missed while offline was merged into it.
func (r *Receipts) Schedule(groupId string) {
	if groupId == "" || groupId != r.store.Active() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLocked(groupId)
}

func (r *Receipts) scheduleLocked(groupId string) {
	if r.timer != nil && r.scheduled == groupId {
		return
	}
	gen := r.gen
	r.scheduled = groupId
	r.timer = time.AfterFunc(r.dwell, func() { r.autoRead(groupId, gen) })
}

func (r *Receipts) autoRead(groupId string, gen int) {
	r.mu.Lock()
	if gen != r.gen || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.scheduled = ""
	r.mu.Unlock()

	if r.store.Active() != groupId {
		return
	}

	ids := r.store.InboundUnread(groupId)
	if len(ids) == 0 {
		r.store.ResetUnread(groupId)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, readTimeout)
	defer cancel()
	if _, err := r.MarkRead(ctx, groupId, ids); err != nil {
		r.log.Printf("receipts: mark read %q: %v", groupId, err)
	}
}

func (r *Receipts) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
