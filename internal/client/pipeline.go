package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

const (
	defaultPageSize = 50
	// maxPageSize is the largest history page the server hands out.
	maxPageSize     = 100
	backfillTimeout = 30 * time.Second
)

// SubmitError reports a failed submission. Token identifies the pending
// entry, which stays in the store when the failure is retryable.
type SubmitError struct {
	GroupId string
	Token   string
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit to %q (token %s): %v", e.GroupId, e.Token, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Pipeline sends the participant's messages and merges confirmed messages
// from any source into the store in sequence order.
type Pipeline struct {
	conn     sender
	store    *Store
	history  HistoryFetcher
	log      *log.Logger
	pageSize int
	newToken func() string
	// beforeSubmit runs right before a submission goes out
	beforeSubmit func(groupId string)
	// onNotJoined runs when the server reports the group is not subscribed
	// on this session.
	onNotJoined func(groupId string)
	// onLoaded runs after history was merged into a group.
	onLoaded func(groupId string)

	backfillMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPipeline(conn sender, store *Store, history HistoryFetcher, logger *log.Logger, pageSize int) *Pipeline {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		conn:     conn,
		store:    store,
		history:  history,
		log:      logger,
		pageSize: pageSize,
		newToken: uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit sends content to the group under a fresh idempotency token.
func (p *Pipeline) Submit(ctx context.Context, groupId, content string) (types.Message, error) {
	return p.SubmitWithToken(ctx, groupId, content, p.newToken())
}

// SubmitWithToken sends content to the group. The message is shown as
// pending until the server confirms it. When the outcome is unknown the
// entry is marked failed and may be resent with the same token, which the
// server deduplicates.
func (p *Pipeline) SubmitWithToken(ctx context.Context, groupId, content, token string) (types.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return types.Message{}, fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if groupId == "" || !p.store.HasGroup(groupId) {
		return types.Message{}, fmt.Errorf("%w: unknown group %q", ErrValidation, groupId)
	}
	if token == "" {
		return types.Message{}, fmt.Errorf("%w: missing idempotency token", ErrValidation)
	}
	if p.conn.State() != StateConnected {
		return types.Message{}, ErrDisconnected
	}

	p.store.AddPending(PendingMessage{
		Token:     token,
		GroupId:   groupId,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if p.beforeSubmit != nil {
		p.beforeSubmit(groupId)
	}

	resp, err := p.conn.Send(ctx, &protocol.ClientMessage{
		Publish: &protocol.Publish{GroupId: groupId, Content: content, Token: token},
	})
	if err != nil {
		return types.Message{}, p.fail(groupId, token, err)
	}

	var res protocol.PublishResult
	if err := resp.Decode(&res); err != nil || res.Message.Id == "" {
		return types.Message{}, p.fail(groupId, token, fmt.Errorf("%w: malformed publish result", ErrUnknownOutcome))
	}

	p.store.InsertMessages(groupId, res.Message)
	p.store.RemovePending(groupId, token)
	return res.Message, nil
}

func (p *Pipeline) fail(groupId, token string, err error) error {
	switch {
	case retryable(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.store.FailPending(groupId, token)
	case errors.Is(err, ErrNotJoined):
		p.store.FailPending(groupId, token)
		if p.onNotJoined != nil {
			p.onNotJoined(groupId)
		}
	case errors.Is(err, ErrNotFound):
		p.store.RemoveGroup(groupId)
	default:
		p.store.RemovePending(groupId, token)
	}
	return &SubmitError{GroupId: groupId, Token: token, Err: err}
}

// Resend submits a failed pending message again, reusing its token.
func (p *Pipeline) Resend(ctx context.Context, groupId, token string) (types.Message, error) {
	pending, ok := p.store.Pending(groupId, token)
	if !ok {
		return types.Message{}, fmt.Errorf("%w: no pending message %s", ErrValidation, token)
	}
	return p.SubmitWithToken(ctx, groupId, pending.Content, token)
}

// HandleMessage merges a live message. A sequence gap after the newest
// loaded message is repaired from history.
func (p *Pipeline) HandleMessage(m types.Message) {
	newest := p.store.MaxSeq(m.GroupId)
	p.store.InsertMessages(m.GroupId, m)

	if newest > 0 && m.SeqId > newest+1 {
		go func() {
			ctx, cancel := context.WithTimeout(p.ctx, backfillTimeout)
			defer cancel()
			if err := p.backfill(ctx, m.GroupId, newest, m.SeqId); err != nil {
				p.log.Printf("pipeline: backfill %q: %v", m.GroupId, err)
				return
			}
			p.loaded(m.GroupId)
		}()
	}
}

// HandleJoined loads the newest page of a freshly joined group, or fills
// the gap between what is loaded and the server's current sequence id.
func (p *Pipeline) HandleJoined(ctx context.Context, groupId string, res protocol.JoinResult) {
	newest := p.store.MaxSeq(groupId)

	var err error
	if newest == 0 && !p.store.Exhausted(groupId) {
		_, err = p.LoadOlder(ctx, groupId)
	} else if res.Group.SeqId > newest {
		err = p.backfill(ctx, groupId, newest, res.Group.SeqId+1)
	}
	if err != nil {
		p.log.Printf("pipeline: load history %q: %v", groupId, err)
	}
	p.loaded(groupId)
}

func (p *Pipeline) loaded(groupId string) {
	if p.onLoaded != nil {
		p.onLoaded(groupId)
	}
}

// backfill fetches the messages with sequence ids in (known, upto) page by
// page, newest first.
func (p *Pipeline) backfill(ctx context.Context, groupId string, known, upto int) error {
	p.backfillMu.Lock()
	defer p.backfillMu.Unlock()

	before := upto
	for {
		page, err := p.history.FetchHistory(ctx, groupId, before, p.pageSize)
		if err != nil {
			return err
		}
		p.store.InsertMessages(groupId, page...)

		if len(page) < p.pageSize {
			p.store.SetExhausted(groupId)
			return nil
		}
		if page[0].SeqId <= known+1 {
			return nil
		}
		before = page[0].SeqId
	}
}

// LoadOlder loads the page preceding the oldest loaded message. Once a
// short page is returned the group is exhausted and no further requests
// are made for it.
func (p *Pipeline) LoadOlder(ctx context.Context, groupId string) (int, error) {
	if p.store.Exhausted(groupId) {
		return 0, nil
	}

	page, err := p.history.FetchHistory(ctx, groupId, p.store.OldestSeq(groupId), p.pageSize)
	if err != nil {
		return 0, err
	}

	added := p.store.InsertMessages(groupId, page...)
	if len(page) < p.pageSize {
		p.store.SetExhausted(groupId)
	}
	return len(added), nil
}

func (p *Pipeline) Close() {
	p.cancel()
}
