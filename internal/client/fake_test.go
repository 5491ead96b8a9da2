package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/testutil"
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/stretchr/testify/require"
)

const selfId = 1

var testOptions = Options{
	AckTimeout:     150 * time.Millisecond,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     40 * time.Millisecond,
	MaxAttempts:    3,
}

type fakeConn struct {
	in     chan *protocol.ServerMessage
	out    chan *protocol.ClientMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *protocol.ServerMessage, 256),
		out:    make(chan *protocol.ClientMessage, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read() (*protocol.ServerMessage, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Write(msg *protocol.ClientMessage) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	cp := *msg
	c.out <- &cp
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeTransport hands out fakeConns. The next failures dials are refused.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
	onDial   func(*fakeConn)
}

func (tr *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	tr.mu.Lock()
	tr.dials++
	if tr.failures > 0 {
		tr.failures--
		tr.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	tr.conns = append(tr.conns, conn)
	onDial := tr.onDial
	tr.mu.Unlock()

	if onDial != nil {
		onDial(conn)
	}
	return conn, nil
}

func (tr *fakeTransport) setFailures(n int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.failures = n
}

func (tr *fakeTransport) dialCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dials
}

func (tr *fakeTransport) last() *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.conns) == 0 {
		return nil
	}
	return tr.conns[len(tr.conns)-1]
}

func respond(conn *fakeConn, req *protocol.ClientMessage, code int, data any) {
	msg := &protocol.ServerMessage{Response: &protocol.Response{ResponseCode: code}}
	msg.Id = req.Id
	if code >= 300 {
		msg.Response.Error = http.StatusText(code)
	}
	if data != nil {
		raw, _ := json.Marshal(data)
		msg.Response.Data = raw
	}
	conn.in <- msg
}

func push(conn *fakeConn, msg *protocol.ServerMessage) {
	conn.in <- msg
}

func nextRequest(t *testing.T, conn *fakeConn) *protocol.ClientMessage {
	t.Helper()
	select {
	case req := <-conn.out:
		return req
	case <-time.After(time.Second):
		t.Fatal("expected a request from the client")
		return nil
	}
}

// fakeServer plays the chat server for one participant. It assigns
// sequence ids, deduplicates tokens and serves history.
type fakeServer struct {
	mu       sync.Mutex
	seq      map[string]int
	messages map[string][]types.Message
	tokens   map[string]types.Message
	deny     map[string]int
	dropAcks map[string]int
	// unjoined publishes to a group are refused as not subscribed
	unjoined map[string]int
	requests []*protocol.ClientMessage
	fetches  int
	joined   map[*fakeConn]map[string]bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		seq:      make(map[string]int),
		messages: make(map[string][]types.Message),
		tokens:   make(map[string]types.Message),
		deny:     make(map[string]int),
		dropAcks: make(map[string]int),
		unjoined: make(map[string]int),
		joined:   make(map[*fakeConn]map[string]bool),
	}
}

func (s *fakeServer) serve(conn *fakeConn) {
	go func() {
		for {
			select {
			case req := <-conn.out:
				s.handle(conn, req)
			case <-conn.closed:
				return
			}
		}
	}()
}

func (s *fakeServer) handle(conn *fakeConn, req *protocol.ClientMessage) {
	s.mu.Lock()
	s.requests = append(s.requests, req)

	var (
		code = http.StatusOK
		data any
		out  []*protocol.ServerMessage
	)

	switch {
	case req.Join != nil:
		gid := req.Join.GroupId
		if deny := s.deny[gid]; deny != 0 {
			code = deny
			break
		}
		if s.joined[conn] == nil {
			s.joined[conn] = make(map[string]bool)
		}
		data = protocol.JoinResult{
			Group:         types.Group{ExternalId: gid, SeqId: s.seq[gid]},
			AlreadyJoined: s.joined[conn][gid],
		}
		s.joined[conn][gid] = true
	case req.Leave != nil:
		delete(s.joined[conn], req.Leave.GroupId)
	case req.Publish != nil:
		if deny := s.deny[req.Publish.GroupId]; deny != 0 {
			code = deny
			break
		}
		if s.unjoined[req.Publish.GroupId] > 0 {
			s.unjoined[req.Publish.GroupId]--
			delete(s.joined[conn], req.Publish.GroupId)
			code = http.StatusPreconditionFailed
			break
		}
		key := req.Publish.GroupId + "/" + req.Publish.Token
		if existing, ok := s.tokens[key]; ok {
			code = http.StatusConflict
			data = protocol.PublishResult{Message: existing}
			break
		}
		m := s.appendLocked(req.Publish.GroupId, selfId, req.Publish.Content, req.Publish.Token)
		s.tokens[key] = m
		data = protocol.PublishResult{Message: m}
		fanout := &protocol.ServerMessage{Message: &m}
		out = append(out, fanout)
	case req.Read != nil:
		data = protocol.ReadResult{MessageIds: req.Read.MessageIds}
	case req.NotificationRead != nil:
		data = protocol.NotificationReadResult{}
	case req.Typing != nil:
		s.mu.Unlock()
		return
	}

	event := req.Event()
	drop := s.dropAcks[event] > 0
	if drop {
		s.dropAcks[event]--
	}
	s.mu.Unlock()

	// a dropped ack loses everything sent back to this session
	if drop {
		return
	}
	respond(conn, req, code, data)
	for _, msg := range out {
		push(conn, msg)
	}
}

func (s *fakeServer) appendLocked(groupId string, userId int, content, token string) types.Message {
	s.seq[groupId]++
	m := types.Message{
		Id:        groupId + "-" + strconv.Itoa(s.seq[groupId]),
		SeqId:     s.seq[groupId],
		GroupId:   groupId,
		UserId:    userId,
		Content:   content,
		Token:     token,
		Status:    types.StatusSent,
		Timestamp: time.Now().UTC(),
	}
	s.messages[groupId] = append(s.messages[groupId], m)
	return m
}

// external stores a message written by someone else without delivering it.
func (s *fakeServer) external(groupId string, userId int, content string) types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(groupId, userId, content, "")
}

func (s *fakeServer) FetchHistory(_ context.Context, groupId string, before, limit int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++

	var page []types.Message
	msgs := s.messages[groupId]
	for i := len(msgs) - 1; i >= 0 && len(page) < limit; i-- {
		if before > 0 && msgs[i].SeqId >= before {
			continue
		}
		page = append([]types.Message{msgs[i]}, page...)
	}
	return page, nil
}

func (s *fakeServer) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *fakeServer) requestsFor(event string) []*protocol.ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*protocol.ClientMessage
	for _, req := range s.requests {
		if req.Event() == event {
			out = append(out, req)
		}
	}
	return out
}

func (s *fakeServer) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.Event())
	}
	return out
}

func (s *fakeServer) setDeny(groupId string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny[groupId] = code
}

// dropSubscription makes the next publish to groupId fail as if the
// session had lost its subscription.
func (s *fakeServer) dropSubscription(groupId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unjoined[groupId]++
}

func (s *fakeServer) dropAck(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAcks[event]++
}

func (s *fakeServer) count(groupId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[groupId])
}

// recordingSender acknowledges every request with reply, or a bare 200.
type recordingSender struct {
	mu    sync.Mutex
	sent  []*protocol.ClientMessage
	reply func(*protocol.ClientMessage) (*protocol.Response, error)
}

func (r *recordingSender) Send(_ context.Context, msg *protocol.ClientMessage) (*protocol.Response, error) {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	reply := r.reply
	r.mu.Unlock()

	if reply != nil {
		return reply(msg)
	}
	return &protocol.Response{ResponseCode: http.StatusOK}, nil
}

func (r *recordingSender) Notify(msg *protocol.ClientMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) Epoch() int { return 1 }

func (r *recordingSender) State() State { return StateConnected }

func (r *recordingSender) messages() []*protocol.ClientMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.ClientMessage(nil), r.sent...)
}

type testEnv struct {
	chat      *Chat
	server    *fakeServer
	transport *fakeTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := newFakeServer()
	tr := &fakeTransport{onDial: srv.serve}

	chat := New(Config{
		User:        types.User{Id: selfId, Username: "alice"},
		Transport:   tr,
		History:     srv,
		Logger:      testutil.TestLogger(t),
		Options:     testOptions,
		JoinStagger: 5 * time.Millisecond,
		TypingQuiet: 40 * time.Millisecond,
		TypingTTL:   80 * time.Millisecond,
		ReadDwell:   40 * time.Millisecond,
		PageSize:    3,
	})
	t.Cleanup(chat.Close)

	return &testEnv{chat: chat, server: srv, transport: tr}
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, e.chat.Connect(context.Background()))
	require.Equal(t, StateConnected, e.chat.State())
}

func (e *testEnv) join(t *testing.T, groupId string) {
	t.Helper()
	_, err := e.chat.Join(context.Background(), groupId)
	require.NoError(t, err)
}

// deliver pushes a message to the client as the server's fan-out would.
func (e *testEnv) deliver(m types.Message) {
	push(e.transport.last(), &protocol.ServerMessage{Message: &m})
}

func messageSeqs(v GroupView) []int {
	seqs := make([]int, 0, len(v.Messages))
	for _, m := range v.Messages {
		seqs = append(seqs, m.SeqId)
	}
	return seqs
}
