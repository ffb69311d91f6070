package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"packforge/internal/logging"
	"packforge/internal/types"
)

// Session is one logical protocol connection. Requests submitted to a
// session run one at a time in submission order; responses come out of
// Outbound in completion order. Sessions are addressed by id only: a
// transport that reconnects picks its session back up, and job work
// keeps running when a session dies.
type Session struct {
	ID     string
	UserID string

	inbox    chan *Request
	outbound chan *Response

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// Outbound is the stream of responses for the session's transport.
// Closed when the session is torn down.
func (s *Session) Outbound() <-chan *Response { return s.outbound }

// Touch records a liveness signal.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(cutoff)
}

// send delivers a response, dropping it if the transport has stalled
// past its buffer. Callers poll job state, so a dropped response is
// recoverable.
func (s *Session) send(resp *Response) {
	select {
	case s.outbound <- resp:
	default:
		logging.Session("session %s: outbound full, dropping response id=%s", s.ID, resp.ID)
	}
}

// Table owns all live sessions and enforces the idle timeout. One Table
// serves every transport binding in the process.
type Table struct {
	router *Router
	ttl    time.Duration
	buffer int

	mu       sync.Mutex
	sessions map[string]*Session

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewTable creates a session table. Call Close to tear down every
// session and its worker.
func NewTable(router *Router, ttl time.Duration, buffer int) *Table {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Table{
		router:   router,
		ttl:      ttl,
		buffer:   buffer,
		sessions: make(map[string]*Session),
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Open creates a session for a user and starts its worker.
func (t *Table) Open(userID string) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		inbox:    make(chan *Request, t.buffer),
		outbound: make(chan *Response, t.buffer),
		lastSeen: time.Now(),
	}

	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()

	t.wg.Add(1)
	go t.work(s)

	logging.Session("session %s opened for user %s", s.ID, userID)
	return s
}

// work drains one session's inbox in order. One in-flight operation per
// session; many sessions run concurrently. The worker is the sole sender
// on outbound and closes it on exit so transports unblock.
func (t *Table) work(s *Session) {
	defer t.wg.Done()
	defer close(s.outbound)
	for {
		select {
		case <-t.baseCtx.Done():
			return
		case req, ok := <-s.inbox:
			if !ok {
				return
			}
			s.send(t.router.Dispatch(t.baseCtx, s.UserID, req))
		}
	}
}

// Get resolves a session id. Unknown or expired ids fail with
// ErrSessionExpired: the caller must open a fresh session.
func (t *Table) Get(sessionID string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionExpired, sessionID)
	}
	return s, nil
}

// Submit queues a request on a session. A full inbox rejects rather
// than blocks, so a runaway client cannot wedge the table. The lock
// covers the send: CloseSession cannot close the inbox mid-submit.
func (t *Table) Submit(s *Session, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", types.ErrSessionExpired, s.ID)
	}
	s.lastSeen = time.Now()
	select {
	case s.inbox <- req:
		return nil
	default:
		return types.Validationf("session %s inbox full", s.ID)
	}
}

// CloseSession tears one session down, discarding anything still queued.
// In-flight job work is untouched: jobs outlive sessions.
func (t *Table) CloseSession(sessionID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.inbox)
	}
	s.mu.Unlock()

	logging.Session("session %s closed", sessionID)
}

// Reap drops every session idle past the TTL. Returns how many died.
func (t *Table) Reap() int {
	cutoff := time.Now().Add(-t.ttl)

	t.mu.Lock()
	var stale []string
	for id, s := range t.sessions {
		if s.idleSince(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		logging.Session("session %s expired", id)
		t.CloseSession(id)
	}
	return len(stale)
}

// StartReaper runs Reap on an interval until the table closes.
func (t *Table) StartReaper(interval time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.baseCtx.Done():
				return
			case <-ticker.C:
				t.Reap()
			}
		}
	}()
}

// Close tears down the table and every session.
func (t *Table) Close() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.CloseSession(id)
	}
	t.stop()
	t.wg.Wait()
}
