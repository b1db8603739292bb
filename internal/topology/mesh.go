package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
	"github.com/antigravity-dev/swarmcore/internal/scheduler"
	"github.com/antigravity-dev/swarmcore/internal/store"
)

// DefaultRequestTimeout bounds how long a request message waits for a
// response before the caller receives a peer-timeout error.
const DefaultRequestTimeout = 30 * time.Second

// lateResponseGrace bounds how long an expired request's requester ID is
// kept around to catch a late RespondToRequest call; past this window the
// entry is dropped so the expired map can't grow without bound.
const lateResponseGrace = 5 * time.Minute

// MessageType is the kind of peer message sent over the mesh.
type MessageType string

const (
	MessageBroadcast MessageType = "broadcast"
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
)

// Message is one entry in an agent's inbox.
type Message struct {
	ID        string
	Type      MessageType
	TaskID    string
	FromAgent string
	ToAgent   string
	Body      any
}

// pendingRequest tracks one outstanding request awaiting a response or its
// timeout.
type pendingRequest struct {
	requester string
	response  chan Message
	timer     *time.Timer
}

// Mesh adds a per-agent FIFO message queue and a request/response
// correlation table on top of the hub's submission and completion paths.
type Mesh struct {
	*Hub

	store store.Store

	mu      sync.Mutex
	inbox   map[string][]Message
	pending map[string]*pendingRequest
	// expired holds the requester agent ID for a request whose timeout
	// already fired, so a response that arrives after the caller stopped
	// waiting still has somewhere to land: RespondToRequest queues it into
	// the requester's inbox instead of discarding it.
	expired map[string]string
	nextID  int
	timeout time.Duration
}

// NewMesh wraps a scheduler in the mesh handler with the documented
// request timeout default.
func NewMesh(sched *scheduler.Scheduler, s store.Store) *Mesh {
	return &Mesh{
		Hub:     NewHub(sched, s),
		store:   s,
		inbox:   make(map[string][]Message),
		pending: make(map[string]*pendingRequest),
		expired: make(map[string]string),
		timeout: DefaultRequestTimeout,
	}
}

// markExpired records that requester's request msgID is no longer waited
// on, keeping it around for lateResponseGrace so a response that still
// arrives lands in the requester's inbox instead of being dropped. Callers
// must hold m.mu.
func (m *Mesh) markExpired(msgID, requester string) {
	m.expired[msgID] = requester
	time.AfterFunc(lateResponseGrace, func() {
		m.mu.Lock()
		delete(m.expired, msgID)
		m.mu.Unlock()
	})
}

func (m *Mesh) nextMessageID() string {
	m.nextID++
	return fmt.Sprintf("msg-%d", m.nextID)
}

// peersForTask returns every agent currently assigned to taskID, excluding
// excludeAgentID.
func (m *Mesh) peersForTask(ctx context.Context, taskID, excludeAgentID string) ([]string, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "list agents for peer lookup", err)
	}
	var peers []string
	for _, a := range agents {
		if a.TaskID == taskID && a.ID != excludeAgentID {
			peers = append(peers, a.ID)
		}
	}
	return peers, nil
}

// Broadcast delivers msg to every agent currently assigned to taskID,
// excluding the sender. A broadcast with no peers is a no-op.
func (m *Mesh) Broadcast(ctx context.Context, fromAgent, taskID string, body any) error {
	peers, err := m.peersForTask(ctx, taskID, fromAgent)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, peer := range peers {
		m.inbox[peer] = append(m.inbox[peer], Message{
			ID: m.nextMessageID(), Type: MessageBroadcast, TaskID: taskID, FromAgent: fromAgent, ToAgent: peer, Body: body,
		})
	}
	return nil
}

// Request sends a request-type message and blocks until a response
// arrives, ctx is cancelled, or the request timeout fires — at which point
// it returns a "peer timeout" error.
func (m *Mesh) Request(ctx context.Context, fromAgent, toAgent, taskID string, body any) (Message, error) {
	msgID := func() string {
		m.mu.Lock()
		defer m.mu.Unlock()
		id := m.nextMessageID()
		m.inbox[toAgent] = append(m.inbox[toAgent], Message{
			ID: id, Type: MessageRequest, TaskID: taskID, FromAgent: fromAgent, ToAgent: toAgent, Body: body,
		})
		return id
	}()

	responseCh := make(chan Message, 1)
	timer := time.AfterFunc(m.timeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.pending[msgID]; ok {
			delete(m.pending, msgID)
			m.markExpired(msgID, fromAgent)
			close(responseCh)
		}
	})

	m.mu.Lock()
	m.pending[msgID] = &pendingRequest{requester: fromAgent, response: responseCh, timer: timer}
	m.mu.Unlock()

	select {
	case resp, ok := <-responseCh:
		timer.Stop()
		if !ok {
			return Message{}, errkind.New(errkind.KindTransient, "peer timeout")
		}
		return resp, nil
	case <-ctx.Done():
		timer.Stop()
		m.mu.Lock()
		if _, ok := m.pending[msgID]; ok {
			delete(m.pending, msgID)
			m.markExpired(msgID, fromAgent)
		}
		m.mu.Unlock()
		return Message{}, ctx.Err()
	}
}

// RespondToRequest resolves the matching pending entry for requestID, or
// queues the response in the requester's inbox if the request has already
// timed out or been abandoned via context cancellation (the requester may
// still poll the queue directly via PollInbox). Only a request ID neither
// pending nor recently expired is an error.
func (m *Mesh) RespondToRequest(requestID string, fromAgent string, body any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	response := Message{ID: requestID, Type: MessageResponse, FromAgent: fromAgent, Body: body}

	if pending, ok := m.pending[requestID]; ok {
		delete(m.pending, requestID)
		pending.timer.Stop()
		pending.response <- response
		return nil
	}

	if requester, ok := m.expired[requestID]; ok {
		delete(m.expired, requestID)
		response.ToAgent = requester
		m.inbox[requester] = append(m.inbox[requester], response)
		return nil
	}

	return errkind.New(errkind.KindNotFound, "no pending request with that id")
}

// PollInbox drains and returns all messages queued for agentID.
func (m *Mesh) PollInbox(agentID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.inbox[agentID]
	delete(m.inbox, agentID)
	return msgs
}
