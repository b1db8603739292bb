// Package notify is the per-process event hub: a typed broadcaster that
// fans notifications out to subscribed websocket clients, each with its
// own conjunctive filter and bounded recent-history replay.
package notify

import (
	"encoding/json"
	"sync"
	"time"
)

// Type is the closed set of notification kinds clients can subscribe to.
type Type string

const (
	TypeTaskCreated      Type = "task-created"
	TypeTaskAssigned     Type = "task-assigned"
	TypeTaskStarted      Type = "task-started"
	TypeTaskProgress     Type = "task-progress"
	TypeTaskCompleted    Type = "task-completed"
	TypeTaskFailed       Type = "task-failed"
	TypeAgentSpawned     Type = "agent-spawned"
	TypeAgentIdle        Type = "agent-idle"
	TypeAgentTerminated  Type = "agent-terminated"
	TypeConflictPotential Type = "conflict-potential"
	TypeConflictDetected  Type = "conflict-detected"
	TypeConflictResolved  Type = "conflict-resolved"
	TypeBudgetWarning    Type = "budget-warning"
	TypeBudgetPaused     Type = "budget-paused"
	TypeSystemHealth     Type = "system-health"
)

// HistorySize is the overall bounded FIFO buffer length.
const HistorySize = 100

// PerClientReplay is how many of the most recent buffered events the
// welcome message includes.
const PerClientReplay = 10

// PingInterval is how often the bus pings every connected client; any
// client whose socket is no longer open is evicted on the next tick.
const PingInterval = 30 * time.Second

// Event is the wire shape of every notification: {type, timestamp, data}.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Filter narrows which events a client receives. Conjunctive: every
// non-empty field must match.
type Filter struct {
	Types    []Type   `json:"types,omitempty"`
	TaskIDs  []string `json:"taskIds,omitempty"`
	AgentIDs []string `json:"agentIds,omitempty"`
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.TaskIDs) > 0 {
		id, _ := e.Data["taskId"].(string)
		if id == "" || !containsString(f.TaskIDs, id) {
			return false
		}
	}
	if len(f.AgentIDs) > 0 {
		id, _ := e.Data["agentId"].(string)
		if id == "" || !containsString(f.AgentIDs, id) {
			return false
		}
	}
	return true
}

func containsType(haystack []Type, needle Type) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ClientMessage is a client-to-server message: {action, filter?}.
type ClientMessage struct {
	Action string  `json:"action"` // subscribe | unsubscribe | history
	Filter *Filter `json:"filter,omitempty"`
}

// Bus is the in-process broadcaster. Kept free of any import from the
// websocket connection layer back into domain objects; components
// receive it as an explicit collaborator, not a global.
type Bus struct {
	mu      sync.Mutex
	history []Event
	clients map[*client]struct{}
}

// NewBus constructs an empty hub.
func NewBus() *Bus {
	return &Bus{clients: nil, history: nil}
}

// Publish appends e to the bounded history (evicting the oldest entry past
// HistorySize) and fans it out to every client whose filter matches. The
// bus never surfaces backpressure to callers; sends to a client whose
// outbound buffer is full are dropped for that client only.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > HistorySize {
		b.history = b.history[len(b.history)-HistorySize:]
	}
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.deliver(e)
	}
}

// recentHistory returns up to n of the most recently published events.
func (b *Bus) recentHistory(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

func (b *Bus) register(c *client) {
	b.mu.Lock()
	if b.clients == nil {
		b.clients = make(map[*client]struct{})
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus) unregister(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

func marshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
