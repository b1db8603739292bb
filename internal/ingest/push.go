package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
	"github.com/antigravity-dev/swarmcore/internal/executor"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// ResultSubject is the wildcard subject workers publish completed results
// to; the trailing token is the task ID.
const ResultSubject = "swarm.results.*"

// PushSource drains a NATS subject the worker side publishes results to
// directly, rather than having the orchestrator poll for them.
type PushSource struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	pending chan *nats.Msg
	log     *slog.Logger
}

// NewPushSource subscribes to ResultSubject on conn. The subscription is
// created eagerly so no result published after this call is missed, even
// though message delivery only starts once Run is called.
func NewPushSource(conn *nats.Conn, log *slog.Logger) (*PushSource, error) {
	p := &PushSource{conn: conn, log: log}
	msgs := make(chan *nats.Msg, 256)
	sub, err := conn.ChanSubscribe(ResultSubject, msgs)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, "subscribe to result subject", err)
	}
	p.sub = sub
	p.pending = msgs
	return p, nil
}

// Run drains the subscription's channel until ctx is cancelled.
func (p *PushSource) Run(ctx context.Context, complete CompleteFn) error {
	defer p.sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-p.pending:
			if !ok {
				return nil
			}
			p.handle(ctx, msg, complete)
		}
	}
}

func (p *PushSource) handle(ctx context.Context, msg *nats.Msg, complete CompleteFn) {
	var result task.Result
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		p.log.Error("push source: malformed result payload", "subject", msg.Subject, "error", err)
		return
	}
	if _, err := complete(ctx, &result); err != nil {
		p.log.Error("push source: complete callback failed", "task_id", result.TaskID, "error", err)
	}
}

// Close unsubscribes without closing the underlying connection, which the
// caller owns.
func (p *PushSource) Close() error {
	return p.sub.Unsubscribe()
}

// Track is a no-op: a worker publishing its own result carries the task ID
// directly, so the push binding needs no execution-ID correlation. It exists
// only so PushSource satisfies dispatch.Tracker for deployments that wire
// the push binding as both the completion source and the dispatch tracker.
func (p *PushSource) Track(executor.Handle, *task.Task) {}
