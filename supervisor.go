package rcpilot

import (
	"context"
	"strings"
)

// Ack is the synchronous response to Submit: acceptance for
// processing, not completion. The terminal outcome arrives later on
// Reply.
type Ack struct {
	Reply <-chan Reply
}

// Supervisor wires the pipeline to a single entry point, and is what
// an HTTP handler or bus consumer calls.
type Supervisor struct {
	pipeline *Pipeline
}

// NewSupervisor starts a Pipeline against cluster using cfg and
// returns a Supervisor ready to accept tasks. ctx governs the
// pipeline's whole lifetime; cancel it to shut the supervisor down.
func NewSupervisor(ctx context.Context, cluster ClusterClient, cfg Config) *Supervisor {
	p := NewPipeline(cluster, cfg)
	p.Start(ctx)
	return &Supervisor{pipeline: p}
}

// Submit accepts a raw (op, target) pair from an ingress source,
// classifies it, and enqueues it on the pipeline. The returned Ack's
// Reply channel receives exactly one terminal Reply.
func (s *Supervisor) Submit(op, target string) Ack {
	replyTo := make(chan Reply, 1)
	s.pipeline.Submit(Task{
		Op:      Classify(op),
		RawOp:   strings.TrimSpace(op),
		Target:  target,
		ReplyTo: replyTo,
	})
	return Ack{Reply: replyTo}
}
