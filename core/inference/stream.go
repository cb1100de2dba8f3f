package inference

import (
	"context"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/google/uuid"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/identity"
)

// Stream event types.
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

// StreamEvent is one emission from a running stream.
type StreamEvent struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Output     string `json:"output,omitempty"`
	OutputHash string `json:"output_hash,omitempty"`
	Err        error  `json:"-"`
}

// Stream is a handle to a running streaming job. Events arrive on Events
// until a done or error event, after which the channel closes. There is no
// cancellation upstream; a started stream runs to completion or error.
type Stream struct {
	ID     string
	Route  Route
	Events <-chan StreamEvent
}

// ExecuteStream starts a streaming job and returns its handle immediately.
// The job runs on a detached goroutine. Remote routes cannot stream without
// a transport, so a remote decision degrades to local unless RequireRemote
// is set, which fails fast instead.
func (s *Service) ExecuteStream(ctx context.Context, req RouteRequest, local *identity.Identity, priv libp2pcrypto.PrivKey) (*Stream, error) {
	if s.streamRunner == nil {
		return nil, errs.New(errs.CodeDispatchFailed, "no streaming runner configured")
	}

	route, err := s.Route(req, local)
	if err != nil {
		return nil, err
	}
	if route.Target == TargetRemote {
		if req.RequireRemote {
			return nil, errs.New(errs.CodeDispatchFailed, "streaming dispatch to remote peers is not supported")
		}
		route = &Route{Target: TargetLocal, TargetDID: local.DID, Chunks: route.Chunks}
	}

	events := make(chan StreamEvent, 16)
	stream := &Stream{
		ID:     uuid.NewString(),
		Route:  *route,
		Events: events,
	}

	go s.runStream(ctx, req, stream.ID, events)

	s.logger.Debug("stream started", "stream", stream.ID, "model", req.ModelID)
	return stream, nil
}

func (s *Service) runStream(ctx context.Context, req RouteRequest, streamID string, events chan<- StreamEvent) {
	defer close(events)

	src, err := s.streamRunner.RunStream(ctx, RunRequest{
		Provider: req.Provider,
		ModelID:  req.ModelID,
		Prompt:   req.Prompt,
		Options:  req.Options,
	})
	if err != nil {
		events <- StreamEvent{Type: EventError, Err: err}
		return
	}

	var output string
	for ev := range src {
		switch {
		case ev.Err != nil:
			events <- StreamEvent{Type: EventError, Err: ev.Err}
			return
		case ev.Done:
			events <- StreamEvent{
				Type:       EventDone,
				Output:     output,
				OutputHash: crypto.HashContent([]byte(output)),
			}
			return
		default:
			output += ev.Token
			events <- StreamEvent{Type: EventToken, Token: ev.Token}
		}
	}

	// Source closed without a done marker; finish on its behalf.
	events <- StreamEvent{
		Type:       EventDone,
		Output:     output,
		OutputHash: crypto.HashContent([]byte(output)),
	}
}
