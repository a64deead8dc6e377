package chatsync

import (
	"github.com/go-go-golems/treechat/pkg/chaterrors"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/go-go-golems/treechat/pkg/streaming"
	"github.com/go-go-golems/treechat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func (c *Coordinator) registerHandlers() {
	c.transport.OnMessage(transport.FrameUserMessage, c.onUserMessage)
	c.transport.OnMessage(transport.FrameAssistantMessageStart, c.onStart)
	c.transport.OnMessage(transport.FrameAssistantMessageChunk, c.onChunk)
	c.transport.OnMessage(transport.FrameAssistantMessageComplete, c.onComplete)
	c.transport.OnMessage(transport.FrameError, c.onError)
	c.transport.OnStatus(c.onStatus)
}

func (c *Coordinator) frontTurn() *streaming.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return nil
	}
	return c.inflight[0]
}

func (c *Coordinator) popTurn() *streaming.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return nil
	}
	ret := c.inflight[0]
	c.inflight = c.inflight[1:]
	return ret
}

func (c *Coordinator) removeInflightLocked(turn *streaming.Turn) {
	for i, t := range c.inflight {
		if t == turn {
			c.inflight = append(c.inflight[:i], c.inflight[i+1:]...)
			return
		}
	}
}

// ignoreFinished drops the error of a frame that reached an abandoned or
// already failed turn.
func ignoreFinished(turn *streaming.Turn, frameType string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, streaming.ErrTurnFinished) {
		log.Trace().Str("turn_id", turn.ID).Str("type", frameType).Msg("dropping frame of finished turn")
		return
	}
	log.Warn().Err(err).Str("turn_id", turn.ID).Str("type", frameType).Msg("could not apply frame")
}

func (c *Coordinator) onUserMessage(f *transport.Frame) {
	turn := c.frontTurn()
	if turn == nil {
		log.Debug().Str("type", f.Type).Msg("frame without pending turn")
		return
	}
	msg, err := f.DecodeMessage()
	if err != nil {
		log.Warn().Err(err).Msg("invalid user message frame")
		return
	}
	ignoreFinished(turn, f.Type, turn.ApplyUserMessage(msg))
}

func (c *Coordinator) onStart(f *transport.Frame) {
	turn := c.frontTurn()
	if turn == nil {
		log.Debug().Str("type", f.Type).Msg("frame without pending turn")
		return
	}
	ignoreFinished(turn, f.Type, turn.Start())
}

func (c *Coordinator) onChunk(f *transport.Frame) {
	turn := c.frontTurn()
	if turn == nil {
		log.Debug().Str("type", f.Type).Msg("frame without pending turn")
		return
	}
	ignoreFinished(turn, f.Type, turn.ApplyDelta(f.Chunk))
}

func (c *Coordinator) onComplete(f *transport.Frame) {
	turn := c.popTurn()
	if turn == nil {
		log.Debug().Str("type", f.Type).Msg("frame without pending turn")
		return
	}
	msg, err := f.DecodeMessage()
	if err != nil {
		ignoreFinished(turn, f.Type, turn.Fail(chaterrors.Wrap(err, chaterrors.KindTurn, "invalid completion")))
		return
	}
	if err := turn.Complete(msg); err != nil {
		ignoreFinished(turn, f.Type, err)
		return
	}

	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	ctx := c.bgCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.reimport(ctx, turn.ConversationID); err != nil {
			log.Warn().Err(err).Str("conversation_id", turn.ConversationID.String()).
				Msg("could not refresh the tree after the reply")
		}
	}()
}

func (c *Coordinator) onError(f *transport.Frame) {
	message := f.ErrorMessage()
	turn := c.popTurn()
	if turn == nil {
		log.Warn().Str("error", message).Msg("backend error without pending turn")
		return
	}
	ignoreFinished(turn, f.Type, turn.Fail(chaterrors.New(chaterrors.KindTurn, message)))
}

// onStatus fails every streamed turn still waiting for frames once the
// connection is lost. Replies are never resumed after a reconnect.
func (c *Coordinator) onStatus(change transport.StatusChange) {
	c.mu.Lock()
	conversationID := c.activeID
	var lost []*streaming.Turn
	switch change.Status {
	case transport.StatusReconnecting, transport.StatusFailed, transport.StatusDisconnected:
		lost = c.inflight
		c.inflight = nil
	}
	c.mu.Unlock()

	events.Publish(c.sink, events.NewConnectionStatusEvent(
		events.NewMetadata(conversationID.String(), ""), string(change.Status), change.Attempt))

	if len(lost) == 0 {
		return
	}
	cause := change.Err
	if cause == nil {
		cause = chaterrors.New(chaterrors.KindTransport, "connection lost")
	} else if chaterrors.KindOf(cause) == "" {
		cause = chaterrors.Wrap(cause, chaterrors.KindTransport, "connection lost")
	}
	for _, turn := range lost {
		ignoreFinished(turn, "status", turn.Fail(cause))
	}
}
