// Package agent implements the dev server's streamed agent replies. With Ark
// credentials configured it streams real model output; otherwise it streams
// a canned reply word by word so the client's reassembly path can be
// exercised offline.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/event"
	"github.com/parleychat/parley/pkg/logger"
)

const historyLimit = 10

// cannedChunkDelay paces fallback chunks so streaming is observable.
const cannedChunkDelay = 80 * time.Millisecond

// EmitFunc delivers one outbound envelope to the room.
type EmitFunc func(env event.Envelope)

// Responder generates streamed replies for mentioned agents.
type Responder struct {
	profiles Store
	chain    compose.Runnable[map[string]any, *schema.Message]
}

// NewResponder builds a responder. The model chain is optional: when cfg has
// no credentials the responder still works via the canned fallback.
func NewResponder(ctx context.Context, profiles Store, cfg config.AIConfig) (*Responder, error) {
	r := &Responder{profiles: profiles}

	if !cfg.Enabled() {
		return r, nil
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile chat chain: %w", err)
	}

	r.chain = runnable
	return r, nil
}

// Respond streams a reply from profile to the message in replyTo. Chunks and
// the completion event go out through emit; failures become agent_error
// events rather than propagating.
func (r *Responder) Respond(ctx context.Context, roomID string, profile Profile, history []event.Message, replyTo event.Message, emit EmitFunc) {
	streamID := uuid.NewString()

	text, err := r.streamReply(ctx, roomID, streamID, profile, history, replyTo, emit)
	if err != nil {
		logger.Warnf("[agent] reply failed room=%s agent=%s: %v", roomID, profile.ID, err)
		r.emitError(roomID, profile, err, emit)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"id":        uuid.NewString(),
		"streamId":  streamID,
		"agentId":   profile.ID,
		"agentName": profile.Name,
		"replyTo":   replyTo.ID,
		"content":   text,
		"createdAt": time.Now().Unix(),
	})
	if err != nil {
		logger.Errorf("[agent] encode completion failed: %v", err)
		return
	}
	emit(event.Envelope{
		Type:      "agent_done",
		RoomID:    roomID,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	})
}

func (r *Responder) streamReply(ctx context.Context, roomID, streamID string, profile Profile, history []event.Message, replyTo event.Message, emit EmitFunc) (string, error) {
	if r.chain == nil {
		return r.streamCanned(ctx, roomID, streamID, profile, replyTo, emit)
	}

	input := map[string]any{
		"system":  profile.SystemPrompt,
		"history": buildHistory(history, profile.ID),
		"query":   replyTo.Content,
	}

	stream, err := r.chain.Stream(ctx, input)
	if err != nil {
		return "", fmt.Errorf("stream chain output: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", fmt.Errorf("stream recv: %w", recvErr)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			r.emitChunk(roomID, streamID, profile, replyTo.ID, chunk.Content, emit)
		}
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("concat chunks: %w", err)
	}
	return merged.Content, nil
}

func (r *Responder) streamCanned(ctx context.Context, roomID, streamID string, profile Profile, replyTo event.Message, emit EmitFunc) (string, error) {
	reply := fmt.Sprintf("Hi %s, %s here. You said: %q. (No model is configured, so this is a canned reply.)",
		replyTo.Sender.Name, profile.Name, strings.TrimSpace(replyTo.Content))

	words := strings.Fields(reply)
	for i, w := range words {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(cannedChunkDelay):
		}
		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		r.emitChunk(roomID, streamID, profile, replyTo.ID, chunk, emit)
	}
	return reply, nil
}

func (r *Responder) emitChunk(roomID, streamID string, profile Profile, replyTo, text string, emit EmitFunc) {
	payload, err := json.Marshal(map[string]any{
		"streamId":  streamID,
		"agentId":   profile.ID,
		"agentName": profile.Name,
		"replyTo":   replyTo,
		"text":      text,
	})
	if err != nil {
		logger.Errorf("[agent] encode chunk failed: %v", err)
		return
	}
	emit(event.Envelope{
		Type:      "agent_delta",
		RoomID:    roomID,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	})
}

func (r *Responder) emitError(roomID string, profile Profile, cause error, emit EmitFunc) {
	payload, err := json.Marshal(map[string]any{
		"agentId": profile.ID,
		"message": cause.Error(),
	})
	if err != nil {
		return
	}
	emit(event.Envelope{
		Type:      "agent_error",
		RoomID:    roomID,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	})
}

func buildHistory(messages []event.Message, agentID string) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch {
		case msg.Sender.Kind == event.SenderAgent && msg.Sender.ID == agentID:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		case msg.Sender.Kind != event.SenderAgent:
			history = append(history, schema.UserMessage(msg.Sender.Name+": "+msg.Content))
		}
	}

	return history
}
