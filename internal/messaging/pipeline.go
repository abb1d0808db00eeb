package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"realtime-service/internal/events"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/presence"
	"realtime-service/internal/repositories"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrPersistence    = errors.New("persistence failed")
	ErrInvalidPayload = errors.New("invalid payload")
)

const maxEmojiLength = 64

// Rooms checks membership and fans events out.
type Rooms interface {
	VerifyMember(ctx context.Context, userID, conversationID string) error
	BroadcastToConversation(ctx context.Context, conversationID string, evt events.Outbound, excludeUserID string)
	NotifyUser(ctx context.Context, userID string, evt events.Outbound)
}

// Moderators answers whether a member may act on other members' messages.
type Moderators interface {
	IsModerator(ctx context.Context, conversationID string, userID string) (bool, error)
}

// Typing clears the sender's typing indicator once a message is sent.
type Typing interface {
	Purge(ctx context.Context, conversationID, userID string)
}

// Auditor records security-relevant actions.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID *string)
}

// Pipeline validates, persists and then broadcasts conversation interactions. Nothing is
// broadcast unless persistence succeeded.
type Pipeline struct {
	messages   repositories.MessageRepository
	moderators Moderators
	rooms      Rooms
	typing     Typing
	audit      Auditor
	maxLength  int
	log        *zap.Logger
}

// NewPipeline wires the pipeline. typing and audit may be nil.
func NewPipeline(messages repositories.MessageRepository, moderators Moderators, rooms Rooms, typing Typing, audit Auditor, maxLength int, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		messages:   messages,
		moderators: moderators,
		rooms:      rooms,
		typing:     typing,
		audit:      audit,
		maxLength:  maxLength,
		log:        log.With(zap.String("component", "messaging")),
	}
}

// SendMessage persists a message and delivers it to every connection in the conversation,
// including the sender's other devices.
func (p *Pipeline) SendMessage(ctx context.Context, session *presence.Session, req events.SendMessageRequest) (models.Message, error) {
	msgType, err := p.validateSend(req)
	if err != nil {
		return models.Message{}, err
	}
	if err := p.rooms.VerifyMember(ctx, session.UserID, req.ConversationID); err != nil {
		return models.Message{}, err
	}

	msg, err := p.messages.CreateMessage(ctx, req.ConversationID, session.UserID, req.Content, msgType, req.Attachments)
	if err != nil {
		p.log.Error("create message failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return models.Message{}, persistence(err)
	}

	p.rooms.BroadcastToConversation(ctx, req.ConversationID, events.MessageCreatedEvent{
		Message: msg,
		Sender:  session.Identity,
	}, "")

	if p.typing != nil {
		p.typing.Purge(ctx, req.ConversationID, session.UserID)
	}
	return msg, nil
}

// EditMessage replaces a message's content. Only the author or a moderator may edit.
func (p *Pipeline) EditMessage(ctx context.Context, session *presence.Session, req events.EditMessageRequest) (models.Message, error) {
	if err := p.validateContent(req.Content, false); err != nil {
		return models.Message{}, err
	}
	if err := p.rooms.VerifyMember(ctx, session.UserID, req.ConversationID); err != nil {
		return models.Message{}, err
	}
	msg, err := p.loadMessage(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return models.Message{}, err
	}
	if err := p.authorize(ctx, session.UserID, msg); err != nil {
		return models.Message{}, err
	}

	updated, err := p.messages.UpdateMessage(ctx, msg.ID, req.Content)
	if err != nil {
		p.log.Error("update message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return models.Message{}, persistence(err)
	}

	p.rooms.BroadcastToConversation(ctx, req.ConversationID, events.MessageUpdatedEvent{Message: updated}, "")
	p.emitAudit(ctx, session.UserID, fmt.Sprintf("message %d edited in conversation %s", msg.ID, req.ConversationID))
	return updated, nil
}

// DeleteMessage soft-deletes a message and broadcasts a tombstone.
func (p *Pipeline) DeleteMessage(ctx context.Context, session *presence.Session, req events.MessageRequest) (events.MessageDeletedEvent, error) {
	if err := p.rooms.VerifyMember(ctx, session.UserID, req.ConversationID); err != nil {
		return events.MessageDeletedEvent{}, err
	}
	msg, err := p.loadMessage(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return events.MessageDeletedEvent{}, err
	}
	if err := p.authorize(ctx, session.UserID, msg); err != nil {
		return events.MessageDeletedEvent{}, err
	}

	deleted, err := p.messages.DeleteMessage(ctx, msg.ID)
	if err != nil {
		p.log.Error("delete message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return events.MessageDeletedEvent{}, persistence(err)
	}

	tombstone := events.MessageDeletedEvent{
		ConversationID: req.ConversationID,
		MessageID:      deleted.ID,
		DeletedBy:      session.UserID,
	}
	if deleted.DeletedAt != nil {
		tombstone.DeletedAt = *deleted.DeletedAt
	}
	p.rooms.BroadcastToConversation(ctx, req.ConversationID, tombstone, "")
	p.emitAudit(ctx, session.UserID, fmt.Sprintf("message %d deleted in conversation %s", msg.ID, req.ConversationID))
	return tombstone, nil
}

// ReactToMessage adds the actor's emoji reaction to a message.
func (p *Pipeline) ReactToMessage(ctx context.Context, session *presence.Session, req events.ReactionRequest) (models.Reaction, error) {
	if err := validateEmoji(req.Emoji); err != nil {
		return models.Reaction{}, err
	}
	if err := p.rooms.VerifyMember(ctx, session.UserID, req.ConversationID); err != nil {
		return models.Reaction{}, err
	}
	if _, err := p.loadMessage(ctx, req.ConversationID, req.MessageID); err != nil {
		return models.Reaction{}, err
	}

	reaction, err := p.messages.AddReaction(ctx, req.MessageID, session.UserID, req.Emoji)
	if err != nil {
		p.log.Error("add reaction failed", zap.Int64("message_id", req.MessageID), zap.Error(err))
		return models.Reaction{}, persistence(err)
	}

	p.rooms.BroadcastToConversation(ctx, req.ConversationID, events.ReactionAddedEvent{Reaction: reaction}, "")
	return reaction, nil
}

// RemoveReaction withdraws the actor's reaction. Nothing is broadcast when there was none.
func (p *Pipeline) RemoveReaction(ctx context.Context, session *presence.Session, req events.ReactionRequest) (bool, error) {
	if err := validateEmoji(req.Emoji); err != nil {
		return false, err
	}
	if err := p.rooms.VerifyMember(ctx, session.UserID, req.ConversationID); err != nil {
		return false, err
	}
	if _, err := p.loadMessage(ctx, req.ConversationID, req.MessageID); err != nil {
		return false, err
	}

	removed, err := p.messages.RemoveReaction(ctx, req.MessageID, session.UserID, req.Emoji)
	if err != nil {
		p.log.Error("remove reaction failed", zap.Int64("message_id", req.MessageID), zap.Error(err))
		return false, persistence(err)
	}
	if !removed {
		return false, nil
	}

	p.rooms.BroadcastToConversation(ctx, req.ConversationID, events.ReactionRemovedEvent{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		UserID:         session.UserID,
		Emoji:          req.Emoji,
	}, "")
	return true, nil
}

// MarkAsRead records a read receipt and resets the reader's unread counter. Other members see
// the receipt; the reader's own devices get it on the private room.
func (p *Pipeline) MarkAsRead(ctx context.Context, session *presence.Session, req events.MessageRequest) (models.ReadReceipt, error) {
	if err := p.rooms.VerifyMember(ctx, session.UserID, req.ConversationID); err != nil {
		return models.ReadReceipt{}, err
	}
	if _, err := p.loadMessage(ctx, req.ConversationID, req.MessageID); err != nil {
		return models.ReadReceipt{}, err
	}

	receipt, err := p.messages.RecordReadReceipt(ctx, req.ConversationID, session.UserID, req.MessageID)
	if err != nil {
		p.log.Error("record read receipt failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return models.ReadReceipt{}, persistence(err)
	}

	evt := events.ReadReceiptEvent{
		ConversationID: receipt.ConversationID,
		UserID:         receipt.UserID,
		MessageID:      receipt.MessageID,
		ReadAt:         receipt.ReadAt,
	}
	p.rooms.BroadcastToConversation(ctx, req.ConversationID, evt, session.UserID)
	p.rooms.NotifyUser(ctx, session.UserID, evt)
	return receipt, nil
}

func (p *Pipeline) validateSend(req events.SendMessageRequest) (string, error) {
	if err := p.validateContent(req.Content, len(req.Attachments) > 0); err != nil {
		return "", err
	}
	switch req.Type {
	case "":
		return models.MessageTypeText, nil
	case models.MessageTypeText, models.MessageTypeImage, models.MessageTypeFile, models.MessageTypeSystem:
		return req.Type, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, req.Type)
	}
}

func (p *Pipeline) validateContent(content string, hasAttachments bool) error {
	if strings.TrimSpace(content) == "" && !hasAttachments {
		return fmt.Errorf("%w: content is empty", ErrInvalidPayload)
	}
	if p.maxLength > 0 && utf8.RuneCountInString(content) > p.maxLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidPayload, p.maxLength)
	}
	return nil
}

func validateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" || len(emoji) > maxEmojiLength {
		return fmt.Errorf("%w: invalid emoji", ErrInvalidPayload)
	}
	return nil
}

// loadMessage fetches a live message and checks it belongs to the conversation the client named.
func (p *Pipeline) loadMessage(ctx context.Context, conversationID string, messageID int64) (models.Message, error) {
	msg, err := p.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, err
	}
	if err != nil {
		p.log.Error("load message failed", zap.Int64("message_id", messageID), zap.Error(err))
		return models.Message{}, persistence(err)
	}
	if msg.ConversationID != conversationID || msg.DeletedAt != nil {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return msg, nil
}

func (p *Pipeline) authorize(ctx context.Context, userID string, msg models.Message) error {
	if msg.SenderID == userID {
		return nil
	}
	ok, err := p.moderators.IsModerator(ctx, msg.ConversationID, userID)
	if err != nil {
		return persistence(err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (p *Pipeline) emitAudit(ctx context.Context, userID, text string) {
	if p.audit == nil {
		return
	}
	p.audit.Emit(ctx, "INFO", text, observability.RequestIDFromContext(ctx), &userID)
}

func persistence(err error) error {
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
