package notify

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/domain/event"
)

// LarkConfig holds the Lark app credentials and the chat that receives notifications
type LarkConfig struct {
	AppID         string
	AppSecret     string
	ReceiveIDType string // chat_id, open_id, email, ...
	ReceiveID     string
}

// LarkMessageCreator is the subset of the Lark IM API used here. client.Im.Message satisfies it.
type LarkMessageCreator interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

// LarkNotifier posts a text message per event to a Lark chat
type LarkNotifier struct {
	messages      LarkMessageCreator
	receiveIDType string
	receiveID     string
	logger        *zap.Logger
}

// NewLarkClient builds the SDK client with token caching enabled
func NewLarkClient(cfg LarkConfig) *lark.Client {
	return lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)
}

// NewLarkNotifier creates a notifier that sends through messages
func NewLarkNotifier(messages LarkMessageCreator, cfg LarkConfig, logger *zap.Logger) *LarkNotifier {
	receiveIDType := cfg.ReceiveIDType
	if receiveIDType == "" {
		receiveIDType = "chat_id"
	}
	return &LarkNotifier{
		messages:      messages,
		receiveIDType: receiveIDType,
		receiveID:     cfg.ReceiveID,
		logger:        logger,
	}
}

// Channel returns the channel name
func (n *LarkNotifier) Channel() string {
	return entity.ChannelLark
}

// Notify sends the event summary. The event ID is the message uuid so redelivery is deduplicated by Lark.
func (n *LarkNotifier) Notify(ctx context.Context, evt *event.Event) error {
	content, err := json.Marshal(map[string]string{"text": Summary(evt)})
	if err != nil {
		return fmt.Errorf("failed to encode lark message: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(n.receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(n.receiveID).
			MsgType("text").
			Content(string(content)).
			Uuid(evt.ID).
			Build()).
		Build()

	resp, err := n.messages.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send lark message: %w", err)
	}

	if !resp.Success() {
		n.logger.Error("Lark API returned failure",
			zap.String("event_id", evt.ID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return fmt.Errorf("lark API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	n.logger.Debug("Lark message sent",
		zap.String("event_id", evt.ID),
		zap.String("message_id", messageID))

	return nil
}
