package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
	client "github.com/pratikpakhale/poultry/pkg/clients/whatsapp"
)

// ErrNoRecipient is returned when a message has no destination number.
var ErrNoRecipient = errors.New("whatsapp recipient is not configured")

// MessagingService pushes operator notifications.
type MessagingService interface {
	SendOutbound(ctx context.Context, req models.OutboundMessageRequest) error
	// Notify sends message to the configured alert recipient.
	Notify(ctx context.Context, message string) error
}

// TextSender is the subset of the Cloud API client the service uses.
type TextSender interface {
	SendText(ctx context.Context, to, body string) (*client.SendTextMessageResponse, error)
}

// MetaWhatsAppService is the production implementation backed by WhatsApp Cloud API.
type MetaWhatsAppService struct {
	client    TextSender
	recipient string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewMetaWhatsAppService wires a new service instance.
func NewMetaWhatsAppService(sender TextSender, recipient string, logger *zap.Logger) *MetaWhatsAppService {
	svc := &MetaWhatsAppService{
		client:    sender,
		recipient: recipient,
		timeout:   10 * time.Second,
		logger:    logger,
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	return svc
}

// SendOutbound delivers a message to an explicit number.
func (s *MetaWhatsAppService) SendOutbound(ctx context.Context, req models.OutboundMessageRequest) error {
	if req.To == "" {
		return ErrNoRecipient
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.SendText(ctxWithTimeout, req.To, req.Message)
	if err != nil {
		return fmt.Errorf("send outbound message: %w", err)
	}
	s.logger.Info("outbound message sent", zap.String("to", req.To), zap.String("message_id", resp.MessageID()))
	return nil
}

// Notify sends message to the alert recipient.
func (s *MetaWhatsAppService) Notify(ctx context.Context, message string) error {
	return s.SendOutbound(ctx, models.OutboundMessageRequest{To: s.recipient, Message: message})
}

// NopService drops every message. It stands in when WhatsApp is not configured.
type NopService struct {
	logger *zap.Logger
}

// NewNopService builds a messaging service that only logs.
func NewNopService(logger *zap.Logger) *NopService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NopService{logger: logger}
}

func (n *NopService) SendOutbound(_ context.Context, req models.OutboundMessageRequest) error {
	n.logger.Debug("whatsapp disabled, message dropped", zap.String("to", req.To))
	return nil
}

func (n *NopService) Notify(ctx context.Context, message string) error {
	return n.SendOutbound(ctx, models.OutboundMessageRequest{Message: message})
}
