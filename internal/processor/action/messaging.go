// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/gateway"
	"github.com/tombee/flowengine/internal/processor"
)

// EmailProviders are the providers a send_email node may name.
var EmailProviders = []string{"smtp", "sendgrid", "mailgun", "ses"}

// SendEmailConfig configures a send_email node.
type SendEmailConfig struct {
	To       Recipients `json:"to"`
	CC       Recipients `json:"cc,omitempty"`
	Subject  string     `json:"subject"`
	Body     string     `json:"body"`
	Provider string     `json:"provider,omitempty"`
	HTML     bool       `json:"html,omitempty"`
}

func (c SendEmailConfig) provider() string {
	if c.Provider == "" {
		return "smtp"
	}
	return c.Provider
}

// SendEmail sends an email through an EmailSender.
type SendEmail struct {
	Sender gateway.EmailSender
}

func (*SendEmail) NodeType() string { return TypeSendEmail }

func (*SendEmail) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c SendEmailConfig) bool {
		return len(c.To) > 0 &&
			strings.TrimSpace(c.Subject) != "" &&
			strings.TrimSpace(c.Body) != "" &&
			processor.OneOf(c.provider(), EmailProviders...)
	})(raw)
}

func (p *SendEmail) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[SendEmailConfig](job.Config)
	if err != nil {
		return nil, err
	}
	if p.Sender == nil {
		return nil, fmt.Errorf("no email sender configured")
	}

	receipt, err := p.Sender.Send(ctx, gateway.Email{
		Provider: cfg.provider(),
		To:       cfg.To,
		CC:       cfg.CC,
		Subject:  cfg.Subject,
		Body:     cfg.Body,
		HTML:     cfg.HTML,
	})
	if err != nil {
		return nil, err
	}
	return execution.Succeeded(receipt), nil
}

// WhatsAppTypes are the message types a whatsapp_send node may use.
var WhatsAppTypes = []string{"text", "image", "document", "audio", "video"}

// WhatsAppSendConfig configures a whatsapp_send node.
type WhatsAppSendConfig struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

func (c WhatsAppSendConfig) messageType() string {
	if c.Type == "" {
		return "text"
	}
	return c.Type
}

// WhatsAppSend delivers a chat message through a Messenger.
type WhatsAppSend struct {
	Messenger gateway.Messenger
}

func (*WhatsAppSend) NodeType() string { return TypeWhatsAppSend }

func (*WhatsAppSend) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c WhatsAppSendConfig) bool {
		return strings.TrimSpace(c.To) != "" &&
			strings.TrimSpace(c.Message) != "" &&
			processor.OneOf(c.messageType(), WhatsAppTypes...)
	})(raw)
}

func (p *WhatsAppSend) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[WhatsAppSendConfig](job.Config)
	if err != nil {
		return nil, err
	}
	if p.Messenger == nil {
		return nil, fmt.Errorf("no messenger configured")
	}

	receipt, err := p.Messenger.SendMessage(ctx, gateway.Message{
		To:       cfg.To,
		Type:     cfg.messageType(),
		Text:     cfg.Message,
		MediaURL: cfg.MediaURL,
	})
	if err != nil {
		return nil, err
	}
	return execution.Succeeded(map[string]any{
		"messageId": receipt.MessageID,
		"status":    receipt.Status,
		"to":        cfg.To,
		"type":      cfg.messageType(),
		"sentAt":    receipt.SentAt,
	}), nil
}
