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

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flowengine/internal/log"
)

// SimulatedEmailSender accepts every email and keeps a copy.
type SimulatedEmailSender struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Email
}

// NewSimulatedEmailSender creates a SimulatedEmailSender. A nil logger discards.
func NewSimulatedEmailSender(logger *slog.Logger) *SimulatedEmailSender {
	if logger == nil {
		logger = log.Discard()
	}
	return &SimulatedEmailSender{logger: logger}
}

func (s *SimulatedEmailSender) Send(ctx context.Context, email Email) (*EmailReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sent = append(s.sent, email)
	s.mu.Unlock()

	receipt := &EmailReceipt{
		MessageID: uuid.NewString(),
		Provider:  email.Provider,
		Accepted:  append([]string(nil), email.To...),
		SentAt:    time.Now().UTC(),
	}
	s.logger.Info("email accepted",
		slog.String("provider", email.Provider),
		slog.Int("recipients", len(email.To)),
		slog.String("message_id", receipt.MessageID),
	)
	return receipt, nil
}

// Sent returns the emails accepted so far.
func (s *SimulatedEmailSender) Sent() []Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Email(nil), s.sent...)
}

// SimulatedPaymentGateway approves every charge.
type SimulatedPaymentGateway struct {
	logger *slog.Logger

	mu      sync.Mutex
	charges []Payment
}

// NewSimulatedPaymentGateway creates a SimulatedPaymentGateway.
func NewSimulatedPaymentGateway(logger *slog.Logger) *SimulatedPaymentGateway {
	if logger == nil {
		logger = log.Discard()
	}
	return &SimulatedPaymentGateway{logger: logger}
}

func (g *SimulatedPaymentGateway) Charge(ctx context.Context, p Payment) (*PaymentReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.charges = append(g.charges, p)
	g.mu.Unlock()

	receipt := &PaymentReceipt{
		TransactionID: uuid.NewString(),
		Provider:      p.Provider,
		Status:        "approved",
		Amount:        p.Amount,
		Currency:      p.Currency,
		ProcessedAt:   time.Now().UTC(),
	}
	g.logger.Info("payment approved",
		slog.String("provider", p.Provider),
		slog.String("currency", p.Currency),
		slog.String("transaction_id", receipt.TransactionID),
	)
	return receipt, nil
}

// Charges returns the payments processed so far.
func (g *SimulatedPaymentGateway) Charges() []Payment {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Payment(nil), g.charges...)
}

// SimulatedMessenger accepts every message.
type SimulatedMessenger struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewSimulatedMessenger creates a SimulatedMessenger.
func NewSimulatedMessenger(logger *slog.Logger) *SimulatedMessenger {
	if logger == nil {
		logger = log.Discard()
	}
	return &SimulatedMessenger{logger: logger}
}

func (m *SimulatedMessenger) SendMessage(ctx context.Context, msg Message) (*MessageReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	receipt := &MessageReceipt{
		MessageID: uuid.NewString(),
		Status:    "sent",
		SentAt:    time.Now().UTC(),
	}
	m.logger.Info("message sent", slog.String("type", msg.Type), slog.String("message_id", receipt.MessageID))
	return receipt, nil
}

// Sent returns the messages accepted so far.
func (m *SimulatedMessenger) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
