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

// Package gateway defines the outbound collaborators action processors
// call: HTTP, email, payments, messaging and record storage. Email,
// payment and messaging have simulated implementations that record what
// was sent.
package gateway

import (
	"context"
	"time"
)

// HTTPRequest is an outbound HTTP call.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any // string bodies are sent verbatim, anything else as JSON
	Timeout time.Duration
}

// HTTPResponse is the decoded result of an HTTPRequest.
type HTTPResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Data       any               `json:"data"`
}

// HTTPDoer performs HTTP requests.
type HTTPDoer interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// Email is a message for an EmailSender.
type Email struct {
	Provider string   `json:"provider"`
	To       []string `json:"to"`
	CC       []string `json:"cc,omitempty"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	HTML     bool     `json:"html,omitempty"`
}

// EmailReceipt confirms an accepted email.
type EmailReceipt struct {
	MessageID string    `json:"messageId"`
	Provider  string    `json:"provider"`
	Accepted  []string  `json:"accepted"`
	SentAt    time.Time `json:"sentAt"`
}

// EmailSender delivers email.
type EmailSender interface {
	Send(ctx context.Context, email Email) (*EmailReceipt, error)
}

// Payment is a charge request.
type Payment struct {
	Provider    string         `json:"provider"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	Customer    map[string]any `json:"customer,omitempty"`
}

// PaymentReceipt confirms a processed payment.
type PaymentReceipt struct {
	TransactionID string    `json:"transactionId"`
	Provider      string    `json:"provider"`
	Status        string    `json:"status"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	ProcessedAt   time.Time `json:"processedAt"`
}

// PaymentGateway charges payments.
type PaymentGateway interface {
	Charge(ctx context.Context, payment Payment) (*PaymentReceipt, error)
}

// Message is an outbound chat message.
type Message struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Text     string `json:"message"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// MessageReceipt confirms an accepted message.
type MessageReceipt struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	SentAt    time.Time `json:"sentAt"`
}

// Messenger delivers chat messages.
type Messenger interface {
	SendMessage(ctx context.Context, msg Message) (*MessageReceipt, error)
}

// Gateways bundles the collaborators handed to action processors.
type Gateways struct {
	HTTP     HTTPDoer
	Email    EmailSender
	Payments PaymentGateway
	Messages Messenger
	Records  RecordStore
}
