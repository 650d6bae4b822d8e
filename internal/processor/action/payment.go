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

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/gateway"
	"github.com/tombee/flowengine/internal/processor"
)

var (
	// PaymentCurrencies are the accepted ISO currency codes.
	PaymentCurrencies = []string{"BRL", "USD", "EUR", "GBP"}

	// PaymentProviders are the accepted payment providers.
	PaymentProviders = []string{"stripe", "mercadopago", "paypal", "pagseguro"}
)

// PaymentProcessConfig configures a payment_process node.
type PaymentProcessConfig struct {
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Provider    string         `json:"provider"`
	Description string         `json:"description,omitempty"`
	Customer    map[string]any `json:"customer,omitempty"`
}

// PaymentProcess charges a payment through a PaymentGateway.
type PaymentProcess struct {
	Gateway gateway.PaymentGateway
}

func (*PaymentProcess) NodeType() string { return TypePaymentProcess }

func (*PaymentProcess) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c PaymentProcessConfig) bool {
		return c.Amount > 0 &&
			processor.OneOf(c.Currency, PaymentCurrencies...) &&
			processor.OneOf(c.Provider, PaymentProviders...)
	})(raw)
}

func (p *PaymentProcess) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[PaymentProcessConfig](job.Config)
	if err != nil {
		return nil, err
	}
	if p.Gateway == nil {
		return nil, fmt.Errorf("no payment gateway configured")
	}

	receipt, err := p.Gateway.Charge(ctx, gateway.Payment{
		Provider:    cfg.Provider,
		Amount:      cfg.Amount,
		Currency:    cfg.Currency,
		Description: cfg.Description,
		Customer:    cfg.Customer,
	})
	if err != nil {
		return nil, err
	}
	return execution.Succeeded(receipt), nil
}
