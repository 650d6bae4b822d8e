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

// Package action implements the processors that have side effects outside
// the engine. Each one delegates the effect to a gateway.
package action

import (
	"encoding/json"
	"strings"

	"github.com/tombee/flowengine/internal/gateway"
	"github.com/tombee/flowengine/internal/processor"
)

// Action node types.
const (
	TypeHTTPRequest    = "http_request"
	TypeSendEmail      = "send_email"
	TypeDatabaseSave   = "database_save"
	TypeWhatsAppSend   = "whatsapp_send"
	TypePaymentProcess = "payment_process"
)

// Types lists every action node type.
var Types = []string{TypeHTTPRequest, TypeSendEmail, TypeDatabaseSave, TypeWhatsAppSend, TypePaymentProcess}

// Register adds all action processors to r, bound to gw.
func Register(r *processor.Registry, gw gateway.Gateways) {
	r.Register(&HTTPRequest{Client: gw.HTTP})
	r.Register(&SendEmail{Sender: gw.Email})
	r.Register(&DatabaseSave{Store: gw.Records})
	r.Register(&WhatsAppSend{Messenger: gw.Messages})
	r.Register(&PaymentProcess{Gateway: gw.Payments})
}

// Recipients accepts either a single address or a list.
type Recipients []string

func (r *Recipients) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*r = nil
		for _, part := range strings.Split(one, ",") {
			if p := strings.TrimSpace(part); p != "" {
				*r = append(*r, p)
			}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*r = many
	return nil
}
