// Copyright (c) 2026 John Earle
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

// Package models defines the data structures shared across the bridge worker.
package models

import (
	"encoding/json"
	"fmt"

	"github.com/chatbridge/worker/internal/errs"
)

// Lane names an independent job stream.
type Lane string

const (
	LaneEmailIn Lane = "email-in"
	LaneChatIn  Lane = "chat-in"
)

// Lanes lists every lane the worker drains.
var Lanes = []Lane{LaneEmailIn, LaneChatIn}

// Direction returns the delivery direction of jobs on this lane.
func (l Lane) Direction() Direction {
	if l == LaneChatIn {
		return DirectionChatToEmail
	}
	return DirectionEmailToChat
}

// Payload is one unit of bridge work. The concrete type is either
// *EmailInbound or *ChatInbound; the lane selects which.
type Payload interface {
	Lane() Lane
	NaturalKey() string
	Validate() error
}

// DecodePayload unmarshals raw JSON into the payload type for lane.
func DecodePayload(lane Lane, raw []byte) (Payload, error) {
	var p Payload
	switch lane {
	case LaneEmailIn:
		p = &EmailInbound{}
	case LaneChatIn:
		p = &ChatInbound{}
	default:
		return nil, errs.Validation("lane", "unknown lane %q", lane)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &errs.ValidationError{Field: "payload", Message: fmt.Sprintf("decode %s payload: %v", lane, err)}
	}
	return p, nil
}
