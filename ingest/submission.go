// Copyright 2025 BitByte AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedSubmission signals a client payload which does not carry
// the required top-level keys. The raw payload is still persisted for
// audit before this error is reported.
var ErrMalformedSubmission = errors.New("malformed submission")

const unknownDeviceType = "unknown"

// Submission is one raw data payload uploaded by a client device.
// It is immutable once ingested.
type Submission struct {
	DeviceContext map[string]any   `json:"deviceContext"`
	Sessions      []map[string]any `json:"sessions"`
}

// DeviceType returns the device-type identifier from the device context,
// falling back to "unknown" when absent or not a string.
func (sub *Submission) DeviceType() string {
	v, ok := sub.DeviceContext["deviceType"]
	if !ok {
		return unknownDeviceType
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return unknownDeviceType
	}
	return s
}

// ParseSubmission decodes and validates a raw payload. Both the
// `deviceContext` and `sessions` keys must be present (an empty sessions
// list is fine). Anything else fails with ErrMalformedSubmission.
func ParseSubmission(data []byte) (*Submission, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedSubmission, err)
	}
	if _, ok := probe["deviceContext"]; !ok {
		return nil, fmt.Errorf("%w: missing deviceContext", ErrMalformedSubmission)
	}
	if _, ok := probe["sessions"]; !ok {
		return nil, fmt.Errorf("%w: missing sessions", ErrMalformedSubmission)
	}
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedSubmission, err)
	}
	return &sub, nil
}
