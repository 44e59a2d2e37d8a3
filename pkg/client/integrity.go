// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file verifies the hash chain carried on stream events.
//
// Hash Chain Design:
//
//	Each StreamEvent has a Hash computed from its content and a PrevHash
//	linking to the previous event:
//
//	Event[0] → Event[1] → Event[2] → ... → Event[N]
//	  Hash₀     Hash₁     Hash₂           HashN
//
//	Modifying any event changes its hash and breaks the chain, so a
//	client that records a stream can later prove it was not altered.
package client

import (
	"crypto/subtle"
	"fmt"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// secureHashEqual performs constant-time comparison of two hash strings.
func secureHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ChainVerificationResult is the outcome of verifying one event chain.
//
// Immutable after creation. InvalidEventIndex is -1 when the chain is
// valid.
type ChainVerificationResult struct {
	Valid             bool   `json:"valid"`
	ChainLength       int    `json:"chain_length"`
	FinalHash         string `json:"final_hash,omitempty"`
	InvalidEventIndex int    `json:"invalid_event_index"`
	ExpectedHash      string `json:"expected_hash,omitempty"`
	ActualHash        string `json:"actual_hash,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// VerifyChain recomputes every event's hash and checks each PrevHash
// link against its predecessor.
//
// # Description
//
// Full verification: each event's content hash is recomputed with the
// same formula the gateway uses, then compared in constant time against
// the carried Hash. The first mismatch stops verification and reports
// the offending index.
//
// # Inputs
//
//   - events: The recorded stream in arrival order. An empty slice
//     verifies trivially.
func VerifyChain(events []datatypes.StreamEvent) *ChainVerificationResult {
	result := &ChainVerificationResult{
		Valid:             true,
		ChainLength:       len(events),
		InvalidEventIndex: -1,
	}

	prevHash := ""
	for i, event := range events {
		if !secureHashEqual(event.PrevHash, prevHash) {
			result.Valid = false
			result.InvalidEventIndex = i
			result.ExpectedHash = prevHash
			result.ActualHash = event.PrevHash
			result.ErrorMessage = fmt.Sprintf("event %d chain link mismatch", i)
			return result
		}

		computed := event.ComputeHash()
		if !secureHashEqual(event.Hash, computed) {
			result.Valid = false
			result.InvalidEventIndex = i
			result.ExpectedHash = computed
			result.ActualHash = event.Hash
			result.ErrorMessage = fmt.Sprintf("event %d content hash mismatch", i)
			return result
		}

		prevHash = event.Hash
	}

	result.FinalHash = prevHash
	return result
}
