// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// buildChain creates a valid hash-chained event sequence the way the
// gateway's SSE writer does.
func buildChain(types ...string) []datatypes.StreamEvent {
	events := make([]datatypes.StreamEvent, 0, len(types))
	prevHash := ""
	for i, typ := range types {
		event := datatypes.StreamEvent{
			Type:      typ,
			Id:        fmt.Sprintf("event-%d", i),
			CreatedAt: time.Now().UnixMilli(),
			PrevHash:  prevHash,
			Message:   fmt.Sprintf("payload %d", i),
		}
		event.Hash = event.ComputeHash()
		prevHash = event.Hash
		events = append(events, event)
	}
	return events
}

func TestVerifyChain_Valid(t *testing.T) {
	events := buildChain("status", "update", "update", "done")

	result := VerifyChain(events)
	assert.True(t, result.Valid)
	assert.Equal(t, 4, result.ChainLength)
	assert.Equal(t, -1, result.InvalidEventIndex)
	assert.Equal(t, events[3].Hash, result.FinalHash)
	assert.Empty(t, result.ErrorMessage)
}

func TestVerifyChain_Empty(t *testing.T) {
	result := VerifyChain(nil)
	assert.True(t, result.Valid)
	assert.Equal(t, 0, result.ChainLength)
	assert.Empty(t, result.FinalHash)
}

func TestVerifyChain_DetectsContentTampering(t *testing.T) {
	events := buildChain("status", "update", "done")
	events[1].Message = "altered payload"

	result := VerifyChain(events)
	require.False(t, result.Valid)
	assert.Equal(t, 1, result.InvalidEventIndex)
	assert.Contains(t, result.ErrorMessage, "content hash mismatch")
	assert.NotEqual(t, result.ExpectedHash, result.ActualHash)
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	events := buildChain("status", "update", "done")
	// Recompute the hash after tampering so only the link betrays it.
	events[1].Message = "altered payload"
	events[1].Hash = events[1].ComputeHash()

	result := VerifyChain(events)
	require.False(t, result.Valid)
	assert.Equal(t, 2, result.InvalidEventIndex, "the successor's link no longer matches")
	assert.Contains(t, result.ErrorMessage, "chain link mismatch")
}

func TestVerifyChain_DetectsDroppedEvent(t *testing.T) {
	events := buildChain("status", "update", "update", "done")
	spliced := append(events[:1:1], events[2:]...)

	result := VerifyChain(spliced)
	require.False(t, result.Valid)
	assert.Equal(t, 1, result.InvalidEventIndex)
}

func TestVerifyChain_ResponsePayloadCovered(t *testing.T) {
	event := datatypes.StreamEvent{
		Type:      datatypes.EventTypeUpdate,
		Id:        "event-0",
		CreatedAt: time.Now().UnixMilli(),
		Model:     "alpha",
		Response:  &datatypes.Response{Content: "original"},
	}
	event.Hash = event.ComputeHash()

	events := []datatypes.StreamEvent{event}
	require.True(t, VerifyChain(events).Valid)

	events[0].Response.Content = "tampered"
	result := VerifyChain(events)
	assert.False(t, result.Valid, "response content is part of the hash")
}
