// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "encoding/json"

// StateInfoQueued marks a synthesized answer for a publish that was accepted
// for later delivery.
const StateInfoQueued = "QUEUED"

type queuedResponse struct {
	State     string `json:"state"`
	StateInfo string `json:"stateInfo"`
	Key       string `json:"key"`
	ID        string `json:"id"`
}

// fakeReturns answers publishes that a transport failure kept from being
// delivered, so callers that only need acceptance do not wait for recovery.
// The entries stay queued and the real result is discarded later.
func fakeReturns(entries []*Entry) int {
	n := 0
	for _, e := range entries {
		if e.Method != MethodPublish || !e.WantsResult || e.isResolved() {
			continue
		}
		res, err := json.Marshal(queuedResponse{State: "OK", StateInfo: StateInfoQueued, Key: e.Key, ID: e.ID})
		if err != nil {
			continue
		}
		if e.resolve(Result{Response: res}) {
			n++
		}
	}
	return n
}
