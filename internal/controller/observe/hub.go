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

// Package observe fans run events out to live subscribers of an
// installation. Publishing never blocks: a slow subscriber misses events.
package observe

import (
	"sync"
	"time"
)

// EventType names a run lifecycle event.
type EventType string

const (
	RunStarted  EventType = "started"
	RunFinished EventType = "finished"
	RunFailed   EventType = "failed"
)

// Event is published to observers of an installation.
type Event struct {
	Type           EventType `json:"type"`
	InstallationID int64     `json:"iID"`
	RunID          string    `json:"runID"`
	Event          string    `json:"event,omitempty"`
	Paths          []string  `json:"paths,omitempty"`
	Message        string    `json:"message,omitempty"`
	Time           time.Time `json:"time"`
}

const subscriberBuffer = 64

// Hub routes events to per-installation subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64][]chan Event
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int64][]chan Event)}
}

// Publish delivers e to every subscriber of e.InstallationID.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	h.mu.RLock()
	subs := make([]chan Event, len(h.subscribers[e.InstallationID]))
	copy(subs, h.subscribers[e.InstallationID])
	h.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events for an installation and an
// unsubscribe function. The channel is never closed.
func (h *Hub) Subscribe(installationID int64) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subscribers[installationID] = append(h.subscribers[installationID], ch)
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			subs := h.subscribers[installationID]
			for i, sub := range subs {
				if sub == ch {
					h.subscribers[installationID] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(h.subscribers[installationID]) == 0 {
				delete(h.subscribers, installationID)
			}
		})
	}
}

// SubscriberCount returns the number of subscribers for an installation.
func (h *Hub) SubscriberCount(installationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[installationID])
}

// TotalSubscribers returns the number of subscribers across installations.
func (h *Hub) TotalSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}
