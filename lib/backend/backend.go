/*
Copyright 2025 TermGate Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package backend defines the storage contract for per-identity state:
// scalar settings, editor drafts scoped to a session, and file
// annotations scoped to a session plus file path. The gateway depends
// only on this interface; lib/backend/lite provides the embedded
// implementation.
package backend

import (
	"context"
	"time"
)

// Item is a stored value with its last-update time.
type Item struct {
	// Value holds the stored content, opaque to the gateway.
	Value string `json:"value"`
	// UpdatedAt is when the value was last written.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Backend reads and writes per-identity records. All values are opaque
// bytes to the gateway. Implementations must be safe for concurrent
// use.
type Backend interface {
	// GetSetting returns a scalar setting or trace.NotFound.
	GetSetting(ctx context.Context, identity, key string) (*Item, error)

	// PutSetting creates or replaces a scalar setting.
	PutSetting(ctx context.Context, identity, key, value string) error

	// GetDraft returns the editor draft for a session or trace.NotFound.
	GetDraft(ctx context.Context, identity, session string) (*Item, error)

	// PutDraft creates or replaces the editor draft for a session.
	PutDraft(ctx context.Context, identity, session, content string) error

	// GetAnnotation returns the annotation for a file within a session
	// or trace.NotFound.
	GetAnnotation(ctx context.Context, identity, session, filePath string) (*Item, error)

	// PutAnnotation creates or replaces the annotation for a file
	// within a session.
	PutAnnotation(ctx context.Context, identity, session, filePath string, content string) error

	// PurgeBefore deletes drafts and annotations last updated before
	// cutoff. Settings are never purged.
	PurgeBefore(ctx context.Context, cutoff time.Time) error

	// Close releases the underlying storage.
	Close() error
}
