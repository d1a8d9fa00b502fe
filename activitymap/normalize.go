// Package activitymap flattens clinic account activity into a record shape
// that audit stores and log pipelines can consume without importing the
// auth package types.
package activitymap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	auth "github.com/goliatone/go-clinic-auth"
)

const (
	MetadataKeyActorType  = "actor_type"
	MetadataKeyFromStatus = "from_status"
	MetadataKeyToStatus   = "to_status"
)

const (
	defaultChannel    = "clinic-auth"
	defaultObjectType = "user_profile"
	defaultActorID    = "system"
)

// Normalized is the audit record for one activity event.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
	redactKeys    []string
	now           func() time.Time
}

// Normalize converts an activity event. The acting user falls back to the
// target user (self service flows) and then to "system".
func Normalize(event auth.ActivityEvent, opts ...Option) Normalized {
	options := buildOptions(opts...)

	actorID := firstNonEmpty(
		strings.TrimSpace(event.Actor.ID),
		strings.TrimSpace(event.UserID),
		options.actorFallback,
	)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now()
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: options.objectType,
		ObjectID:   strings.TrimSpace(event.UserID),
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event, options.redactKeys),
		OccurredAt: occurredAt.UTC(),
	}
}

func WithChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

func WithObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		if actorID = strings.TrimSpace(actorID); actorID != "" {
			opts.actorFallback = actorID
		}
	}
}

// WithRedactedKeys masks metadata values, e.g. "email" for log sinks that
// leave the clinic network.
func WithRedactedKeys(keys ...string) Option {
	return func(opts *normalizeOptions) {
		opts.redactKeys = append(opts.redactKeys, keys...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

// LogSink writes one line per event to logger. It never fails so it is
// safe to combine with other sinks in an auth.MultiActivitySink.
func LogSink(logger auth.Logger, opts ...Option) auth.ActivitySink {
	return auth.ActivitySinkFunc(func(_ context.Context, event auth.ActivityEvent) error {
		if logger == nil {
			return nil
		}
		record := Normalize(event, opts...)
		logger.Info("%s", record.String())
		return nil
	})
}

// String renders the record as "verb actor=.. object=type/id k=v ...",
// metadata keys sorted.
func (n Normalized) String() string {
	var b strings.Builder
	b.WriteString(n.Verb)
	b.WriteString(" actor=")
	b.WriteString(n.ActorID)
	if n.ObjectID != "" {
		b.WriteString(" object=")
		b.WriteString(n.ObjectType)
		b.WriteString("/")
		b.WriteString(n.ObjectID)
	}

	keys := make([]string, 0, len(n.Metadata))
	for key := range n.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(toString(n.Metadata[key]))
	}
	return b.String()
}

func buildOptions(opts ...Option) normalizeOptions {
	options := normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

func normalizeMetadata(event auth.ActivityEvent, redact []string) map[string]any {
	metadata := make(map[string]any, len(event.Metadata)+3)
	for key, value := range event.Metadata {
		metadata[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := metadata[MetadataKeyActorType]; !exists {
			metadata[MetadataKeyActorType] = actorType
		}
	}
	if event.FromStatus != "" {
		metadata[MetadataKeyFromStatus] = string(event.FromStatus)
	}
	if event.ToStatus != "" {
		metadata[MetadataKeyToStatus] = string(event.ToStatus)
	}

	for _, key := range redact {
		if _, ok := metadata[key]; ok {
			metadata[key] = "[redacted]"
		}
	}

	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func toString(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
