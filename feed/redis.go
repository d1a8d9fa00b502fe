package feed

import (
	"context"
	"encoding/json"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	auth "github.com/goliatone/go-clinic-auth"
)

// DefaultChannelPrefix prefixes every profile channel: profile:<id>.
const DefaultChannelPrefix = "profile:"

// TextCodeInvalidMessage marks a pub/sub message that is not a profile row.
const TextCodeInvalidMessage = "FEED_INVALID_MESSAGE"

// Redis fans profile changes across instances through Redis pub/sub.
// Publish goes to Redis only; Run pattern subscribes to every profile
// channel and hands messages to the local subscribers.
type Redis struct {
	client redis.UniversalClient
	prefix string
	local  *Memory
	logger auth.Logger
}

// RedisOption customizes the Redis feed.
type RedisOption func(*Redis)

func WithChannelPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithRedisLogger(logger auth.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedis creates a feed on client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: DefaultChannelPrefix,
		local:  NewMemory(),
		logger: nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Publish implements auth.ProfileFeed.
func (r *Redis) Publish(ctx context.Context, profile *auth.UserProfile) error {
	if profile == nil {
		return nil
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return feedError(err, "feed: encode profile")
	}
	if err := r.client.Publish(ctx, r.channel(profile.ID), payload).Err(); err != nil {
		return feedError(err, "feed: publish")
	}
	return nil
}

// Subscribe implements auth.ProfileFeed. Delivery starts once Run is
// receiving.
func (r *Redis) Subscribe(ctx context.Context, id uuid.UUID, fn func(*auth.UserProfile)) (auth.Subscription, error) {
	return r.local.Subscribe(ctx, id, fn)
}

// Run receives profile messages until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return feedError(err, "feed: subscribe")
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Redis) handle(ctx context.Context, msg *redis.Message) {
	profile, err := r.decode(msg)
	if err != nil {
		r.logger.Warn("feed: dropping message on %s: %v", msg.Channel, err)
		return
	}
	_ = r.local.Publish(ctx, profile)
}

func (r *Redis) decode(msg *redis.Message) (*auth.UserProfile, error) {
	if msg == nil {
		return nil, invalidMessage(nil, "empty message", nil)
	}

	raw := strings.TrimPrefix(msg.Channel, r.prefix)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, invalidMessage(err, "invalid channel", map[string]any{"channel": msg.Channel})
	}

	profile := &auth.UserProfile{}
	if err := json.Unmarshal([]byte(msg.Payload), profile); err != nil {
		return nil, invalidMessage(err, "invalid payload", map[string]any{"channel": msg.Channel})
	}
	if profile.ID != id {
		return nil, invalidMessage(nil, "payload id does not match channel", map[string]any{
			"channel":    msg.Channel,
			"payload_id": profile.ID.String(),
		})
	}
	return profile, nil
}

func (r *Redis) channel(id uuid.UUID) string {
	return r.prefix + id.String()
}

func feedError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(goerrors.CodeInternal).
		WithTextCode(auth.TextCodeProviderFailure)
}

func invalidMessage(err error, message string, metadata map[string]any) error {
	var out *goerrors.Error
	if err != nil {
		out = goerrors.Wrap(err, goerrors.CategoryBadInput, message)
	} else {
		out = goerrors.New(message, goerrors.CategoryBadInput)
	}
	out = out.WithCode(goerrors.CodeBadRequest).WithTextCode(TextCodeInvalidMessage)
	if len(metadata) > 0 {
		out = out.WithMetadata(metadata)
	}
	return out
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

var _ auth.ProfileFeed = (*Redis)(nil)
