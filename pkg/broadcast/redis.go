package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"cybersentinel/pkg/structlog"
)

// ChannelPrefix is prepended to the tenant id to form the pub/sub channel.
const ChannelPrefix = "sentinel:broadcast:"

// Channel returns the pub/sub channel carrying tenant's events.
func Channel(tenant string) string { return ChannelPrefix + tenant }

func tenantFromChannel(channel string) (string, bool) {
	tenant, ok := strings.CutPrefix(channel, ChannelPrefix)
	return tenant, ok && tenant != ""
}

// RedisRelay publishes events through Redis so every API instance can reach
// its own observers. Run delivers relayed events to the local registry.
type RedisRelay struct {
	client redis.UniversalClient
	local  *Registry
	logger *structlog.Logger
}

func NewRedisRelay(client redis.UniversalClient, local *Registry, logger *structlog.Logger) *RedisRelay {
	if logger == nil {
		logger = structlog.Nop()
	}
	return &RedisRelay{client: client, local: local, logger: logger}
}

// Publish implements Publisher. When Redis rejects the message the event is
// still delivered to this instance's observers.
func (r *RedisRelay) Publish(ctx context.Context, evt Event) error {
	if evt.TenantID == "" {
		return errors.New("publish event: tenant id is required")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(evt.TenantID), data).Err(); err != nil {
		n := r.local.Broadcast(ctx, evt.TenantID, evt)
		r.logger.Warn("relay publish failed, delivered locally", structlog.Fields{
			"tenant_id": evt.TenantID, "event": string(evt.Type), "observers": n, "error": err,
		})
	}
	return nil
}

// Run subscribes to every tenant channel until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe broadcast channels: %w", err)
	}
	r.logger.Info("broadcast relay subscribed", structlog.Fields{"pattern": ChannelPrefix + "*"})

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, channel, payload string) int {
	tenant, ok := tenantFromChannel(channel)
	if !ok {
		return 0
	}
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		r.logger.Warn("dropping undecodable relay message", structlog.Fields{"channel": channel, "error": err})
		return 0
	}
	return r.local.Broadcast(ctx, tenant, evt)
}
