package ws

import (
	"context"
	"time"

	"realtime-service/internal/observability"
)

func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	duration := int64(0)
	if !info.ConnectedAt.IsZero() {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        "realtime",
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent(event, "ok")
}

func (h *Hub) publishWSError(c *Client, reason string) {
	publishLifecycle(context.Background(), c.Info(), "ws_error", reason)
}
