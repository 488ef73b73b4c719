package rabbit

import (
	"time"

	"github.com/streadway/amqp"
)

// Metadata flattens the message properties and the scalar headers,
// used as fields on consumer events.
func (d *Delivery) Metadata() map[string]interface{} {
	meta := map[string]interface{}{
		"content-type": d.ContentType,
		"message-id":   d.MessageId,
		"routing-key":  d.RoutingKey,
		"redelivered":  d.Redelivered,
	}
	if len(d.CorrelationId) > 0 {
		meta["correlation-id"] = d.CorrelationId
	}
	for k, v := range d.Headers {
		switch vt := v.(type) {
		case int, int16, int32, int64, float32, float64, string, []byte, time.Time, bool:
			meta[k] = vt
		}
	}
	if xdeaths, ok := d.Headers["x-death"].([]interface{}); ok {
		meta["deaths"] = countDeaths(xdeaths)
	}
	return meta
}

// countDeaths sums the x-death counters ignoring expirations.
func countDeaths(xdeaths []interface{}) int64 {
	var total int64
	for _, ideath := range xdeaths {
		xdeath, ok := ideath.(amqp.Table)
		if !ok {
			continue
		}
		if xdeath["reason"] == "expired" {
			continue
		}
		count, _ := xdeath["count"].(int64)
		total += count
	}
	return total
}
