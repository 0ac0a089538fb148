package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Header names set on every published message.
const (
	HeaderContentType = "content-type"
	HeaderProducedBy  = "produced-by"
)

// headerCarrier exposes message headers as a propagation.TextMapCarrier.
type headerCarrier struct {
	headers *[]segkafka.Header
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	return HeaderValue(*c.headers, key)
}

// Set replaces any header already stored under key.
func (c headerCarrier) Set(key, value string) {
	out := (*c.headers)[:0]
	for _, h := range *c.headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	*c.headers = append(out, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// HeaderValue returns the first header named key, or "".
func HeaderValue(headers []segkafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// injectTrace appends the trace context of ctx to headers.
func injectTrace(ctx context.Context, headers []segkafka.Header) []segkafka.Header {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &headers})
	return headers
}

// extractTrace returns ctx carrying the producer's trace context, if any.
func extractTrace(ctx context.Context, headers []segkafka.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &headers})
}
