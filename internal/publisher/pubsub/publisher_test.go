package pubsub

import (
	"context"
	"sort"
	"testing"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type notice struct {
	CycleID string `json:"cycle_id"`
	Changed int    `json:"changed"`
}

func (n notice) Attributes() map[string]string {
	return map[string]string{"cycle_id": n.CycleID}
}

func testOptions(addr string) []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}

func TestDialAndPublish(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: fullTopicName("proj", "cycles")})
	require.NoError(t, err)

	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	spanCtx := trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	pub, err := Dial(ctx, Config{ProjectID: "proj", Topic: "cycles"}, nil, testOptions(srv.Addr)...)
	require.NoError(t, err)

	id, err := pub.Publish(spanCtx, "cycles", notice{CycleID: "c-1", Changed: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"cycle_id":"c-1","changed":3}`, string(msgs[0].Data))
	assert.Equal(t, "c-1", msgs[0].Attributes["cycle_id"])
	assert.Contains(t, msgs[0].Attributes["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestDialMissingTopic(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	_, err := Dial(ctx, Config{ProjectID: "proj", Topic: "absent"}, nil, testOptions(srv.Addr)...)
	require.Error(t, err)

	_, err = Dial(ctx, Config{}, nil)
	require.Error(t, err)
}

func TestPublishUnconfigured(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "payload")
	require.Error(t, err)
	require.NoError(t, (*Publisher)(nil).Close())
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("b", "2")
	c.Set("a", "1")
	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, "1", c.Get("a"))
}
