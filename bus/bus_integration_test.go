//go:build integration

package bus_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/spec"
)

// connect dials SPECPATCH_TEST_NATS_URL and provisions the pipeline streams.
func connect(t *testing.T) *bus.Conn {
	t.Helper()
	url := os.Getenv("SPECPATCH_TEST_NATS_URL")
	if url == "" {
		t.Skip("SPECPATCH_TEST_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := bus.Connect(ctx, url, bus.WithName("specpatch-it"))
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	require.NoError(t, bus.EnsureStreams(ctx, conn.JetStream(), bus.Streams))
	return conn
}

func TestIntegration_RegulationRedeliveryIsDeduplicated(t *testing.T) {
	conn := connect(t)
	ctx := context.Background()
	js := conn.JetStream()

	stream, err := js.Stream(ctx, bus.StreamRegulations)
	require.NoError(t, err)
	require.NoError(t, stream.Purge(ctx))

	reg := spec.Regulation{
		Framework:    "GDPR",
		Article:      "Article 32",
		Content:      "Encrypt personal data at rest with AES-256.",
		Jurisdiction: "EU",
		Severity:     "high",
	}
	id := bus.RegulationEventID(reg.Ref(), reg.Fingerprint()+time.Now().Format(time.RFC3339Nano))
	ev := bus.RegulationEvent{Regulation: reg, PublishedAt: time.Now().UTC()}

	require.NoError(t, bus.RegulationPublished.Publish(ctx, conn, id, ev))
	require.NoError(t, bus.RegulationPublished.Publish(ctx, conn, id, ev))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	msg, err := stream.GetLastMsgForSubject(ctx, bus.SubjectRegulationPublished)
	require.NoError(t, err)
	env, err := bus.RegulationPublished.Decode(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "GDPR Article 32", env.Payload.Regulation.Ref())
}

func TestIntegration_StreamsAreWorkQueues(t *testing.T) {
	conn := connect(t)
	ctx := context.Background()

	for _, name := range []string{bus.StreamPatchJobs, bus.StreamPRJobs} {
		stream, err := conn.JetStream().Stream(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, jetstream.WorkQueuePolicy, stream.CachedInfo().Config.Retention, name)
		assert.Equal(t, bus.DefaultDuplicateWindow, stream.CachedInfo().Config.Duplicates, name)
	}
}

func TestIntegration_KVBucketIsReused(t *testing.T) {
	conn := connect(t)
	ctx := context.Background()

	first, err := bus.GetOrCreateKV(ctx, conn.JetStream(), "SPECPATCH_IT")
	require.NoError(t, err)
	_, err = first.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)

	second, err := bus.GetOrCreateKV(ctx, conn.JetStream(), "SPECPATCH_IT")
	require.NoError(t, err)
	entry, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(entry.Value()))
}
