package prrequester

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/specpatch/bus"
	"github.com/c360studio/specpatch/jobs"
	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

type recordingSCM struct {
	calls atomic.Int32
	last  PullRequest
	err   error
}

func (r *recordingSCM) OpenPullRequest(_ context.Context, pr PullRequest) (*PullRequestRef, error) {
	r.calls.Add(1)
	r.last = pr
	if r.err != nil {
		return nil, r.err
	}
	return &PullRequestRef{ID: "42", URL: "https://scm.example/pr/42"}, nil
}

func newEvent(t *testing.T, store *storage.MemoryStore) bus.PRRequestedEvent {
	t.Helper()
	entry := &spec.ImpactLogEntry{
		RegulationRef:  "GDPR/Article 32",
		RegulationHash: "abc",
		WorkspaceID:    "ws-1",
		LineageID:      "lineage-0123456789",
		SpecVersionID:  "v-parent",
		Status:         spec.ImpactPatched,
		DiffCount:      1,
	}
	require.NoError(t, store.UpsertImpactLog(context.Background(), entry))

	return bus.PRRequestedEvent{
		ImpactLogID:       entry.ID,
		WorkspaceID:       "ws-1",
		LineageID:         entry.LineageID,
		PreviousVersionID: "v-parent",
		NewVersionID:      "v-child",
		VersionLabel:      "v1.1.0",
		Title:             "Apply GDPR/Article 32",
		RegulationRef:     entry.RegulationRef,
		AffectedModules:   []spec.ModuleKey{"security.encryption", "data_retention"},
		Diffs: []spec.ClauseDiff{{
			Module:     "security.encryption",
			ClausePath: "security.encryption.at_rest",
			FieldLabel: "Encryption at rest",
			Before:     json.RawMessage(`"optional"`),
			After:      json.RawMessage(`"AES-256"`),
			Reason:     "Article 32 requires encryption of personal data",
			Severity:   spec.SeverityHigh,
		}},
	}
}

func encodeJob(t *testing.T, ev bus.PRRequestedEvent) jobs.Job {
	t.Helper()
	id := bus.PRJobID(ev.NewVersionID)
	data, err := bus.PRJobs.Encode(id, ev)
	require.NoError(t, err)
	return jobs.Job{ID: id, Subject: bus.SubjectPRJobs, Attempt: 1, Data: data}
}

func TestHandle_OpensPullRequestAndRecordsStatus(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	scm := &recordingSCM{}
	ev := newEvent(t, store)

	c := New(store, scm, nil)
	res, err := c.Handle(ctx, encodeJob(t, ev))
	require.NoError(t, err)

	assert.Equal(t, "https://scm.example/pr/42", res.Detail["pr_url"])
	assert.Equal(t, "42", res.Detail["pr_id"])
	assert.Equal(t, "specpatch/lineage-/v1.1.0", scm.last.Branch)
	assert.Contains(t, scm.last.Body, "Encryption at rest")
	assert.Contains(t, scm.last.Body, "```diff")
	assert.Contains(t, scm.last.Body, "| Modules | security.encryption, data_retention |")
	assert.Equal(t, ev.AffectedModules, scm.last.AffectedModules)

	entries, err := store.ListImpactLog(ctx, ev.RegulationRef)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, spec.ImpactPRCreated, entries[0].Status)
}

func TestHandle_SkipsWhenAlreadyCreated(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	scm := &recordingSCM{}
	ev := newEvent(t, store)
	require.NoError(t, store.SetImpactStatus(ctx, ev.ImpactLogID, spec.ImpactPRCreated, ""))

	res, err := New(store, scm, nil).Handle(ctx, encodeJob(t, ev))
	require.NoError(t, err)
	assert.Equal(t, "true", res.Detail["skipped"])
	assert.Zero(t, scm.calls.Load())
}

func TestHandle_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed payload is permanent", func(t *testing.T) {
		_, err := New(storage.NewMemoryStore(), &recordingSCM{}, nil).Handle(ctx, jobs.Job{ID: "x", Data: []byte("{")})
		require.Error(t, err)
		assert.True(t, jobs.IsPermanent(err))
	})

	t.Run("unknown impact entry is permanent", func(t *testing.T) {
		store := storage.NewMemoryStore()
		ev := newEvent(t, store)
		ev.ImpactLogID = "missing"
		_, err := New(store, &recordingSCM{}, nil).Handle(ctx, encodeJob(t, ev))
		require.Error(t, err)
		assert.True(t, jobs.IsPermanent(err))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("source control failure is retried", func(t *testing.T) {
		store := storage.NewMemoryStore()
		ev := newEvent(t, store)
		scm := &recordingSCM{err: errors.New("connection reset")}
		_, err := New(store, scm, nil).Handle(ctx, encodeJob(t, ev))
		require.Error(t, err)
		assert.False(t, jobs.IsPermanent(err))

		entries, err := store.ListImpactLog(ctx, ev.RegulationRef)
		require.NoError(t, err)
		assert.Equal(t, spec.ImpactPatched, entries[0].Status)
	})
}

func TestWebhookClient(t *testing.T) {
	ctx := context.Background()
	var gotKey, gotAuth string
	var gotPR PullRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPR)
		_, _ = w.Write([]byte(`{"id":"7","url":"https://scm.example/pr/7"}`))
	}))
	defer srv.Close()

	client := NewWebhookClient(srv.URL, "secret", time.Second, nil)
	ref, err := client.OpenPullRequest(ctx, PullRequest{Title: "t", NewVersionID: "v-child"})
	require.NoError(t, err)
	assert.Equal(t, "7", ref.ID)
	assert.Equal(t, "v-child", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "t", gotPR.Title)
}

func TestWebhookClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusBadGateway, false},
		{"bad request", http.StatusBadRequest, true},
		{"unauthorized", http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewWebhookClient(srv.URL, "", time.Second, nil).OpenPullRequest(context.Background(), PullRequest{})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, jobs.IsPermanent(err))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "pr-requester", cfg.WorkerConfig().Name)

	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())
}
