package listhost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amaumene/sermonsync/internal/config"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/amaumene/sermonsync/internal/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&config.Config{
		ListHostURL:    server.URL,
		ListHostAPIKey: "test-key",
	}, utils.NewTestLogger())
	require.NoError(t, err)
	client.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return client
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(&config.Config{ListHostAPIKey: "k"}, utils.NewTestLogger())
	assert.Error(t, err)
	_, err = NewClient(&config.Config{ListHostURL: "http://x"}, utils.NewTestLogger())
	assert.Error(t, err)
}

func TestGetCount(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/lists/abc", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		writeJSON(w, RemoteList{ID: "abc", Title: "Romans", Count: 42})
	}))

	count, err := client.GetCount(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestGetRowsSendsPagingAndSort(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/lists/abc/rows", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("page_size"))
		assert.Equal(t, "created_at", r.URL.Query().Get("sort"))
		writeJSON(w, rowsResponse{Total: 10, Rows: []Row{
			{ID: "r1", PayloadType: models.PayloadSermon, PayloadID: "s1", Position: 10, CreatedAt: created},
			{ID: "r2", PayloadType: models.PayloadList, PayloadID: "l9", Position: 9, CreatedAt: created},
		}})
	}))

	rows, err := client.GetRows(context.Background(), "abc", 3, SortByCreatedAt)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.PayloadList, rows[1].PayloadType)
}

func TestGetRowsRejectsUnknownPayload(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rowsResponse{Rows: []Row{{ID: "r1", PayloadType: "podcast", PayloadID: "x"}}})
	}))

	_, err := client.GetRows(context.Background(), "abc", 10, SortByPosition)
	assert.ErrorIs(t, err, models.ErrCorrupt)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, models.ErrNotFound},
		{http.StatusConflict, models.ErrConflict},
		{http.StatusServiceUnavailable, models.ErrRemoteUnavailable},
		{http.StatusTooManyRequests, models.ErrRemoteUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			err := client.DeleteRow(context.Background(), "r1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIdempotentCallsRetryTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.DeleteRow(context.Background(), "r1"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestInsertRowIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusBadGateway)
	}))

	_, err := client.InsertRow(context.Background(), "abc", Row{PayloadType: models.PayloadSermon, PayloadID: "s1"}, 1)
	assert.ErrorIs(t, err, models.ErrRemoteUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInsertRow(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body insertRowRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 1, body.Position)
		assert.Equal(t, "s1", body.Row.PayloadID)
		writeJSON(w, idResponse{ID: "row-1"})
	}))

	id, err := client.InsertRow(context.Background(), "abc", Row{PayloadType: models.PayloadSermon, PayloadID: "s1"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "row-1", id)
}

func TestPatchRows(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var body patchRowsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2, body.Count)
		for i := range body.Rows {
			if body.Rows[i].ID == "" {
				body.Rows[i].ID = "new"
			}
		}
		writeJSON(w, rowsResponse{Rows: body.Rows, Total: len(body.Rows)})
	}))

	rows, err := client.PatchRows(context.Background(), "abc", []Row{
		{PayloadType: models.PayloadSermon, PayloadID: "s2", Position: 1},
		{ID: "r1", PayloadType: models.PayloadSermon, PayloadID: "s1", Position: 2},
	}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "new", rows[0].ID)
}

func TestCachedListServesFromCache(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, RemoteList{ID: "abc", Count: 5})
	}))

	for i := 0; i < 3; i++ {
		list, err := client.CachedList(context.Background(), "abc")
		require.NoError(t, err)
		assert.Equal(t, 5, list.Count)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateList(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/lists", r.URL.Path)
		var body createListRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "More Romans", body.Title)
		writeJSON(w, idResponse{ID: "remote-2"})
	}))

	id, err := client.CreateList(context.Background(), "More Romans", models.Images{})
	require.NoError(t, err)
	assert.Equal(t, "remote-2", id)
}

func TestRequestLogsCarryTraceID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, RemoteList{ID: "abc", Count: 1})
	}))
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	client.logger = logger

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	client.tracer = tp.Tracer("test")

	ctx, parent := client.tracer.Start(context.Background(), "push")
	_, err := client.GetCount(ctx, "abc")
	parent.End()
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, parent.SpanContext().TraceID().String(), entry.Data["trace_id"])
	assert.Equal(t, "get_list", entry.Data["op"])
}
