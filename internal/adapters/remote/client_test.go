package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/tracing"
)

func testRecord() ports.RemoteRecord {
	return ports.RemoteRecord{
		DedupToken:  "entry-1",
		OwnerID:     "u1",
		MetricType:  "step_count",
		BucketStart: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Value:       450,
		Unit:        "count",
		UpdatedAt:   time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestClient_Create(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/owners/u1/metrics", r.URL.Path)
		assert.Equal(t, "entry-1", r.Header.Get(IdempotencyHeader))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var got ports.RemoteRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "step_count", got.MetricType)
		assert.InDelta(t, 450, got.Value, 0.001)

		writeJSON(w, http.StatusCreated, map[string]string{"id": "rec-42"})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIToken("secret"))
	id, err := client.Create(context.Background(), testRecord())
	require.NoError(t, err)
	assert.Equal(t, "rec-42", id)
}

func TestClient_CreateConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"id": "rec-7", "error": "duplicate dedup token"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Create(context.Background(), testRecord())
	require.Error(t, err)
	assert.True(t, domainErrors.IsConflict(err))
	assert.Equal(t, "rec-7", domainErrors.ContextString(err, "remote_id"))
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   domainErrors.ErrorCode
	}{
		{http.StatusBadRequest, domainErrors.CodeRemotePermanent},
		{http.StatusUnauthorized, domainErrors.CodeRemotePermanent},
		{http.StatusNotFound, domainErrors.CodeRemotePermanent},
		{http.StatusRequestTimeout, domainErrors.CodeRemoteTransient},
		{http.StatusTooManyRequests, domainErrors.CodeRemoteTransient},
		{http.StatusInternalServerError, domainErrors.CodeRemoteTransient},
		{http.StatusServiceUnavailable, domainErrors.CodeRemoteTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"error": "nope"})
			}))
			defer server.Close()

			_, err := NewClient(server.URL).Create(context.Background(), testRecord())
			require.Error(t, err)
			assert.Equal(t, tt.want, domainErrors.CodeOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestClient_CreateMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{})
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Create(context.Background(), testRecord())
	assert.True(t, domainErrors.IsTransient(err))
}

func TestClient_Update(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/owners/u1/metrics/rec-42", r.URL.Path)
		assert.Equal(t, "entry-1", r.Header.Get(IdempotencyHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := NewClient(server.URL).Update(context.Background(), "rec-42", testRecord())
	assert.NoError(t, err)
}

func TestClient_UpdateConflictKeepsID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	err := NewClient(server.URL).Update(context.Background(), "rec-42", testRecord())
	assert.True(t, domainErrors.IsConflict(err))
	assert.Equal(t, "rec-42", domainErrors.ContextString(err, "remote_id"))
}

func TestClient_TransportErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := NewClient(url).Create(context.Background(), testRecord())
		assert.True(t, domainErrors.IsTransient(err))
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		_, err := NewClient(server.URL, WithTimeout(50*time.Millisecond)).Create(context.Background(), testRecord())
		assert.True(t, domainErrors.IsTransient(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewClient(server.URL).Create(ctx, testRecord())
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestClient_PropagatesTraceContext(t *testing.T) {
	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		writeJSON(w, http.StatusCreated, map[string]string{"id": "rec-1"})
	}))
	defer server.Close()

	tracer, err := tracing.New(context.Background(), tracing.Config{
		Enabled:      true,
		ExporterType: tracing.ExporterStdout,
		ServiceName:  "remote-test",
		SampleRate:   1.0,
		Output:       io.Discard,
	})
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartDeliverySpan(context.Background(), "evt-1", "entry-1", 1)
	_, err = NewClient(server.URL).Create(ctx, testRecord())
	span.End()
	require.NoError(t, err)

	// version-traceid-spanid-flags
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`, traceparent)
}
