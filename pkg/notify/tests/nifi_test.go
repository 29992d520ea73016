package tests

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgflo/pg_ingest/pkg/notify"
)

func TestNiFiClient_TriggerProcessor(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/nifi-api/processors/proc-1/run", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := notify.NewNiFiClient(notify.NiFiConfig{BaseURL: server.URL + "/nifi-api/", Enabled: true})
	err := client.TriggerProcessor(context.Background(), "proc-1", map[string]interface{}{"layer": "DWD"})
	require.NoError(t, err)

	assert.Equal(t, "proc-1", body["processorId"])
	assert.Equal(t, map[string]interface{}{"layer": "DWD"}, body["data"])
	assert.InDelta(t, float64(time.Now().UnixMilli()), body["timestamp"], float64(time.Minute.Milliseconds()))
}

func TestNiFiClient_TriggerFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("processor is stopped"))
	}))
	defer server.Close()

	client := notify.NewNiFiClient(notify.NiFiConfig{BaseURL: server.URL, Enabled: true})
	err := client.TriggerProcessor(context.Background(), "proc-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	assert.ErrorIs(t, client.TriggerProcessor(context.Background(), "  ", nil), notify.ErrEmptyProcessorID)
}

func TestNiFiClient_DisabledSkipsCall(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer server.Close()

	client := notify.NewNiFiClient(notify.NiFiConfig{BaseURL: server.URL, Enabled: false})
	require.NoError(t, client.TriggerProcessor(context.Background(), "proc-1", nil))
	assert.False(t, called)
}

func TestNiFiClient_ProcessorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/processors/running":
			_, _ = w.Write([]byte(`{"id":"running","status":{"runStatus":"Running"}}`))
		case "/processors/nostatus":
			_, _ = w.Write([]byte(`{"id":"nostatus"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	client := notify.NewNiFiClient(notify.NiFiConfig{BaseURL: server.URL, Enabled: true})
	ctx := context.Background()
	assert.Equal(t, "Running", client.ProcessorStatus(ctx, "running"))
	assert.Equal(t, notify.StatusUnknown, client.ProcessorStatus(ctx, "nostatus"))
	assert.Equal(t, notify.StatusError, client.ProcessorStatus(ctx, "missing"))
	assert.Equal(t, notify.StatusInvalidID, client.ProcessorStatus(ctx, ""))

	server.Close()
	assert.Equal(t, notify.StatusException, client.ProcessorStatus(ctx, "running"))
}
