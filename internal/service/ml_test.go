package service

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
)

func TestBatchEmbedAndCaption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, batchEmbedPath, r.URL.Path)
		var req batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		resp := batchResponse{}
		for i := len(req.Images) - 1; i >= 0; i-- {
			img := req.Images[i]
			if img.Filename == "bad.jpg" {
				resp.Results = append(resp.Results, MLResult{UniqueID: img.UniqueID, Error: "cannot decode"})
				continue
			}
			resp.Results = append(resp.Results, MLResult{UniqueID: img.UniqueID, Embedding: []float32{1, 0}, Caption: "caption " + img.Filename})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	svc := NewMLService(&MLConfig{BaseURL: srv.URL + "/", Timeout: 5 * time.Second})
	results, err := svc.BatchEmbedAndCaption(context.Background(), []MLImage{
		{UniqueID: "a", ImageBase64: "AA==", Filename: "a.jpg"},
		{UniqueID: "b", ImageBase64: "AA==", Filename: "bad.jpg"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]MLResult{}
	for _, r := range results {
		byID[r.UniqueID] = r
	}
	assert.Equal(t, "caption a.jpg", byID["a"].Caption)
	assert.Equal(t, []float32{1, 0}, byID["a"].Embedding)
	assert.Equal(t, "cannot decode", byID["b"].Error)
}

func TestBatchEmbedAndCaptionRequestFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"detail":"CUDA out of memory"}`))
	}))
	defer srv.Close()

	svc := NewMLService(&MLConfig{BaseURL: srv.URL, Retries: 3})
	_, err := svc.BatchEmbedAndCaption(context.Background(), []MLImage{{UniqueID: "a"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMLRequest))
	assert.Contains(t, err.Error(), "CUDA out of memory")
	// Batch calls are never retried.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBatchEmbedAndCaptionEmpty(t *testing.T) {
	svc := NewMLService(&MLConfig{BaseURL: "http://127.0.0.1:1"})
	results, err := svc.BatchEmbedAndCaption(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCapabilitiesRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"safe_batch_sizes":{"clip":32,"blip":12},"device":"cuda"}`))
	}))
	defer srv.Close()

	svc := NewMLService(&MLConfig{BaseURL: srv.URL, Retries: 3})
	caps, err := svc.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, caps.SafeBatchSize())
	assert.Equal(t, "cuda", caps.Device)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSafeBatchSize(t *testing.T) {
	tests := []struct {
		name  string
		sizes map[string]int
		want  int
	}{
		{"empty", nil, 0},
		{"single", map[string]int{"clip": 8}, 8},
		{"smallest wins", map[string]int{"clip": 64, "blip": 6}, 6},
		{"ignores non-positive", map[string]int{"clip": 0, "blip": 4}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Capabilities{SafeBatchSizes: tt.sizes}
			assert.Equal(t, tt.want, c.SafeBatchSize())
		})
	}
}
