package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})

	ctx := l.WithContext(context.Background())
	ctx = SetJobID(ctx, "job-1")
	ctx = SetStage(ctx, "ml", 2)

	CtxInfo(ctx, "batch done: %d items", 3)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "batch done: 3 items", line["message"])
	assert.Equal(t, "job-1", line[FieldJobID])
	assert.Equal(t, "ml", line[FieldStage])
	assert.Equal(t, float64(2), line[FieldWorker])
	assert.Equal(t, "test", line["service"])
	assert.Equal(t, "job-1", GetFieldString(ctx, FieldJobID))
}

func TestEntryMergesMetricFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf, ServiceName: "test"})
	ctx := l.WithContext(context.Background())

	With(Fields{FieldCount: 4}).WithDuration(15).Info(ctx, "flushed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, float64(4), line[FieldCount])
	assert.Equal(t, float64(15), line[FieldDurationMs])
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, GetDefault(), FromContext(context.Background()))
}
