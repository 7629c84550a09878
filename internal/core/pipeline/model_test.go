package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{"Queued から Running", StatusQueued, StatusRunning, true},
		{"Queued から Cancelled", StatusQueued, StatusCancelled, true},
		{"Queued から Succeeded は不可", StatusQueued, StatusSucceeded, false},
		{"Running から Succeeded", StatusRunning, StatusSucceeded, true},
		{"Running から Failed", StatusRunning, StatusFailed, true},
		{"Running から TimedOut", StatusRunning, StatusTimedOut, true},
		{"Running から Cancelled", StatusRunning, StatusCancelled, true},
		{"Running から Queued は不可", StatusRunning, StatusQueued, false},
		{"Succeeded からは遷移不可", StatusSucceeded, StatusFailed, false},
		{"TimedOut からは遷移不可", StatusTimedOut, StatusRunning, false},
		{"Cancelled からは遷移不可", StatusCancelled, StatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestNewJobID(t *testing.T) {
	seen := make(map[JobID]struct{})
	var prev JobID
	for i := 0; i < 100; i++ {
		id := NewJobID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}

		// UUIDv7 は生成順に並ぶ（同一ミリ秒内もカウンタで単調増加）
		if prev != "" {
			assert.Greater(t, id.String(), prev.String())
		}
		prev = id
	}
}

func TestJobConfig_Normalize(t *testing.T) {
	cfg := JobConfig{MaxRetries: 1}.normalize()
	assert.Equal(t, DefaultJobTimeout, cfg.Timeout)
	assert.Equal(t, uint(1), cfg.MaxRetries)

	cfg = JobConfig{Timeout: time.Second}.normalize()
	assert.Equal(t, time.Second, cfg.Timeout)
}

func TestJobStatusDetail_JSON(t *testing.T) {
	detail := JobStatusDetail{
		JobID:       "job-1",
		Status:      StatusRunning,
		Progress:    42.5,
		CurrentStep: mo.Some("generate documentation"),
		RetryCount:  1,
	}

	data, err := json.Marshal(detail)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "running", decoded["status"])
	assert.Equal(t, "generate documentation", decoded["currentStep"])
	assert.Nil(t, decoded["lastError"])
	assert.Nil(t, decoded["estimatedCompletion"])
}

func TestJobStatusDetail_String(t *testing.T) {
	detail := JobStatusDetail{
		JobID:      "job-1",
		Status:     StatusFailed,
		Progress:   30,
		RetryCount: 2,
		LastError:  mo.Some("boom"),
	}

	s := detail.String()
	assert.Contains(t, s, "job-1")
	assert.Contains(t, s, "failed")
	assert.Contains(t, s, "retries=2")
	assert.Contains(t, s, "error=boom")
}
