package stream_test

import (
	"testing"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/application/stream"
	"github.com/stretchr/testify/assert"
)

func TestBackoff_Sequence(t *testing.T) {
	b := stream.DefaultBackoff()

	var got []time.Duration
	for attempt := 1; attempt <= 9; attempt++ {
		got = append(got, b.Next(attempt))
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestBackoff_Bounds(t *testing.T) {
	tests := []struct {
		name    string
		b       stream.Backoff
		attempt int
		want    time.Duration
	}{
		{"zero attempt treated as first", stream.DefaultBackoff(), 0, time.Second},
		{"huge attempt capped", stream.DefaultBackoff(), 1000, 60 * time.Second},
		{"zero config uses one second", stream.Backoff{}, 1, time.Second},
		{"max below initial", stream.Backoff{Initial: 5 * time.Second, Max: time.Second}, 3, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.b.Next(tt.attempt))
		})
	}
}
