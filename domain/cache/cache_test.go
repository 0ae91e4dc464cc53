package cache_test

import (
	"testing"

	"github.com/enginehub/cassettedeck/domain/cache"
)

func TestStats_HitRatio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stats cache.Stats
		want  float64
	}{
		{cache.Stats{}, 0},
		{cache.Stats{Hits: 3, Misses: 1}, 0.75},
		{cache.Stats{Misses: 4}, 0},
	}

	for _, tt := range tests {
		if got := tt.stats.HitRatio(); got != tt.want {
			t.Errorf("HitRatio(%+v) = %v, want %v", tt.stats, got, tt.want)
		}
	}
}
