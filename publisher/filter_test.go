package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilter(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		hosts []string
		role  string
		host  string
		want  bool
	}{
		{"empty matches all", nil, nil, "api", "web-1", true},
		{"exact role", []string{"api"}, nil, "api", "web-1", true},
		{"role miss", []string{"api"}, nil, "worker", "web-1", false},
		{"role wildcard", []string{"api-*"}, nil, "api-edge", "x", true},
		{"any of roles", []string{"db", "cache"}, nil, "cache", "x", true},
		{"host only", nil, []string{"prod-*"}, "anything", "prod-eu-3", true},
		{"host miss", nil, []string{"prod-*"}, "anything", "staging-1", false},
		{"both must match", []string{"api"}, []string{"prod-*"}, "api", "staging-1", false},
		{"both match", []string{"api"}, []string{"prod-*"}, "api", "prod-1", true},
		{"question mark", nil, []string{"node-?"}, "", "node-7", true},
		{"question mark too long", nil, []string{"node-?"}, "", "node-17", false},
		{"character range", []string{"shard[0-3]"}, nil, "shard2", "", true},
		{"case sensitive", []string{"API"}, nil, "api", "", false},
		{"empty role with pattern", []string{"api"}, nil, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewGlobFilter(tt.roles, tt.hosts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.role, tt.host))
		})
	}
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[unclosed"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role")

	_, err = NewGlobFilter(nil, []string{"[unclosed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host")
}

func BenchmarkGlobFilterMatch(b *testing.B) {
	f, _ := NewGlobFilter([]string{"api-*", "worker"}, []string{"prod-*"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Match("worker", "prod-eu-1")
	}
}
