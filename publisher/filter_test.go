package publisher

import (
	"testing"

	"github.com/openqs/vms/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeFilter(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		pass     []string
		block    []string
	}{
		{
			name: "empty passes all",
			pass: []string{db.EventCommandTerminal, db.EventSystemMessage, ""},
		},
		{
			name:     "prefix and exact",
			patterns: []string{"command_*", db.EventSessionCreated},
			pass:     []string{db.EventCommandTerminal, db.EventSessionCreated},
			block:    []string{db.EventSystemMessage, "session"},
		},
		{
			name:     "alternation",
			patterns: []string{"{system,session}_*"},
			pass:     []string{db.EventSystemMessage, db.EventSessionCreated},
			block:    []string{db.EventCommandTerminal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := CompileTypeFilter(tt.patterns)
			require.NoError(t, err)
			assert.Len(t, f, len(tt.patterns))
			for _, typ := range tt.pass {
				assert.True(t, f.Match(typ), typ)
			}
			for _, typ := range tt.block {
				assert.False(t, f.Match(typ), typ)
			}
		})
	}
}

func TestTypeFilterInvalidPattern(t *testing.T) {
	_, err := CompileTypeFilter([]string{"command_*", "[invalid"})
	assert.ErrorContains(t, err, `invalid event type pattern "[invalid"`)
}
