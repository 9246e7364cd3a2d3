// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSLogger(t *testing.T) {
	logger := DefaultSLogger()
	assert.NotNil(t, logger)

	// must not panic
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
}

func TestNewSpanID(t *testing.T) {
	parsed, err := uuid.Parse(NewSpanID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	seen := make(map[string]struct{})
	for range 100 {
		spanID := NewSpanID()
		_, duplicate := seen[spanID]
		require.False(t, duplicate, "duplicate span ID generated: %s", spanID)
		seen[spanID] = struct{}{}
	}
}
