package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stepflow-io/stepflow/pkg/core"
)

func TestParsePriority(t *testing.T) {
	assert.Equal(t, core.PriorityLow, core.ParsePriority("low"))
	assert.Equal(t, core.PriorityNormal, core.ParsePriority("normal"))
	assert.Equal(t, core.PriorityHigh, core.ParsePriority("high"))
	assert.Equal(t, core.PriorityCritical, core.ParsePriority("critical"))
	assert.Equal(t, core.PriorityNormal, core.ParsePriority(""))
	assert.Equal(t, core.PriorityNormal, core.ParsePriority("whenever"))
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, core.StatusPending.Terminal())
	assert.False(t, core.StatusProcessing.Terminal())
	assert.True(t, core.StatusCompleted.Terminal())
	assert.True(t, core.StatusFailed.Terminal())
	assert.True(t, core.StatusCancelled.Terminal())
}
