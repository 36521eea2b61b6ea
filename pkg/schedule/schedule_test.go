package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schedule"
)

func TestEvery(t *testing.T) {
	s := schedule.Every(15 * time.Minute)
	from := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(15*time.Minute), s.Next(from))
}

func TestDaily(t *testing.T) {
	s := schedule.Daily(9, 30)

	before := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC), s.Next(before))

	after := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 1, 9, 30, 0, 0, time.UTC), s.Next(after))

	exactly := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 1, 9, 30, 0, 0, time.UTC), s.Next(exactly), "never fires twice in the same instant")
}

func TestWeekly(t *testing.T) {
	// 2026-08-31 is a Monday.
	s := schedule.Weekly(time.Wednesday, 14, 0)
	from := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 2, 14, 0, 0, 0, time.UTC), s.Next(from))

	// Already past this week's slot: next week.
	late := time.Date(2026, 9, 2, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 9, 14, 0, 0, 0, time.UTC), s.Next(late))
}

func TestCron(t *testing.T) {
	// Every Monday at 09:00.
	s, err := schedule.Cron("0 9 * * 1")
	require.NoError(t, err)

	from := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) // Friday
	assert.Equal(t, time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), s.Next(from))
}

func TestCron_Invalid(t *testing.T) {
	for _, expr := range []string{"", "every tuesday", "* * * *", "61 * * * *"} {
		_, err := schedule.Cron(expr)
		assert.Error(t, err, expr)
	}
}
