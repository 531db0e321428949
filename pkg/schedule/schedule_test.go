package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvery(t *testing.T) {
	s := Every(15 * time.Minute)
	from := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(15*time.Minute), s.Next(from))
}

func TestDaily(t *testing.T) {
	s := Daily(3, 0)

	// Before today's slot: runs today.
	from := time.Date(2026, 8, 31, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC), s.Next(from))

	// After today's slot: runs tomorrow.
	from = time.Date(2026, 8, 31, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), s.Next(from))

	// Exactly at the slot: runs tomorrow, not immediately again.
	from = time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), s.Next(from))
}

func TestDaily_NormalizesZone(t *testing.T) {
	s := Daily(3, 0)
	est := time.FixedZone("EST", -5*60*60)

	// 23:00 EST on Aug 30 is 04:00 UTC on Aug 31, past the slot.
	from := time.Date(2026, 8, 30, 23, 0, 0, 0, est)
	assert.Equal(t, time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), s.Next(from))
}

func TestCron(t *testing.T) {
	s := Cron("0 3 * * *")
	from := time.Date(2026, 8, 31, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC), s.Next(from))

	every5 := Cron("*/5 * * * *")
	from = time.Date(2026, 8, 31, 10, 2, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 10, 5, 0, 0, time.UTC), every5.Next(from))
}

func TestCron_PanicsOnInvalidExpression(t *testing.T) {
	assert.Panics(t, func() { Cron("not a cron line") })
}
