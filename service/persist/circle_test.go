package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircleEffectiveAt(t *testing.T) {
	a := assert.New(t)

	now := time.Now()
	expires := now.Add(time.Hour)

	active := Circle{Status: CircleStatusActive, StartAt: now.Add(-time.Hour), ExpiresAt: &expires}
	a.True(active.EffectiveAt(now))

	// The window is [start_at, expires_at).
	a.True(active.EffectiveAt(active.StartAt))
	a.False(active.EffectiveAt(expires))
	a.False(active.EffectiveAt(now.Add(-2 * time.Hour)))

	paused := active
	paused.Status = CircleStatusPaused
	a.False(paused.EffectiveAt(now))

	openEnded := Circle{Status: CircleStatusActive, StartAt: now.Add(-time.Hour)}
	a.True(openEnded.EffectiveAt(now.Add(24 * time.Hour)))
}
