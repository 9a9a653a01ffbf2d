package services

import (
	"testing"
	"time"

	"ridercomm/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func stats(id domain.ConnectionID, lost float64, jitter time.Duration) domain.LinkStats {
	return domain.LinkStats{RemoteID: id, FractionLost: lost, Jitter: jitter}
}

func TestQualityService_Grade(t *testing.T) {
	qs := NewQualityService()

	assert.Equal(t, QualityGood, qs.Grade(stats("r1", 0, 5*time.Millisecond)))
	assert.Equal(t, QualityGood, qs.Grade(stats("r1", 0.02, 30*time.Millisecond)))
	assert.Equal(t, QualityFair, qs.Grade(stats("r1", 0.05, 10*time.Millisecond)))
	assert.Equal(t, QualityFair, qs.Grade(stats("r1", 0, 60*time.Millisecond)))
	assert.Equal(t, QualityPoor, qs.Grade(stats("r1", 0.2, 10*time.Millisecond)))
	assert.Equal(t, QualityPoor, qs.Grade(stats("r1", 0, 200*time.Millisecond)))
}

func TestQualityService_FirstReport(t *testing.T) {
	qs := NewQualityService()

	grade, changed := qs.Observe(stats("r1", 0, time.Millisecond))
	assert.Equal(t, QualityGood, grade)
	assert.False(t, changed)

	grade, changed = qs.Observe(stats("r2", 0.3, time.Millisecond))
	assert.Equal(t, QualityPoor, grade)
	assert.True(t, changed)
}

func TestQualityService_Hysteresis(t *testing.T) {
	qs := NewQualityService()
	qs.Observe(stats("r1", 0, time.Millisecond))

	// just over the good bound is not enough to downgrade
	_, changed := qs.Observe(stats("r1", 0.022, time.Millisecond))
	assert.False(t, changed)

	grade, changed := qs.Observe(stats("r1", 0.15, time.Millisecond))
	assert.True(t, changed)
	assert.Equal(t, QualityPoor, grade)

	// back under the fair bound but not comfortably
	_, changed = qs.Observe(stats("r1", 0.075, time.Millisecond))
	assert.False(t, changed)

	grade, changed = qs.Observe(stats("r1", 0.01, time.Millisecond))
	assert.True(t, changed)
	assert.Equal(t, QualityGood, grade)

	current, ok := qs.Current("r1")
	assert.True(t, ok)
	assert.Equal(t, QualityGood, current)
}

func TestQualityService_Forget(t *testing.T) {
	qs := NewQualityService()
	qs.Observe(stats("r1", 0.3, time.Millisecond))

	qs.Forget("r1")
	_, ok := qs.Current("r1")
	assert.False(t, ok)
}

func TestQualityService_ThresholdsIsACopy(t *testing.T) {
	qs := NewQualityService()
	th := qs.Thresholds()
	th[QualityGood] = QualityThreshold{FractionLost: 1}

	assert.Equal(t, 0.02, qs.Thresholds()[QualityGood].FractionLost)
}
