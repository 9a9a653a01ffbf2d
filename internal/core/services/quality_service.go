package services

import (
	"sync"
	"time"

	"ridercomm/internal/core/domain"
)

type LinkQuality string

const (
	QualityGood LinkQuality = "good"
	QualityFair LinkQuality = "fair"
	QualityPoor LinkQuality = "poor"
)

// qualityRank orders grades from best to worst.
var qualityRank = map[LinkQuality]int{QualityGood: 0, QualityFair: 1, QualityPoor: 2}

type QualityThreshold struct {
	FractionLost float64
	Jitter       time.Duration
}

// QualityService grades peer links from the receiver reports the remote
// side sends about our audio and remembers the last grade per peer.
type QualityService struct {
	thresholds map[LinkQuality]QualityThreshold

	mu     sync.Mutex
	grades map[domain.ConnectionID]LinkQuality
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: map[LinkQuality]QualityThreshold{
			QualityGood: {FractionLost: 0.02, Jitter: 30 * time.Millisecond},
			QualityFair: {FractionLost: 0.08, Jitter: 80 * time.Millisecond},
		},
		grades: make(map[domain.ConnectionID]LinkQuality),
	}
}

// Thresholds returns the upper bounds a link must stay under for each grade.
func (qs *QualityService) Thresholds() map[LinkQuality]QualityThreshold {
	out := make(map[LinkQuality]QualityThreshold, len(qs.thresholds))
	for k, v := range qs.thresholds {
		out[k] = v
	}
	return out
}

func (qs *QualityService) Grade(stats domain.LinkStats) LinkQuality {
	if qs.meets(stats, qs.thresholds[QualityGood], 1) {
		return QualityGood
	}
	if qs.meets(stats, qs.thresholds[QualityFair], 1) {
		return QualityFair
	}
	return QualityPoor
}

func (qs *QualityService) meets(stats domain.LinkStats, threshold QualityThreshold, factor float64) bool {
	return stats.FractionLost <= threshold.FractionLost*factor &&
		float64(stats.Jitter) <= float64(threshold.Jitter)*factor
}

// ShouldDowngrade reports whether stats are clearly worse than current
// allows. Reports just over the boundary do not count.
func (qs *QualityService) ShouldDowngrade(current LinkQuality, stats domain.LinkStats) bool {
	threshold, ok := qs.thresholds[current]
	if !ok {
		return false
	}
	return stats.FractionLost > threshold.FractionLost*1.25 ||
		float64(stats.Jitter) > float64(threshold.Jitter)*1.25
}

// ShouldUpgrade reports whether stats comfortably meet the next better grade.
func (qs *QualityService) ShouldUpgrade(current LinkQuality, stats domain.LinkStats) bool {
	var next LinkQuality
	switch current {
	case QualityPoor:
		next = QualityFair
	case QualityFair:
		next = QualityGood
	default:
		return false
	}
	return qs.meets(stats, qs.thresholds[next], 0.8)
}

// Observe records stats for their peer and returns the new grade when it
// changed. The first report for a peer only reports a change when the link
// is not good.
func (qs *QualityService) Observe(stats domain.LinkStats) (LinkQuality, bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	current, seen := qs.grades[stats.RemoteID]
	if !seen {
		grade := qs.Grade(stats)
		qs.grades[stats.RemoteID] = grade
		return grade, grade != QualityGood
	}

	grade := qs.Grade(stats)
	switch {
	case qualityRank[grade] > qualityRank[current] && qs.ShouldDowngrade(current, stats):
	case qualityRank[grade] < qualityRank[current] && qs.ShouldUpgrade(current, stats):
	default:
		return current, false
	}
	qs.grades[stats.RemoteID] = grade
	return grade, true
}

// Forget drops the remembered grade for a peer that left.
func (qs *QualityService) Forget(id domain.ConnectionID) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	delete(qs.grades, id)
}

func (qs *QualityService) Current(id domain.ConnectionID) (LinkQuality, bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	g, ok := qs.grades[id]
	return g, ok
}
