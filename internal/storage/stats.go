package storage

import (
	"math"
	"time"

	"buildrelay/internal/storage/models"
)

// TrendDays is how many calendar days the build trends cover, today included
const TrendDays = 7

const trendDateLayout = "2006-01-02"

// ComputeStats aggregates build records into dashboard statistics.
// "Today" is the calendar day of now in now's location. Trends hold one point
// per day for the last TrendDays days, oldest first.
func ComputeStats(records []models.BuildRecord, now time.Time) models.BuildStats {
	stats := models.BuildStats{
		TotalBuilds:        len(records),
		FailuresByCategory: map[string]int{},
	}
	stats.BuildsTrend, stats.SuccessTrend = trends(records, now)
	if len(records) == 0 {
		return stats
	}

	var totalDuration int64
	var timed int
	y, m, d := now.Date()

	for _, rec := range records {
		switch rec.Status {
		case models.StatusSuccess:
			stats.SuccessfulBuilds++
		case models.StatusFailure:
			stats.FailedBuilds++
		}

		if rec.Status.Failed() {
			category := rec.FailureCategory
			if category == "" {
				category = "unknown"
			}
			stats.FailuresByCategory[category]++
		}

		if rec.DurationMillis > 0 {
			totalDuration += rec.DurationMillis
			timed++
		}

		ry, rm, rd := rec.CompletedAt.In(now.Location()).Date()
		if ry == y && rm == m && rd == d {
			stats.BuildsToday++
		}
	}

	stats.SuccessRate = percentage(stats.SuccessfulBuilds, stats.TotalBuilds)
	stats.FailureRate = percentage(stats.FailedBuilds, stats.TotalBuilds)
	if timed > 0 {
		stats.AverageDurationMs = totalDuration / int64(timed)
	}

	return stats
}

func trends(records []models.BuildRecord, now time.Time) ([]models.TrendPoint, []models.TrendPoint) {
	loc := now.Location()
	y, m, d := now.Date()

	index := make(map[string]int, TrendDays)
	builds := make([]models.TrendPoint, TrendDays)
	success := make([]models.TrendPoint, TrendDays)
	for i := range TrendDays {
		date := time.Date(y, m, d-(TrendDays-1-i), 0, 0, 0, 0, loc).Format(trendDateLayout)
		index[date] = i
		builds[i].Date = date
		success[i].Date = date
	}

	succeeded := make([]int, TrendDays)
	for _, rec := range records {
		i, ok := index[rec.CompletedAt.In(loc).Format(trendDateLayout)]
		if !ok {
			continue
		}
		builds[i].Value++
		if rec.Status == models.StatusSuccess {
			succeeded[i]++
		}
	}

	for i := range success {
		success[i].Value = percentage(succeeded[i], int(builds[i].Value))
	}
	return builds, success
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*1000) / 10
}
