package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"buildrelay/internal/storage/models"
)

func TestPrintClassification(t *testing.T) {
	var out bytes.Buffer
	printClassification(&out, "Step 3/7 : RUN npm install\nnpm ERR! network ETIMEDOUT\nerror: npm install failed\n")

	assert.Contains(t, out.String(), "Category:   dependencies")
	assert.Contains(t, out.String(), "Summary:    error: npm install failed")
}

func TestPrintRecords(t *testing.T) {
	var out bytes.Buffer
	printRecords(&out, []models.BuildRecord{
		{JobName: "api", BuildNumber: 12, Status: models.StatusFailure, DurationMillis: 61500, FailureCategory: "tests", CompletedAt: time.Now()},
		{JobName: "web", BuildNumber: 3, Status: models.StatusSuccess, DurationMillis: 4000, CompletedAt: time.Now()},
	})

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	assert.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "JOB")
	assert.Contains(t, string(lines[1]), "FAILURE")
	assert.Contains(t, string(lines[1]), "1m2s")
	assert.Contains(t, string(lines[2]), "web")
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	printStats(&out, models.BuildStats{
		TotalBuilds:        4,
		SuccessfulBuilds:   3,
		FailedBuilds:       1,
		SuccessRate:        75,
		FailureRate:        25,
		AverageDurationMs:  90000,
		FailuresByCategory: map[string]int{"dependencies": 1},
		BuildsTrend:        []models.TrendPoint{{Date: "2026-05-10", Value: 4}},
		SuccessTrend:       []models.TrendPoint{{Date: "2026-05-10", Value: 75}},
	})

	assert.Contains(t, out.String(), "Success rate:     75.0%")
	assert.Contains(t, out.String(), "Average duration: 1m30s")
	assert.Contains(t, out.String(), "dependencies")
	assert.Contains(t, out.String(), "2026-05-10    4 builds   75.0% success")
}
