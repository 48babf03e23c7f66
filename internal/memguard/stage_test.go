package memguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testThresholds = Thresholds{
	ThrottleEnter: 70, ThrottleExit: 65,
	ShedEnter: 85, ShedExit: 80,
	SuspendEnter: 95, SuspendExit: 92,
}

func TestStageEscalation(t *testing.T) {
	tests := []struct {
		name string
		cur  Stage
		pct  float64
		want Stage
	}{
		{"normal stays normal", StageNormal, 50, StageNormal},
		{"normal enters throttled at 70", StageNormal, 70, StageThrottled},
		{"normal skips to shedding", StageNormal, 86, StageShedding},
		{"normal skips to suspended", StageNormal, 96, StageSuspended},
		{"throttled escalates to shedding", StageThrottled, 85, StageShedding},
		{"shedding escalates to suspended", StageShedding, 95, StageSuspended},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testThresholds.eval(tt.cur, tt.pct))
		})
	}
}

func TestStageHysteresis(t *testing.T) {
	tests := []struct {
		name string
		cur  Stage
		pct  float64
		want Stage
	}{
		// Between exit and enter, the current stage holds.
		{"throttled holds at 67", StageThrottled, 67, StageThrottled},
		{"throttled exits below 65", StageThrottled, 64, StageNormal},
		{"shedding holds at 82", StageShedding, 82, StageShedding},
		{"shedding drops to throttled below 80", StageShedding, 78, StageThrottled},
		{"shedding drops straight to normal", StageShedding, 60, StageNormal},
		{"suspended holds at 93", StageSuspended, 93, StageSuspended},
		{"suspended drops to shedding below 92", StageSuspended, 90, StageShedding},
		{"suspended drops to throttled", StageSuspended, 75, StageThrottled},
		{"suspended drops to normal", StageSuspended, 40, StageNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testThresholds.eval(tt.cur, tt.pct))
		})
	}
}

func TestStageFlappingAroundEnterThreshold(t *testing.T) {
	// Oscillating around the enter threshold must not bounce the stage
	// back and forth; only dropping below exit de-escalates.
	stage := testThresholds.eval(StageNormal, 71)
	assert.Equal(t, StageThrottled, stage)
	stage = testThresholds.eval(stage, 69)
	assert.Equal(t, StageThrottled, stage)
	stage = testThresholds.eval(stage, 71)
	assert.Equal(t, StageThrottled, stage)
	stage = testThresholds.eval(stage, 64)
	assert.Equal(t, StageNormal, stage)
}
