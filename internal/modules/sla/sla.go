// README: Rolling SLA cycle math. Pure functions of (start, now, cycle); nothing is persisted.
package sla

import "time"

type Severity string

const (
	OnTime Severity = "on_time"
	AtRisk Severity = "at_risk"
	Late   Severity = "late"
)

const DefaultCycle = 30 * time.Minute

// Cycle is the derived SLA position of one order.
type Cycle struct {
	TotalElapsedSec int64    `json:"totalElapsedSec"`
	CycleElapsedSec int64    `json:"cycleElapsedSec"`
	CycleNumber     int64    `json:"cycleNumber"`
	Severity        Severity `json:"severity"`
}

// ComputeCycle splits the time since start into whole cycles. Clock skew that
// puts now before start counts as zero elapsed; a zero start means the clock
// has not started.
func ComputeCycle(start, now time.Time, cycleLengthSec int64) Cycle {
	if cycleLengthSec <= 0 {
		cycleLengthSec = int64(DefaultCycle / time.Second)
	}
	var total int64
	if !start.IsZero() {
		total = int64(now.Sub(start) / time.Second)
		if total < 0 {
			total = 0
		}
	}
	return Cycle{
		TotalElapsedSec: total,
		CycleElapsedSec: total % cycleLengthSec,
		CycleNumber:     total/cycleLengthSec + 1,
	}
}

func Classify(c Cycle, atRiskSec int64) Severity {
	switch {
	case c.CycleNumber > 1:
		return Late
	case c.CycleElapsedSec >= atRiskSec:
		return AtRisk
	}
	return OnTime
}

type Policy struct {
	Cycle  time.Duration
	AtRisk time.Duration
}

// NewPolicy fills in defaults: a 30 minute cycle and an at-risk threshold at
// two thirds of it.
func NewPolicy(cycle, atRisk time.Duration) Policy {
	if cycle <= 0 {
		cycle = DefaultCycle
	}
	if atRisk <= 0 || atRisk >= cycle {
		atRisk = cycle * 2 / 3
	}
	return Policy{Cycle: cycle, AtRisk: atRisk}
}

func (p Policy) Evaluate(start, now time.Time) Cycle {
	c := ComputeCycle(start, now, int64(p.Cycle/time.Second))
	c.Severity = Classify(c, int64(p.AtRisk/time.Second))
	return c
}
