package market

import (
	"math"
	"math/big"

	"curvemarket/core/events"
)

// runController routes the post-trade transition: a ratio above the adjusted
// target re-solves upward, anything else decays the targets. Solver failures
// are swallowed so a trade never fails on controller work.
func (e *Engine) runController(actor string) {
	supply, err := e.circulatingSupply()
	if err != nil {
		return
	}
	num, den, err := fundingRatio(e.state.Floor, e.state.Intercept, e.state.Slope, supply)
	if err != nil {
		return
	}
	exceeded, err := ratioExceeds(num, den, e.ratio.TargetAdjusted)
	if err != nil {
		return
	}
	if exceeded {
		e.adjustAndRaise(supply, actor)
		return
	}
	e.lowerAndAdjust(supply)
}

// adjustAndRaise re-solves the curve at the base target. The solved state is
// applied only when the floor does not regress. Targets step up only after a
// successful apply with a named trigger actor and remaining headroom.
func (e *Engine) adjustAndRaise(supply *big.Int, actor string) {
	solved, err := EstimateAdjust(e.state.Slope, e.ratio.Target, e.state.Worth, supply)
	applied := false
	if err == nil && solved.Floor.Cmp(e.state.Floor) >= 0 {
		e.state.Price = solved.Price
		e.state.Floor = solved.Floor
		e.state.Intercept = solved.Intercept
		applied = true
		e.emit(events.CurveAdjusted{
			Price:     copyBig(solved.Price),
			Floor:     copyBig(solved.Floor),
			Intercept: copyBig(solved.Intercept),
		})
	}
	raised := false
	if applied && actor != "" && e.ratio.TargetAdjusted < e.ratio.MaxTargetAdjusted {
		step := e.ratio.RaiseStep
		if headroom := e.ratio.MaxTargetAdjusted - e.ratio.TargetAdjusted; step > headroom {
			step = headroom
		}
		if step > 0 {
			e.ratio.Target += step
			e.ratio.TargetAdjusted += step
			raised = true
			e.emit(events.TargetsRaised{
				Actor:          actor,
				Target:         e.ratio.Target,
				TargetAdjusted: e.ratio.TargetAdjusted,
			})
		}
	}
	if applied || raised {
		e.ratio.LatestUpdate = e.clock().Unix()
	}
}

// lowerAndAdjust decays both targets in proportion to elapsed time. Elapsed
// time below one interval produces a zero step and leaves the timestamp
// alone, so short bursts of activity accumulate toward the next full step.
// Elapsed seconds saturate at the uint32 limit, a domain cap carried over
// from the original ratio parameters.
func (e *Engine) lowerAndAdjust(supply *big.Int) {
	if e.ratio.LowerInterval == 0 {
		return
	}
	now := e.clock().Unix()
	if now <= e.ratio.LatestUpdate {
		return
	}
	elapsed := uint64(now - e.ratio.LatestUpdate)
	if elapsed > math.MaxUint32 {
		elapsed = math.MaxUint32
	}
	step64 := uint64(e.ratio.LowerStep) * elapsed / e.ratio.LowerInterval
	if headroom := uint64(e.ratio.Target - e.ratio.MinTarget); step64 > headroom {
		step64 = headroom
	}
	if step64 == 0 {
		return
	}
	step := uint32(step64)
	e.ratio.Target -= step
	e.ratio.TargetAdjusted -= step
	e.ratio.LatestUpdate = now
	e.emit(events.TargetsLowered{
		Target:         e.ratio.Target,
		TargetAdjusted: e.ratio.TargetAdjusted,
	})

	num, den, err := fundingRatio(e.state.Floor, e.state.Intercept, e.state.Slope, supply)
	if err != nil {
		return
	}
	exceeded, err := ratioExceeds(num, den, e.ratio.TargetAdjusted)
	if err != nil {
		return
	}
	if exceeded {
		e.adjustAndRaise(supply, "")
	}
}
