package classify

import (
	"regexp"
	"strings"
)

// UpcomingExplain is the result of the UPCOMING validator, kept explainable
// so trace logs can say why a message was (not) routed.
type UpcomingExplain struct {
	Reason             string   `json:"reason"`
	HardExclusionHit   string   `json:"hard_exclusion_hit,omitempty"`
	HasFutureIndicator bool     `json:"has_future_indicator"`
	MatchedIndicators  []string `json:"matched_future_indicators,omitempty"`
}

// Price-history and post-hoc phrasings that disqualify a message even when a
// timestamp cue is present.
var hardExclusionRes = compileAll(
	`price\s+drop`,
	`returns?\s+till`,
	`returns?\s+until`,
	`discount\s+till`,
	`discount\s+until`,
	`clearance\s+till`,
	`clearance\s+until`,
	`offer\s+ends?`,
	`avg\s+30`,
	`avg\s+365`,
	`average\s+30`,
	`average\s+365`,
	`released\s+on\s+\d`,
	`dropped\s+to`,
	`lowest\s+ever\s+drop`,
)

var futureIndicatorRes = compileAll(
	`coming\s+soon`,
	`drops?\s+(on|at|in|tomorrow)`,
	`releasing?\s+(on|at|in|tomorrow)`,
	`launches?\s+(on|at|in|tomorrow)`,
	`goes?\s+live`,
	`go\s+live`,
	`available\s+(on|at|tomorrow)`,
	`starts?\s+(on|at|tomorrow)`,
	`pre[- ]?order`,
	`next\s+(week|month)`,
	`tomorrow`,
	`<t:\d+:[a-zA-Z]>`,
	`release\s+date`,
	`time\s*:\s*\d{1,2}(?::\d{2})?\s*(am|pm)`,
	`but\s+(drops?|releases?|launches?)\s+(on|at|in|tomorrow)`,
	`overseas\s+but\s+(drops?|releases?|launches?)`,
	`release\s+type`,
	`\braffle\b`,
	`\beql\b`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// ExplainUpcoming validates that a message genuinely announces a future
// event. Hard exclusions win over future indicators; at most five matched
// indicators are recorded.
func ExplainUpcoming(s string) UpcomingExplain {
	lower := strings.ToLower(s)

	for _, re := range hardExclusionRes {
		if re.MatchString(lower) {
			return UpcomingExplain{
				Reason:           "hard_exclusion",
				HardExclusionHit: re.String(),
			}
		}
	}

	var matched []string
	for _, re := range futureIndicatorRes {
		if len(matched) >= 5 {
			break
		}
		if re.MatchString(lower) {
			matched = append(matched, re.String())
		}
	}
	if len(matched) == 0 {
		return UpcomingExplain{Reason: "missing_future_indicator"}
	}
	return UpcomingExplain{
		Reason:             "future_indicator_present",
		HasFutureIndicator: true,
		MatchedIndicators:  matched,
	}
}

// IsTrulyUpcoming is the boolean wrapper around ExplainUpcoming.
func IsTrulyUpcoming(s string) bool {
	return ExplainUpcoming(s).HasFutureIndicator
}
