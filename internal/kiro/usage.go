package kiro

import (
	"strings"

	"github.com/tidwall/gjson"
)

// AggregateUsage collapses a getUsageLimits response into one quota view.
// The first usageBreakdown entry carries the credit pool; base, active free
// trial, and bonus credits are summed into a single used/limit pair.
func AggregateUsage(raw []byte) UsageSnapshot {
	snapshot := UsageSnapshot{AccountType: "UNKNOWN", Raw: string(raw)}

	breakdown := gjson.GetBytes(raw, "usageBreakdown.0")
	if breakdown.Exists() {
		snapshot.Used = breakdown.Get("currentUsage").Float()
		snapshot.Limit = breakdown.Get("usageLimit").Float()

		freeTrial := breakdown.Get("freeTrialInfo")
		if freeTrial.Exists() && freeTrialActive(freeTrial) {
			snapshot.Used += freeTrial.Get("currentUsage").Float()
			snapshot.Limit += freeTrial.Get("usageLimit").Float()
		}

		breakdown.Get("bonusCredits").ForEach(func(_, bonus gjson.Result) bool {
			snapshot.Used += bonus.Get("currentUsage").Float()
			snapshot.Limit += bonus.Get("usageLimit").Float()
			return true
		})
	}

	if snapshot.Limit > 0 {
		snapshot.Percent = snapshot.Used / snapshot.Limit * 100
	}
	snapshot.Exhausted = snapshot.Limit > 0 && snapshot.Percent >= 100

	if plan := gjson.GetBytes(raw, "subscriptionInfo.subscriptionPlan"); plan.Exists() {
		if strings.Contains(strings.ToUpper(plan.String()), "FREE") {
			snapshot.AccountType = "FREE"
		} else {
			snapshot.AccountType = "PRO"
		}
	}

	return snapshot
}

func freeTrialActive(freeTrial gjson.Result) bool {
	status := freeTrial.Get("freeTrialStatus").String()
	if status == "" {
		status = freeTrial.Get("status").String()
	}
	return status == "ACTIVE"
}
