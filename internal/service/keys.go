package service

import (
	"strconv"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// StakesKey is the sorted set of every stake that has had a request, scored
// by stake. The sweeper walks it to find buckets.
const StakesKey = "stakes"

// BucketKey is the pending bucket for a stake: request ids scored by
// creation time in microseconds.
func BucketKey(stake domain.Amount) string {
	return "bucket:" + strconv.FormatInt(int64(stake), 10)
}

func requestKey(id string) string { return "request:" + id }

func matchKey(id string) string { return "match:" + id }

func depositKey(ref string) string { return "deposit:" + ref }
