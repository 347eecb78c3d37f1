package dispatch

import "strings"

const (
	// failureSampleCap bounds how many non-permanent failures the report
	// keeps verbatim; beyond that only the counters grow.
	failureSampleCap = 10
	reasonMaxLen     = 50
)

// Target is one broadcast destination with a human-readable label for
// failure reporting (channel title, @username, or the bare id).
type Target struct {
	ID    int64
	Label string
}

type FailureSample struct {
	Label  string
	Reason string
}

// Report is the immutable result of one completed run.
// Successful + Failed always equals Total.
type Report struct {
	Total      int
	Successful int
	Failed     int
	// Unreachable lists targets whose failure reason marks them as
	// permanently undeliverable; callers prune these afterwards.
	Unreachable    []int64
	FailureSamples []FailureSample
}

func (r Report) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Successful) / float64(r.Total) * 100
}

// permanentReasons match failures that out-of-band re-engagement cannot
// fix: the recipient blocked the bot, or the chat is gone.
var permanentReasons = []string{
	"blocked",
	"chat not found",
	"user is deactivated",
}

func permanentlyUnreachable(reason string) bool {
	reason = strings.ToLower(reason)
	for _, p := range permanentReasons {
		if strings.Contains(reason, p) {
			return true
		}
	}
	return false
}

func truncateReason(s string) string {
	if len(s) <= reasonMaxLen {
		return s
	}
	// Cut on a rune boundary; reasons may carry non-ASCII API text.
	r := []rune(s)
	if len(r) <= reasonMaxLen {
		return s
	}
	return string(r[:reasonMaxLen])
}
