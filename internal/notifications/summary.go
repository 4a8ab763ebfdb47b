package notifications

import (
	"fmt"
	"strings"
)

// SummaryTitle is the title of every flush summary message.
const SummaryTitle = "通知摘要"

// summaryMaxLines is how many entries a summary lists before reporting the overflow.
const summaryMaxLines = 5

// ComposeSummary renders the pending entries of one user, oldest first.
// It returns the summary body and the short title line used as alt text.
func ComposeSummary(entries []QueuedNotification) (body, titleLine string) {
	count := len(entries)

	var b strings.Builder
	for i, e := range entries {
		if i == summaryMaxLines {
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. [%s] %s: %s", i+1, e.ProjectName, e.Action, e.CardTitle)
	}
	if count > summaryMaxLines {
		fmt.Fprintf(&b, "\n...還有 %d 則通知", count-summaryMaxLines)
	}

	return b.String(), fmt.Sprintf("你有 %d 個新通知", count)
}
