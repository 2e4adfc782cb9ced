package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Key helpers for the common caller patterns. Each helper is bounded by the
// execution date so the same logical inputs produce the same key within one
// day and a fresh key the next, allowing legitimate re-runs.

// dateStamp formats the day boundary used by date-bounded keys.
func dateStamp(t time.Time) string { return t.UTC().Format("2006-01-02") }

// PeriodicKey builds the key for a periodic job that must run at most once per
// execution date.
func PeriodicKey(taskName string, date time.Time) string {
	return fmt.Sprintf("task:%s:periodic:%s", taskName, dateStamp(date))
}

// EscalationKey builds the key for a ticket escalation bounded by ticket,
// escalation level, and date.
func EscalationKey(ticketID string, level int, date time.Time) string {
	return fmt.Sprintf("task:escalation:%s:%d:%s", ticketID, level, dateStamp(date))
}

// ReportKey builds the key for a report generation request bounded by the
// hashed report parameters, requesting user, and output format. Parameter maps
// hash identically regardless of insertion order.
func ReportKey(reportType string, params map[string]any, userID, format string) string {
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])[:keyDigestLen]
	return fmt.Sprintf("task:report:%s:%s:%s:%s", reportType, digest, userID, format)
}

// EmailKey builds the key for an outbound email bounded by template,
// recipient, a hash of the rendered content, and date. Re-sending the same
// content to the same recipient on the same day is suppressed.
func EmailKey(template, recipient, content string, date time.Time) string {
	sum := sha256.Sum256([]byte(content))
	digest := hex.EncodeToString(sum[:])[:keyDigestLen]
	return fmt.Sprintf("task:email:%s:%s:%s:%s", template, recipient, digest, dateStamp(date))
}
