package cron

import (
	"strings"
	"unicode/utf8"
)

// Post-to-main defaults.
const (
	DefaultPostPrefix   = "Cron"
	DefaultPostMaxChars = 800
)

// ackSentinel is the routine "no news" acknowledgement agents emit for
// heartbeat-style turns. A summary that is nothing but the sentinel carries
// no information and is not worth a main-session post.
const ackSentinel = "OK"

// ackSlack is how much decoration (punctuation, a stray word) may accompany
// the sentinel before the summary counts as material content.
const ackSlack = 12

// formatPostToMain renders the system event synthesized after an isolated
// job completes. ok=false when nothing should be posted.
func formatPostToMain(job *Job, res AgentRunResult) (string, bool) {
	prefix := DefaultPostPrefix
	mode := PostModeSummary
	maxChars := DefaultPostMaxChars
	if iso := job.Isolation; iso != nil {
		if iso.PostToMainPrefix != "" {
			prefix = iso.PostToMainPrefix
		}
		if iso.PostToMainMode != "" {
			mode = iso.PostToMainMode
		}
		if iso.PostToMainMaxChars > 0 {
			maxChars = iso.PostToMainMaxChars
		}
	}

	if res.Status == StatusOK {
		summary := strings.TrimSpace(res.Summary)
		if isQuietAck(summary) {
			return "", false
		}
		return prefix + ": " + clip(summary, mode, maxChars), true
	}

	body := strings.TrimSpace(res.Summary)
	if body == "" {
		body = strings.TrimSpace(res.Error)
	}
	if body == "" {
		body = "failed"
	}
	return prefix + " (error): " + clip(body, mode, maxChars), true
}

// isQuietAck reports whether a successful summary is indistinguishable from
// a routine acknowledgement: empty, the bare sentinel, or the sentinel with
// trivial decoration. A sentinel accompanied by materially longer content is
// not quiet and is posted in full.
func isQuietAck(summary string) bool {
	if summary == "" {
		return true
	}
	canon := strings.ToUpper(strings.Trim(summary, " \t\r\n.!"))
	if canon == ackSentinel {
		return true
	}
	if strings.HasPrefix(canon, ackSentinel) && utf8.RuneCountInString(summary) <= len(ackSentinel)+ackSlack {
		return true
	}
	return false
}

// clip truncates s to maxChars runes in summary mode; full mode passes the
// text through untouched.
func clip(s, mode string, maxChars int) string {
	if mode == PostModeFull || maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "…"
}
