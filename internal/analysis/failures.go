// Package analysis groups job failures by a normalized error fingerprint so
// that a batch with many failed children reports a few distinct causes.
package analysis

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Normalization regexes compiled once at package init.
var (
	reDatetime   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?\s*`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reCallID     = regexp.MustCompile(`\b(call|fc)-[0-9A-Za-z-]+`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reParenNum   = regexp.MustCompile(`\(\d+\)`)
	reDuration   = regexp.MustCompile(`\b\d+(\.\d+)?(ns|us|µs|ms|s|m|h)\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

const (
	maxSampleBytes  = 2000
	maxJobIDsPerRow = 20
)

// GroupFailures groups the failed jobs among jobs by the fingerprint of their
// error message. Jobs in any other status, or without a message, are skipped.
// Groups are sorted by (Count DESC, category severity DESC, Fingerprint ASC).
// Returns an empty slice, never nil.
func GroupFailures(jobs []*models.Job) []models.FailureGroup {
	groups := make(map[string]*models.FailureGroup)

	for _, j := range jobs {
		if j.Status != models.JobStatusFailed || j.ErrorMessage == nil || *j.ErrorMessage == "" {
			continue
		}
		msg := *j.ErrorMessage
		at := failedAt(j)
		var cat models.ErrorCategory
		if j.ErrorCategory != nil {
			cat = *j.ErrorCategory
		}

		fp := Fingerprint(msg)
		g, ok := groups[fp]
		if !ok {
			g = &models.FailureGroup{
				Fingerprint:   fp,
				Category:      cat,
				SampleMessage: truncateString(msg, maxSampleBytes),
				FirstSeenAt:   at,
				LastSeenAt:    at,
			}
			groups[fp] = g
		}

		g.Count++
		if len(g.JobIDs) < maxJobIDsPerRow {
			g.JobIDs = append(g.JobIDs, j.ID)
		}
		if at.Before(g.FirstSeenAt) {
			g.FirstSeenAt = at
		}
		if at.After(g.LastSeenAt) {
			g.LastSeenAt = at
		}
		if CategorySeverity(cat) > CategorySeverity(g.Category) {
			g.Category = cat
		}
	}

	out := make([]models.FailureGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		si, sj := CategorySeverity(out[i].Category), CategorySeverity(out[j].Category)
		if si != sj {
			return si > sj
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func failedAt(j *models.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.UpdatedAt
}

// Fingerprint computes a stable SHA-256 fingerprint for an error message.
func Fingerprint(message string) string {
	normalized := NormalizeMessage(message)
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// NormalizeMessage strips the parts of an error message that vary between
// occurrences of the same failure.
func NormalizeMessage(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reCallID.ReplaceAllString(msg, "CALL")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reParenNum.ReplaceAllString(msg, "(N)")
	msg = reDuration.ReplaceAllString(msg, "DURATION")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	msg = truncateString(msg, 500)
	return msg
}

// CategorySeverity ranks error categories. Infrastructure failures outrank
// failures caused by the job itself.
func CategorySeverity(cat models.ErrorCategory) int {
	switch cat {
	case models.CategorySystem:
		return 5
	case models.CategoryDatabase:
		return 4
	case models.CategoryStorage:
		return 3
	case models.CategoryCompute:
		return 2
	case models.CategoryTimeout:
		return 1
	default:
		return 0
	}
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
