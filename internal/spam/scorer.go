// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

// Package spam scores user-submitted content with additive heuristics.
// Every triggered heuristic contributes points and a human-readable reason;
// content at or above the threshold is flagged as spam.
package spam

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/metrics"
)

// Scoring weights. A keyword hit is the weakest signal; shape-based
// signals (shouting, money amounts, card numbers) weigh more.
const (
	keywordPoints     = 10
	patternPoints     = 15
	uppercasePoints   = 20
	punctuationPoints = 15
)

// defaultThreshold is the score at or above which content is spam.
const defaultThreshold = 50

// uppercaseRatioLimit is the fraction of letters allowed to be uppercase
// before content counts as shouting.
const uppercaseRatioLimit = 0.3

// defaultKeywords are matched case-insensitively as substrings.
var defaultKeywords = []string{
	"free money",
	"viagra",
	"casino",
	"lottery",
	"jackpot",
	"get rich",
	"work from home",
	"no obligation",
	"risk free",
	"wire transfer",
	"bitcoin giveaway",
	"hot singles",
}

type spamPattern struct {
	re     *regexp.Regexp
	reason string
}

// punctuationRuns matches a run of doubled-or-longer terminal punctuation.
// One run anywhere is a pattern hit; more than two runs add the separate
// excessive-punctuation points on top.
var punctuationRuns = regexp.MustCompile(`[!?]{2,}`)

var spamPatterns = []spamPattern{
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "card-like digit sequence"},
	{regexp.MustCompile(`[$€£]\s?\d{1,3}(?:,\d{3})+`), "large currency amount"},
	{regexp.MustCompile(`[A-Z]{5,}`), "extended uppercase run"},
	{punctuationRuns, "repeated terminal punctuation"},
	{regexp.MustCompile(`(?i)\b(?:click here|act now|buy now|order now|call now|limited time offer|claim your prize)\b`), "call-to-action phrase"},
}

// Config holds spam scoring tuning.
type Config struct {
	// Threshold is the score at or above which content is spam.
	Threshold int `koanf:"threshold" validate:"gte=0"`

	// ExtraKeywords are matched in addition to the built-in keyword list.
	ExtraKeywords []string `koanf:"extra_keywords"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Threshold: defaultThreshold}
}

// Result is the outcome of scoring one piece of content.
type Result struct {
	Score      int      `json:"score"`
	IsSpam     bool     `json:"is_spam"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Recorder is the slice of the event store the scorer needs.
type Recorder interface {
	Log(rec event.Record, now time.Time) event.SecurityEvent
}

// Scorer applies the heuristics. Safe for concurrent use.
type Scorer struct {
	cfg      Config
	recorder Recorder

	mu       sync.RWMutex
	keywords []string
}

// NewScorer creates a scorer combining the built-in keywords with any
// configured extras.
func NewScorer(recorder Recorder, cfg Config) *Scorer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	keywords := make([]string, 0, len(defaultKeywords)+len(cfg.ExtraKeywords))
	keywords = append(keywords, defaultKeywords...)
	for _, kw := range cfg.ExtraKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return &Scorer{cfg: cfg, recorder: recorder, keywords: keywords}
}

// Score evaluates a message. The subject line is optional; when present the
// heuristics run over subject and content together. Content at or above the
// threshold emits one spam_detected event attributed to userID and source.
func (s *Scorer) Score(content, subject, userID, source string, now time.Time) Result {
	var res Result

	text := content
	if subject != "" {
		text = subject + "\n" + content
	}

	lower := strings.ToLower(text)
	s.mu.RLock()
	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			res.Score += keywordPoints
			res.Reasons = append(res.Reasons, fmt.Sprintf("keyword %q", kw))
		}
	}
	s.mu.RUnlock()

	for _, p := range spamPatterns {
		if p.re.MatchString(text) {
			res.Score += patternPoints
			res.Reasons = append(res.Reasons, p.reason)
		}
	}

	if upper, letters := letterCounts(text); letters > 0 &&
		float64(upper)/float64(letters) > uppercaseRatioLimit {
		res.Score += uppercasePoints
		res.Reasons = append(res.Reasons, "excessive uppercase ratio")
	}

	if len(punctuationRuns.FindAllStringIndex(text, 3)) > 2 {
		res.Score += punctuationPoints
		res.Reasons = append(res.Reasons, "excessive punctuation")
	}

	res.IsSpam = res.Score >= s.cfg.Threshold
	res.Confidence = min(float64(res.Score)/100, 1)

	verdict := "ham"
	if res.IsSpam {
		verdict = "spam"
		s.recorder.Log(event.Record{
			Type:     event.TypeSpamDetected,
			Severity: event.SeverityMedium,
			Source:   source,
			UserID:   userID,
			Details: map[string]string{
				"score":   fmt.Sprintf("%d", res.Score),
				"reasons": strings.Join(res.Reasons, "; "),
			},
		}, now)
	}
	metrics.SpamScored.WithLabelValues(verdict).Inc()

	return res
}

// AddKeyword extends the keyword list at runtime.
func (s *Scorer) AddKeyword(kw string) {
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keywords {
		if existing == kw {
			return
		}
	}
	s.keywords = append(s.keywords, kw)
}

// Keywords lists the active keyword set.
func (s *Scorer) Keywords() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keywords))
	copy(out, s.keywords)
	return out
}

func letterCounts(content string) (upper, letters int) {
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return upper, letters
}
