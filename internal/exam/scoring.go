package exam

import (
	"math"
	"sort"
	"strings"

	"examdesk/internal/question"
)

const (
	ReasonCorrect    = "correct"
	ReasonWrong      = "wrong"
	ReasonUnanswered = "unanswered"
	ReasonUnmatched  = "unmatched"
)

type ScoreInput struct {
	QuestionType string
	Correct      string
	Selected     string
	Matched      bool
}

type ScoreResult struct {
	IsCorrect bool   `json:"isCorrect"`
	Reason    string `json:"reason"`
}

// ScoreQuestion grades one answer against the authoritative key. An
// unmatched question never earns credit, whatever the client sent.
func ScoreQuestion(in ScoreInput) ScoreResult {
	if !in.Matched {
		return ScoreResult{Reason: ReasonUnmatched}
	}
	selected := letters(in.Selected)
	if len(selected) == 0 {
		return ScoreResult{Reason: ReasonUnanswered}
	}

	var isCorrect bool
	switch strings.TrimSpace(strings.ToLower(in.QuestionType)) {
	case question.TypeMultiple:
		isCorrect = equalSet(normalizeStringSet(selected), normalizeStringSet(letters(in.Correct)))
	default:
		isCorrect = question.NormalizeAnswer(in.Selected) == question.NormalizeAnswer(in.Correct)
	}
	if isCorrect {
		return ScoreResult{IsCorrect: true, Reason: ReasonCorrect}
	}
	return ScoreResult{Reason: ReasonWrong}
}

// reasonFor rebuilds the grading reason of a stored breakdown entry.
func reasonFor(rq ResultQuestion) string {
	switch {
	case !rq.Matched:
		return ReasonUnmatched
	case rq.UserAnswer == "":
		return ReasonUnanswered
	case rq.IsCorrect:
		return ReasonCorrect
	default:
		return ReasonWrong
	}
}

// ComputeScore returns round(correct/total*100), or 0 for an empty exam.
func ComputeScore(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(correct) / float64(total) * 100))
}

func letters(v string) []string {
	norm := question.NormalizeAnswer(v)
	if norm == "" {
		return nil
	}
	out := make([]string, 0, len(norm))
	for _, r := range norm {
		out = append(out, string(r))
	}
	return out
}

func normalizeStringSet(in []string) []string {
	set := map[string]struct{}{}
	for _, v := range in {
		s := strings.TrimSpace(v)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
