package agent

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/smolitux/smolit/internal/expert"
	"github.com/smolitux/smolit/internal/session"
	"github.com/smolitux/smolit/internal/tools"
)

// Route reports which expert would handle input and why, without invoking it.
func (d *Dispatcher) Route(ctx context.Context, input string) (string, RouteReason, error) {
	name, _, reason, err := d.route(ctx, input, d.snapshot(), d.Memory(DefaultSessionKey).Recent(defaultHistoryTurns))
	return name, reason, err
}

// route applies triggers, then handler predicates, then the classifier model,
// then the fallback chain.
func (d *Dispatcher) route(ctx context.Context, input string, snap snapshot, history []session.Turn) (string, expert.Handler, RouteReason, error) {
	if len(snap.order) == 0 {
		return "", nil, "", ErrNoExperts
	}

	if name, ok := d.matchTrigger(input, snap); ok {
		return name, snap.experts[name], RouteTrigger, nil
	}

	for _, name := range snap.order {
		if name == d.defaultExpert {
			continue
		}
		if acceptsSafely(snap.experts[name], input) {
			return name, snap.experts[name], RoutePredicate, nil
		}
	}

	if name, ok := d.classify(ctx, input, snap, history); ok {
		return name, snap.experts[name], RouteModel, nil
	}

	if h, ok := snap.experts[d.defaultExpert]; ok {
		return d.defaultExpert, h, RouteFallback, nil
	}
	name, h := snap.first()
	return name, h, RouteFallback, nil
}

func (d *Dispatcher) matchTrigger(input string, snap snapshot) (string, bool) {
	trimmed := strings.TrimSpace(input)
	lower := strings.ToLower(trimmed)
	for _, t := range d.triggers {
		if t.Prefix == "" {
			continue
		}
		if strings.HasPrefix(lower, strings.ToLower(t.Prefix)) {
			if _, ok := snap.experts[t.Expert]; ok {
				return t.Expert, true
			}
		}
	}
	if tools.IsWebURL(trimmed) {
		if _, ok := snap.experts[expert.NameWeb]; ok {
			return expert.NameWeb, true
		}
	}
	return "", false
}

func acceptsSafely(h expert.Handler, input string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return h.Accepts(input)
}

// classify asks the model for an expert name. Unknown, empty or failed
// answers report false.
func (d *Dispatcher) classify(ctx context.Context, input string, snap snapshot, history []session.Turn) (name string, ok bool) {
	if d.classifier == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Classifier panicked", "panic", r)
			name, ok = "", false
		}
	}()

	descriptions := make(map[string]string, len(snap.order))
	for _, n := range snap.order {
		descriptions[n] = describe(n)
	}
	prompt := d.ctxBuilder.BuildClassifyPrompt(input, snap.order, descriptions, history)

	cctx, cancel := context.WithTimeout(ctx, d.classifyTimeout)
	defer cancel()
	answer, err := d.classifier.Complete(cctx, prompt, nil)
	if err != nil {
		d.logger.Warn("Classification failed, using fallback", "error", err)
		return "", false
	}
	name = ParseExpertName(answer, snap.order)
	if name == "" {
		d.logger.Debug("Classifier answer names no expert", "answer", answer)
		return "", false
	}
	return name, true
}

// ParseExpertName returns the known name mentioned earliest in answer as a
// whole word, matching case-insensitively. Ties go to the longer name.
func ParseExpertName(answer string, names []string) string {
	lower := strings.ToLower(answer)
	best, bestAt := "", -1
	for _, n := range names {
		at := wordIndex(lower, strings.ToLower(n))
		if at < 0 {
			continue
		}
		if bestAt < 0 || at < bestAt || (at == bestAt && len(n) > len(best)) {
			best, bestAt = n, at
		}
	}
	return best
}

// wordIndex is strings.Index restricted to matches not flanked by letters
// or digits.
func wordIndex(s, word string) int {
	if word == "" {
		return -1
	}
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], word)
		if i < 0 {
			return -1
		}
		start, end := from+i, from+i+len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return start
		}
		from = start + 1
	}
	return -1
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
