package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

// MockReasoner is a rule-based domain.Reasoner for local mode and tests.
type MockReasoner struct{}

func NewMockReasoner() *MockReasoner {
	return &MockReasoner{}
}

var (
	priceRe       = regexp.MustCompile(`\$\s?(\d[\d,]*(?:\.\d{1,2})?)`)
	outreachWords = []string{"call", "contact", "quote", "reach out"}
)

func latestUserText(in domain.TurnInput) string {
	for i := len(in.History) - 1; i >= 0; i-- {
		m := in.History[i]
		if m.Sender == domain.SenderUser && m.Kind == domain.KindText {
			return m.Text
		}
	}
	if in.Task != nil {
		return in.Task.Instruction
	}
	return ""
}

func hasOptions(in domain.TurnInput) bool {
	for _, m := range in.History {
		if m.Kind == domain.KindOptions {
			return true
		}
	}
	return false
}

func (m *MockReasoner) NextTurn(ctx context.Context, in domain.TurnInput) (domain.TurnDecision, error) {
	text := strings.ToLower(strings.TrimSpace(latestUserText(in)))

	if hasOptions(in) {
		for _, w := range outreachWords {
			if strings.Contains(text, w) {
				return domain.TurnDecision{Kind: domain.DecisionOutreach, Text: "Calling the selected vendors now."}, nil
			}
		}
	}

	if len(strings.Fields(text)) < 3 {
		return domain.TurnDecision{
			Kind: domain.DecisionClarify,
			Text: "Could you tell me a bit more? How many do you need, and where and when should they be delivered?",
		}, nil
	}

	item := latestUserText(in)
	return domain.TurnDecision{
		Kind: domain.DecisionDiscover,
		Text: "Here are some vendors that can help.",
		Options: []domain.OptionDraft{
			{Rank: 1, Name: "Acme Event Rentals", Summary: "Rental stock for: " + item, Website: "https://acme-rentals.example", EstimatedPrice: 120, Phone: "+15550100001"},
			{Rank: 2, Name: "Metro Party Supply", Summary: "Same-week delivery for: " + item, Website: "https://metro-party.example", EstimatedPrice: 145, Phone: "+15550100002"},
			{Rank: 3, Name: "Budget Hire Co", Summary: "Lowest price option for: " + item, Website: "https://budget-hire.example", EstimatedPrice: 99, Phone: "+15550100003", Notes: "pickup only"},
		},
	}, nil
}

func (m *MockReasoner) SourcingScript(ctx context.Context, in domain.TurnInput) (string, error) {
	var parts []string
	for _, msg := range in.History {
		if msg.Sender == domain.SenderUser && msg.Kind == domain.KindText {
			parts = append(parts, strings.TrimSpace(msg.Text))
		}
	}
	if len(parts) == 0 && in.Task != nil {
		parts = append(parts, in.Task.Instruction)
	}
	return "Sourcing requirement: " + strings.Join(parts, ". "), nil
}

// ExtractQuote takes the first dollar amount in the transcript as the price and
// the sentence containing it as the summary.
func (m *MockReasoner) ExtractQuote(ctx context.Context, transcript string) (domain.Quote, error) {
	q := domain.Quote{Summary: firstSentences(transcript, 200)}

	match := priceRe.FindStringSubmatchIndex(transcript)
	if match == nil {
		return q, nil
	}
	raw := strings.ReplaceAll(transcript[match[2]:match[3]], ",", "")
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return q, fmt.Errorf("parse price %q: %w", raw, err)
	}
	q.Price = &p
	q.Summary = sentenceAround(transcript, match[0])
	return q, nil
}

func firstSentences(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max])) + "..."
}

func sentenceAround(s string, at int) string {
	start := strings.LastIndexAny(s[:at], ".?!:")
	end := strings.IndexAny(s[at:], ".?!")
	out := s
	if end >= 0 {
		// Keep decimals such as $120.00 inside the sentence.
		for end >= 0 && at+end+1 < len(s) && s[at+end+1] >= '0' && s[at+end+1] <= '9' {
			next := strings.IndexAny(s[at+end+1:], ".?!")
			if next < 0 {
				end = -1
				break
			}
			end += next + 1
		}
	}
	switch {
	case end >= 0:
		out = s[start+1 : at+end+1]
	default:
		out = s[start+1:]
	}
	return strings.TrimSpace(out)
}
