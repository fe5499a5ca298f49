package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

const turnSystemPrompt = `
You are a procurement assistant. The user describes something they need to buy or rent
and you help them source it from local vendors.

On every turn decide exactly one action:
- "clarify": the request is missing details a vendor would need (what exactly, quantity,
  delivery location, date, budget). Ask for the missing details in one short message.
- "discover": you have enough detail. Propose up to 5 real vendors that could fulfil the
  request, ranked best first. Every vendor needs a phone number.
- "outreach": vendors were already proposed and the user asks you to contact, call or
  get quotes from the ones they selected.

Answer in the SAME LANGUAGE as the user.

Reply ONLY with JSON of this shape:
{
  "action": "clarify" | "discover" | "outreach",
  "message": "text shown to the user",
  "options": [
    {"rank": 1, "name": "", "description": "", "url": "", "image_url": "",
     "estimated_price": 0, "phone": "", "notes": ""}
  ]
}
"options" is only present for "discover".
`

const scriptSystemPrompt = `
You are a professional sourcing specialist who creates clear, concise sourcing requirements.
Based on the conversation, write the sourcing requirement a caller will read to suppliers.
Include what is being sourced, quantity, location or delivery requirements, budget
constraints, timeline and any special requirements. Plain text, no preamble.
`

const quoteSystemPrompt = `
You read transcripts of phone calls with vendors and extract their quote.
Reply ONLY with JSON: {"summary": "one or two sentences on availability and terms", "price": 123.45}
Use null for price when the vendor gave no total price.
`

// Prompt represents the system prompt + the content to send as "user".
type Prompt struct {
	System string
	User   string
	// JSON asks the model for a JSON object response.
	JSON bool
}

// Completer is a single-shot text generation backend.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Reasoner implements domain.Reasoner on top of any Completer.
type Reasoner struct {
	c Completer
}

func NewReasoner(c Completer) *Reasoner {
	return &Reasoner{c: c}
}

// BuildTurnPrompt renders the task and its conversation for the next turn.
func BuildTurnPrompt(in domain.TurnInput) Prompt {
	var b strings.Builder
	b.WriteString("Original request:\n")
	b.WriteString(in.Task.Instruction)
	b.WriteString("\n\nConversation so far:\n")
	b.WriteString(renderHistory(in.History))

	return Prompt{System: turnSystemPrompt, User: b.String(), JSON: true}
}

func renderHistory(history []*domain.Message) string {
	var parts []string
	for _, m := range history {
		if m.Pending {
			continue
		}
		role := "user"
		if m.Sender == domain.SenderAgent {
			role = "assistant"
		}
		switch m.Kind {
		case domain.KindOptions:
			var names []string
			for _, o := range m.Options {
				mark := ""
				if o.Selected {
					mark = " (selected)"
				}
				names = append(names, fmt.Sprintf("%d. %s%s", o.Index+1, o.Name, mark))
			}
			parts = append(parts, role+": proposed vendors: "+strings.Join(names, "; "))
		case domain.KindRecording:
			parts = append(parts, role+": [call recording "+m.RecordingRef+"]")
		default:
			parts = append(parts, role+": "+m.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type decisionJSON struct {
	Action  string       `json:"action"`
	Message string       `json:"message"`
	Options []optionJSON `json:"options"`
}

type optionJSON struct {
	Rank           int     `json:"rank"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	URL            string  `json:"url"`
	ImageURL       string  `json:"image_url"`
	EstimatedPrice float64 `json:"estimated_price"`
	Phone          string  `json:"phone"`
	Notes          string  `json:"notes"`
}

type quoteJSON struct {
	Summary string   `json:"summary"`
	Price   *float64 `json:"price"`
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParseDecision decodes a model reply into a TurnDecision.
func ParseDecision(raw string) (domain.TurnDecision, error) {
	var d decisionJSON
	if err := json.Unmarshal([]byte(stripFence(raw)), &d); err != nil {
		return domain.TurnDecision{}, fmt.Errorf("decode turn decision: %w", err)
	}

	out := domain.TurnDecision{
		Kind: domain.DecisionKind(strings.ToLower(strings.TrimSpace(d.Action))),
		Text: strings.TrimSpace(d.Message),
	}
	switch out.Kind {
	case domain.DecisionClarify, domain.DecisionOutreach:
		if out.Kind == domain.DecisionClarify && out.Text == "" {
			return domain.TurnDecision{}, fmt.Errorf("clarify decision without a message")
		}
	case domain.DecisionDiscover:
		for i, o := range d.Options {
			if strings.TrimSpace(o.Name) == "" {
				continue
			}
			rank := o.Rank
			if rank <= 0 {
				rank = i + 1
			}
			out.Options = append(out.Options, domain.OptionDraft{
				Rank:           rank,
				Name:           strings.TrimSpace(o.Name),
				Summary:        o.Description,
				Website:        o.URL,
				ImageRef:       o.ImageURL,
				EstimatedPrice: o.EstimatedPrice,
				Phone:          strings.TrimSpace(o.Phone),
				Notes:          o.Notes,
			})
		}
		if len(out.Options) == 0 {
			return domain.TurnDecision{}, fmt.Errorf("discover decision without options")
		}
	default:
		return domain.TurnDecision{}, fmt.Errorf("unknown action %q", d.Action)
	}
	return out, nil
}

// ─────────────────────────────────────────
// domain.Reasoner implementation
// ─────────────────────────────────────────

func (r *Reasoner) NextTurn(ctx context.Context, in domain.TurnInput) (domain.TurnDecision, error) {
	raw, err := r.c.Complete(ctx, BuildTurnPrompt(in))
	if err != nil {
		return domain.TurnDecision{}, err
	}
	return ParseDecision(raw)
}

func (r *Reasoner) SourcingScript(ctx context.Context, in domain.TurnInput) (string, error) {
	conv := renderHistory(in.History)
	if conv == "" {
		conv = "user: " + in.Task.Instruction
	}
	out, err := r.c.Complete(ctx, Prompt{
		System: scriptSystemPrompt,
		User:   "Conversation:\n" + conv + "\n\nSourcing Requirement:",
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (r *Reasoner) ExtractQuote(ctx context.Context, transcript string) (domain.Quote, error) {
	raw, err := r.c.Complete(ctx, Prompt{
		System: quoteSystemPrompt,
		User:   "Transcript:\n" + transcript,
		JSON:   true,
	})
	if err != nil {
		return domain.Quote{}, err
	}

	var q quoteJSON
	if err := json.Unmarshal([]byte(stripFence(raw)), &q); err != nil {
		return domain.Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	return domain.Quote{Summary: strings.TrimSpace(q.Summary), Price: q.Price}, nil
}
