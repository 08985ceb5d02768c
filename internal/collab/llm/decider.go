package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tradeloop/internal/collab"
)

const decisionSystemPrompt = `You are the decision engine of a cautious paper-trading system.
You receive the current portfolio, latest prices and recent notes as JSON.
Answer with a JSON object: {"action": "buy"|"sell"|"hold", "symbol": string, "quantity": number,
"confidence": number between 0 and 1, "rationale": one sentence}.
Only trade symbols that appear in the prices. Prefer "hold" when unsure.`

type decisionAnswer struct {
	Action     string  `json:"action"`
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// DecisionMaker implements collab.DecisionMaker on a chat completion model.
type DecisionMaker struct {
	Client *Client
}

var _ collab.DecisionMaker = DecisionMaker{}

func (d DecisionMaker) GenerateDecision(ctx context.Context, in collab.DecisionInput) (collab.Decision, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return collab.Decision{}, err
	}
	var ans decisionAnswer
	if err := d.Client.chatJSON(ctx, decisionSystemPrompt, string(body), &ans); err != nil {
		return collab.Decision{}, collab.Wrap("decision_maker", "generate_decision", err)
	}
	action, err := collab.ParseAction(ans.Action)
	if err != nil {
		return collab.Decision{}, collab.Wrap("decision_maker", "generate_decision", err)
	}
	dec := collab.Decision{
		Action:     action,
		Symbol:     strings.ToUpper(strings.TrimSpace(ans.Symbol)),
		Quantity:   ans.Quantity,
		Confidence: ans.Confidence,
		Rationale:  ans.Rationale,
	}
	if action != collab.ActionHold {
		if _, ok := in.Market.Prices[dec.Symbol]; !ok {
			return collab.Decision{}, collab.Wrap("decision_maker", "generate_decision",
				fmt.Errorf("decision names symbol %q without a price", dec.Symbol))
		}
	}
	return dec, nil
}
