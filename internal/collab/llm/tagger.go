package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tradeloop/internal/collab"
	"tradeloop/internal/domain"
)

const taggerSystemPrompt = `You organize the memory of an automated trading system.
Given one memory entry as JSON, answer with a JSON object with these fields:
"keywords": up to 5 keywords (symbols, actions, statuses, error types, metrics),
"summary": one sentence describing the event,
"suggested_tags": tags chosen from: %s.
Answer with the JSON object only.`

var allowedTags = []string{
	"Important", "Risk_High", "Risk_Low",
	"Status_Filled", "Status_Rejected", "Status_Error", "Status_Success",
	"Action_Buy", "Action_Sell", "Action_Hold",
	"Sentiment_Positive", "Sentiment_Negative", "Sentiment_Neutral",
}

type tagAnswer struct {
	Keywords      keywordList `json:"keywords"`
	Summary       string      `json:"summary"`
	SuggestedTags []string    `json:"suggested_tags"`
}

// keywordList accepts either a JSON array or a comma separated string.
type keywordList []string

func (k *keywordList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*k = cleanList(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("keywords must be a list or string")
	}
	*k = cleanList(strings.Split(s, ","))
	return nil
}

func cleanList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Tagger implements collab.Tagger on a chat completion model.
type Tagger struct {
	Client *Client
}

var _ collab.Tagger = Tagger{}

func (t Tagger) Tag(ctx context.Context, e domain.Entry) (domain.Metadata, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return domain.Metadata{}, err
	}
	var ans tagAnswer
	if err := t.Client.chatJSON(ctx, fmt.Sprintf(taggerSystemPrompt, strings.Join(allowedTags, ", ")), string(body), &ans); err != nil {
		return domain.Metadata{}, collab.Wrap("tagger", "tag", err)
	}
	if ans.Summary == "" && len(ans.Keywords) == 0 {
		return domain.Metadata{}, collab.Wrap("tagger", "tag", fmt.Errorf("model returned no metadata"))
	}
	return domain.Metadata{
		Keywords: ans.Keywords,
		Summary:  strings.TrimSpace(ans.Summary),
		Tags:     cleanList(ans.SuggestedTags),
	}, nil
}
