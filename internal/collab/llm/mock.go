package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tradeloop/internal/collab"
	"tradeloop/internal/domain"
)

// Mock derives metadata from the entry itself and always holds. It needs no
// network access and is the default provider.
type Mock struct{}

var (
	_ collab.Tagger        = Mock{}
	_ collab.DecisionMaker = Mock{}
)

func (Mock) Tag(ctx context.Context, e domain.Entry) (domain.Metadata, error) {
	keywords := []string{strings.ToLower(string(e.Kind))}
	var tags []string
	if sym := e.Symbol(); sym != "" {
		keywords = append(keywords, sym)
	}
	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(keywords) >= 5 {
			break
		}
		if s, ok := e.Payload[k].(string); ok && s != "" && len(s) <= 32 && k != "symbol" {
			keywords = append(keywords, strings.ToLower(s))
		}
	}
	switch e.Kind {
	case domain.KindError:
		tags = append(tags, "Status_Error", "Important")
	case domain.KindOrderStatus:
		status, _ := e.Payload["status"].(string)
		switch strings.ToLower(status) {
		case "filled":
			tags = append(tags, "Status_Filled")
		case "rejected":
			tags = append(tags, "Status_Rejected", "Important")
		}
	case domain.KindAnalysis:
		if a, _ := e.Payload["action"].(string); a != "" {
			a = strings.ToLower(a)
			tags = append(tags, "Action_"+strings.ToUpper(a[:1])+a[1:])
		}
	}
	return domain.Metadata{
		Keywords: keywords,
		Summary:  fmt.Sprintf("%s recorded by %s", e.Kind, e.Source),
		Tags:     tags,
	}, nil
}

func (Mock) GenerateDecision(ctx context.Context, in collab.DecisionInput) (collab.Decision, error) {
	return collab.Decision{Action: collab.ActionHold, Rationale: "mock provider never trades"}, nil
}
