package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ledger-agent/internal/domain"
)

// ResponseSchema is the JSON schema of the structured reply. Every field is
// required and nullable so it can be used with strict structured output.
var ResponseSchema = json.RawMessage(`{
	"type":"object",
	"additionalProperties":false,
	"properties":{
		"reply":{"type":"string"},
		"transaction":{
			"type":"object",
			"additionalProperties":false,
			"properties":{
				"type":{"type":["string","null"]},
				"amount":{"type":["string","null"]},
				"date":{"type":["string","null"]},
				"category":{"type":["string","null"]},
				"paymentMethod":{"type":["string","null"]},
				"memo":{"type":["string","null"]}
			},
			"required":["type","amount","date","category","paymentMethod","memo"]
		},
		"suggestions":{"type":"array","items":{"type":"string"}}
	},
	"required":["reply","transaction","suggestions"]
}`)

// SchemaName identifies ResponseSchema in provider requests.
const SchemaName = "transaction_turn"

type replyPayload struct {
	Reply       *string            `json:"reply"`
	Transaction transactionPayload `json:"transaction"`
	Suggestions []string           `json:"suggestions"`
}

type transactionPayload struct {
	Type          flexString `json:"type"`
	Amount        flexString `json:"amount"`
	Date          flexString `json:"date"`
	Category      flexString `json:"category"`
	PaymentMethod flexString `json:"paymentMethod"`
	Memo          flexString `json:"memo"`
}

// flexString accepts a JSON string, number or null. Models regularly emit
// amounts as bare numbers even when asked for strings.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// DecodeReply parses the model's structured reply. The text must hold exactly
// one JSON object, optionally wrapped in a Markdown code fence, with a
// non-empty reply. Errors wrap ErrProtocol.
func DecodeReply(text string) (Response, error) {
	raw := stripFence(text)
	if raw == "" {
		return Response{}, Protocol(errors.New("empty model output"))
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	var p replyPayload
	if err := dec.Decode(&p); err != nil {
		return Response{}, Protocol(fmt.Errorf("decode model output: %w", err))
	}
	if dec.More() {
		return Response{}, Protocol(errors.New("trailing data after model output"))
	}
	if p.Reply == nil || strings.TrimSpace(*p.Reply) == "" {
		return Response{}, Protocol(errors.New("model output has no reply"))
	}

	suggestions := make([]string, 0, len(p.Suggestions))
	for _, s := range p.Suggestions {
		if s = strings.TrimSpace(s); s != "" {
			suggestions = append(suggestions, s)
		}
	}

	return Response{
		Text: strings.TrimSpace(*p.Reply),
		Extraction: domain.Slots{
			Type:          strings.ToUpper(string(p.Transaction.Type)),
			Amount:        string(p.Transaction.Amount),
			Date:          string(p.Transaction.Date),
			Category:      string(p.Transaction.Category),
			PaymentMethod: string(p.Transaction.PaymentMethod),
			Memo:          string(p.Transaction.Memo),
		},
		Suggestions: suggestions,
	}, nil
}

func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the info string, e.g. "json"
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
