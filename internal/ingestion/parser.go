package ingestion

import (
	"StakeFlow/internal/core"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrUnknownSubject = errors.New("unknown intent subject")
	ErrBadAccount     = errors.New("account is not a hex address")
)

// Intent is a decoded request for one account.
type Intent struct {
	Account common.Address
	Request core.Request
}

// intentJSON is the wire format. Amount is a display-unit decimal string
// so that no precision is lost in transit; withdraws also accept "max".
type intentJSON struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Amount    string `json:"amount,omitempty"`
}

// ResolveKind maps a subject onto a request kind by its last token.
func ResolveKind(subject string, subjects []SubjectConfig) (core.Kind, error) {
	for _, cfg := range subjects {
		if cfg.Subject == subject || strings.HasPrefix(subject, cfg.Subject+".") {
			if kind, ok := core.ParseKind(cfg.Kind); ok {
				return kind, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
}

// ParseIntent decodes raw as a request of the given kind. Amount checks
// beyond syntax are left to the orchestrator's validation.
func ParseIntent(raw RawIntent, kind core.Kind) (*Intent, error) {
	var j intentJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse %s intent: %w", kind, err)
	}

	if !common.IsHexAddress(j.Account) {
		return nil, fmt.Errorf("parse account %q: %w", j.Account, ErrBadAccount)
	}

	var id string
	if j.RequestID != "" {
		parsed, err := uuid.Parse(j.RequestID)
		if err != nil {
			return nil, fmt.Errorf("parse request_id: %w", err)
		}
		id = parsed.String()
	}

	req, err := core.ParseRequest(id, kind, j.Amount)
	if err != nil {
		return nil, err
	}

	return &Intent{Account: common.HexToAddress(j.Account), Request: req}, nil
}
