package server

import (
	"StakeFlow/internal/balance"
	"StakeFlow/internal/core"
	fpmath "StakeFlow/internal/math"
	"StakeFlow/internal/session"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type sessionRequest struct {
	Account string `json:"account"`
}

type amountRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Amount    string `json:"amount"`
}

type harvestRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type stateResponse struct {
	Account   string    `json:"account"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	RequestID string    `json:"request_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type balanceResponse struct {
	Symbol    string    `json:"symbol"`
	Amount    string    `json:"amount"`
	Raw       string    `json:"raw"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updated_at"`
}

type positionResponse struct {
	Staked          string `json:"staked,omitempty"`
	StakedRaw       string `json:"staked_raw,omitempty"`
	AvailableReward string `json:"available_reward,omitempty"`
	RewardRaw       string `json:"available_reward_raw,omitempty"`
}

type snapshotResponse struct {
	Account  string                     `json:"account"`
	State    stateResponse              `json:"state"`
	Balances map[string]balanceResponse `json:"balances"`
	Position positionResponse           `json:"position"`
	Fresh    bool                       `json:"fresh"`
	Stale    []string                   `json:"stale,omitempty"`
}

type resultResponse struct {
	RequestID  string   `json:"request_id"`
	Kind       string   `json:"kind"`
	Amount     string   `json:"amount,omitempty"`
	AmountRaw  string   `json:"amount_raw,omitempty"`
	TxHashes   []string `json:"tx_hashes"`
	Refresh    string   `json:"refresh"`
	DurationMS int64    `json:"duration_ms"`
}

func stateDTO(st core.State) stateResponse {
	out := stateResponse{
		Account:   st.Account.Hex(),
		Phase:     st.Phase.String(),
		Status:    st.Status.String(),
		RequestID: st.RequestID,
		UpdatedAt: st.UpdatedAt,
	}
	if st.Kind != 0 {
		out.Kind = st.Kind.String()
	}
	if st.TxHash != (common.Hash{}) {
		out.TxHash = st.TxHash.Hex()
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
		out.ErrorKind = core.Classify(st.Err).String()
	}
	return out
}

func snapshotDTO(v session.View, sync *balance.Synchronizer, report *balance.RefreshReport) snapshotResponse {
	out := snapshotResponse{
		Account:  v.Account.Hex(),
		State:    stateDTO(v.State),
		Balances: make(map[string]balanceResponse, len(v.Balances)),
		Fresh:    v.Fresh,
	}
	for key, b := range v.Balances {
		br := balanceResponse{Symbol: b.Symbol, Amount: b.Formatted, Decimals: b.Decimals, UpdatedAt: b.UpdatedAt}
		if b.Raw != nil {
			br.Raw = b.Raw.String()
		}
		out.Balances[key] = br
	}

	staked, reward := sync.FormatPosition(v.Position)
	out.Position = positionResponse{Staked: staked, AvailableReward: reward}
	if v.Position.Staked != nil {
		out.Position.StakedRaw = v.Position.Staked.String()
	}
	if v.Position.AvailableReward != nil {
		out.Position.RewardRaw = v.Position.AvailableReward.String()
	}

	if report != nil {
		out.Stale = report.FailedKeys()
	}
	return out
}

func resultDTO(res *core.Result, prec fpmath.Precision) resultResponse {
	out := resultResponse{
		RequestID:  res.RequestID,
		Kind:       res.Kind.String(),
		TxHashes:   make([]string, 0, len(res.Receipts)),
		Refresh:    res.Refresh.String(),
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Amount != nil {
		out.Amount = prec.FormatUnits(res.Amount)
		out.AmountRaw = res.Amount.String()
	}
	for _, r := range res.Receipts {
		out.TxHashes = append(out.TxHashes, r.TxHash.Hex())
	}
	return out
}
