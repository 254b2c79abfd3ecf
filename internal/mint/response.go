package mint

import (
	"fmt"

	"pplpmint/internal/mintstore"
	"pplpmint/internal/rewards"
)

// LockProof is the signed payload as lockWithPPLP receives it.
type LockProof struct {
	User         string  `json:"user"`
	Action       string  `json:"action"`
	ActionHash   string  `json:"actionHash"`
	Amount       string  `json:"amount"`
	EvidenceHash string  `json:"evidenceHash"`
	Nonce        string  `json:"nonce"`
	Signature    *string `json:"signature"`
	Signer       *string `json:"signer"`
}

type Response struct {
	Success             bool            `json:"success"`
	ActionID            string          `json:"action_id"`
	RewardAmount        int64           `json:"reward_amount"`
	RewardUnit          string          `json:"reward_unit"`
	LightScore          float64         `json:"light_score"`
	Pillars             rewards.Pillars `json:"pillars"`
	PPLPLock            LockProof       `json:"pplp_lock"`
	TxHash              *string         `json:"tx_hash"`
	OnChainSuccess      bool            `json:"on_chain_success"`
	OnChainError        *string         `json:"on_chain_error"`
	OnChainErrorDetails *string         `json:"on_chain_error_details"`
	Message             string          `json:"message"`
}

func buildResponse(rec mintstore.MintRequest, unit string, score *rewards.Score) *Response {
	resp := &Response{
		Success:      true,
		ActionID:     rec.ActionID,
		RewardAmount: rec.Amount,
		RewardUnit:   unit,
		PPLPLock: LockProof{
			User:         rec.RecipientAddress,
			Action:       rec.ActionName,
			ActionHash:   rec.ActionHash,
			Amount:       rec.AmountBaseUnits,
			EvidenceHash: rec.EvidenceHash,
			Nonce:        rec.Nonce,
			Signature:    optional(rec.Signature),
			Signer:       optional(rec.SignerAddress),
		},
		TxHash:              rec.TxHash,
		OnChainError:        rec.OnChainError,
		OnChainErrorDetails: rec.OnChainErrorDetails,
	}
	if score != nil {
		resp.LightScore = score.LightScore
		resp.Pillars = score.Pillars
	}

	switch {
	case rec.Terminal():
		resp.OnChainSuccess = true
		resp.Message = fmt.Sprintf("Minted %d %s on-chain in transaction %s.", rec.Amount, unit, deref(rec.TxHash))
	case rec.Signature == "":
		resp.Message = "Mint authorized, but no signer is configured: the proof was not signed or submitted."
	case rec.OnChainError != nil:
		resp.Message = fmt.Sprintf("Proof signed; on-chain lock pending after %s. Retry the submission step, not the whole authorization.", *rec.OnChainError)
	default:
		resp.Message = "Proof signed; on-chain lock pending. Retry the submission step, not the whole authorization."
	}
	return resp
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
