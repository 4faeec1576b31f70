package types

// TxStatus tracks a transaction through the ordering pipeline.
type TxStatus string

const (
	// TxStatusPending means the transaction is queued but not yet included in
	// a finalized block.
	TxStatusPending TxStatus = "pending"
	// TxStatusConfirmed means the transaction was included in a finalized
	// block.
	TxStatusConfirmed TxStatus = "confirmed"
	// TxStatusFailed means the transaction exhausted its retry budget without
	// being finalized.
	TxStatusFailed TxStatus = "failed"
)

// Transaction is a client-submitted value transfer. Amounts are integral in
// the smallest unit; nonces are strictly increasing per sender.
type Transaction struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Timestamp uint64 `json:"timestamp"`
	Nonce     uint64 `json:"nonce"`
	GasPrice  uint64 `json:"gas_price"`
	GasLimit  uint64 `json:"gas_limit"`
	Signature []byte `json:"signature,omitempty"`
}

// Validate checks structural invariants and reports the first violated field.
func (tx *Transaction) Validate() error {
	if tx == nil {
		return NewValidationError("transaction", "is nil")
	}
	if tx.ID == "" {
		return NewValidationError("id", "must not be empty")
	}
	if tx.From == "" {
		return NewValidationError("from", "must not be empty")
	}
	if tx.To == "" {
		return NewValidationError("to", "must not be empty")
	}
	if tx.Amount == 0 {
		return NewValidationError("amount", "must be positive")
	}
	if tx.Timestamp == 0 {
		return NewValidationError("timestamp", "must be positive")
	}
	return nil
}
