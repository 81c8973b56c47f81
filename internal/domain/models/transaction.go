package models

type TransactionType string

const (
	TypeCredit TransactionType = "credit"
	TypeDebit  TransactionType = "debit"
)

type Transaction struct {
	ID        int             `json:"id"`
	UserID    int             `json:"user_id"`
	Amount    int             `json:"amount"`
	Type      TransactionType `json:"type"`
	CreatedAt string          `json:"created_at"`
}
