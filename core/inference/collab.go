package inference

import (
	"context"
	"encoding/json"
	"time"
)

// RunRequest is a single verified-inference job handed to a Runner.
type RunRequest struct {
	Provider string                 `json:"provider,omitempty"`
	ModelID  string                 `json:"model_id"`
	Prompt   string                 `json:"prompt"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// RunResult is what a Runner produced.
type RunResult struct {
	Output string          `json:"output"`
	Tokens int             `json:"tokens"`
	TimeMs int64           `json:"time_ms"`
	Record json.RawMessage `json:"record,omitempty"`
}

// Runner executes inference jobs. The verified-execution engine behind it
// is an external collaborator.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// StreamRunner is the streaming counterpart of Runner. The returned channel
// closes after the final event.
type StreamRunner interface {
	RunStream(ctx context.Context, req RunRequest) (<-chan RunnerEvent, error)
}

// RunnerEvent is one emission from a StreamRunner.
type RunnerEvent struct {
	Token string
	Done  bool
	Err   error
}

// BlobService stores and exports content-addressed blobs.
type BlobService interface {
	Store(ctx context.Context, path string) (contentID string, err error)
	Export(ctx context.Context, contentID, path string) error
}

// ReceiptRequest binds the hashes and payment proof a receipt attests to.
type ReceiptRequest struct {
	Issuer        string  `json:"issuer"`
	Payer         string  `json:"payer,omitempty"`
	ModelID       string  `json:"model_id"`
	ModelHash     string  `json:"model_hash,omitempty"`
	DataHash      string  `json:"data_hash"`
	PromptHash    string  `json:"prompt_hash"`
	OutputHash    string  `json:"output_hash,omitempty"`
	PaymentTxHash string  `json:"payment_tx_hash,omitempty"`
	PaymentAmount float64 `json:"payment_amount,omitempty"`
}

// Receipt is a minted, content-addressed inference receipt.
type Receipt struct {
	ContentID string         `json:"content_id"`
	Request   ReceiptRequest `json:"request"`
	CreatedAt time.Time      `json:"created_at"`
	Locations []string       `json:"locations,omitempty"`
}

// ReceiptMinter mints receipts. A remote attestation service satisfies it;
// StoreMinter is the local default.
type ReceiptMinter interface {
	CreateReceipt(ctx context.Context, req ReceiptRequest) (*Receipt, error)
}
