package lnurl

// PayResponse is the LUD-06 payRequest returned by an lnurlp endpoint.
type PayResponse struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	Metadata       string `json:"metadata"`
	Tag            string `json:"tag"`
	CommentAllowed int    `json:"commentAllowed,omitempty"`
	AllowsNostr    bool   `json:"allowsNostr,omitempty"`
	NostrPubkey    string `json:"nostrPubkey,omitempty"`
}

// SuccessAction is the LUD-09 message shown by the payer's wallet.
type SuccessAction struct {
	Tag     string `json:"tag"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
}

func MessageAction(message string) *SuccessAction {
	if message == "" {
		return nil
	}
	return &SuccessAction{Tag: "message", Message: message}
}

// InvoiceResponse answers a payRequest callback.
type InvoiceResponse struct {
	PR            string         `json:"pr"`
	Routes        []any          `json:"routes"`
	SuccessAction *SuccessAction `json:"successAction,omitempty"`
	Disposable    *bool          `json:"disposable,omitempty"`
}

// CallbackResponse is what an external callback may answer with: either an
// invoice or an error envelope.
type CallbackResponse struct {
	InvoiceResponse
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WithdrawResponse is the LUD-03 first step answer.
type WithdrawResponse struct {
	Tag                string `json:"tag"`
	Callback           string `json:"callback"`
	K1                 string `json:"k1"`
	DefaultDescription string `json:"defaultDescription"`
	MinWithdrawable    int64  `json:"minWithdrawable"`
	MaxWithdrawable    int64  `json:"maxWithdrawable"`
}
