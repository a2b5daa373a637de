package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type PageResponse struct {
	OK     bool `json:"ok"`
	Data   any  `json:"data"`
	Total  int  `json:"total"`
	Limit  int  `json:"limit"`
	Offset int  `json:"offset"`
}

type AvailabilityResponse struct {
	LocalPart string `json:"local_part"`
	Address   string `json:"address"`
	Available bool   `json:"available"`
}
