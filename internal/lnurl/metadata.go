package lnurl

import (
	"encoding/json"
	"strings"
)

const (
	TagPayRequest      = "payRequest"
	TagWithdrawRequest = "withdrawRequest"

	StatusOK    = "OK"
	StatusError = "ERROR"
)

// FormatMetadata builds the LUD-06 metadata string: a JSON array of
// [mime, value] pairs. identifier is the LUD-16 address, image an optional
// base64 PNG.
func FormatMetadata(description, identifier, imagePNGBase64 string) string {
	entries := [][2]string{{"text/plain", description}}
	if identifier != "" {
		entries = append(entries, [2]string{"text/identifier", identifier})
	}
	if imagePNGBase64 != "" {
		entries = append(entries, [2]string{"image/png;base64", strings.TrimPrefix(imagePNGBase64, "data:image/png;base64,")})
	}

	b, _ := json.Marshal(entries)
	return string(b)
}

// MetadataDescription extracts the text/plain entry from a metadata string.
func MetadataDescription(metadata string) string {
	var entries [][]string
	if err := json.Unmarshal([]byte(metadata), &entries); err != nil {
		return ""
	}
	for _, e := range entries {
		if len(e) == 2 && e[0] == "text/plain" {
			return e[1]
		}
	}
	return ""
}

// ErrorResponse is the LUD-06 error envelope.
type ErrorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func Error(reason string) ErrorResponse {
	return ErrorResponse{Status: StatusError, Reason: reason}
}

func OK() ErrorResponse {
	return ErrorResponse{Status: StatusOK}
}
