package mint

import (
	"errors"
	"net/url"
	"strconv"

	"github.com/lnurl-bridge/backend/internal/lnurl"
)

const WithdrawCallbackPath = "/lnurl/withdraw/callback"

type WithdrawPointRequest struct {
	K1              string
	Description     string
	MinWithdrawable int64
	MaxWithdrawable int64
}

type WithdrawPoint struct {
	Callback string `json:"callback"`
	LNURL    string `json:"lnurl"`
	QRCode   string `json:"qr_code"`
}

// CreateWithdrawPoint builds the public withdraw URL for k1 and encodes it.
// The URL carries LUD-08 fast-withdraw parameters; when that makes the
// payload too large they are dropped and only k1 is kept.
func (c *Client) CreateWithdrawPoint(req WithdrawPointRequest) (*WithdrawPoint, error) {
	return BuildWithdrawPoint(c.publicBaseURL, req)
}

func BuildWithdrawPoint(publicBaseURL string, req WithdrawPointRequest) (*WithdrawPoint, error) {
	callback := publicBaseURL + WithdrawCallbackPath

	full := url.Values{}
	full.Set("k1", req.K1)
	full.Set("tag", lnurl.TagWithdrawRequest)
	full.Set("minWithdrawable", strconv.FormatInt(req.MinWithdrawable, 10))
	full.Set("maxWithdrawable", strconv.FormatInt(req.MaxWithdrawable, 10))
	full.Set("defaultDescription", req.Description)
	full.Set("callback", callback)

	encoded, err := lnurl.Encode(callback + "?" + full.Encode())
	if errors.Is(err, lnurl.ErrPayloadTooLarge) {
		minimal := url.Values{}
		minimal.Set("k1", req.K1)
		encoded, err = lnurl.Encode(callback + "?" + minimal.Encode())
	}
	if err != nil {
		return nil, err
	}

	return &WithdrawPoint{
		Callback: callback,
		LNURL:    encoded,
		QRCode:   lnurl.QRCode(encoded),
	}, nil
}
