package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/lnurl"
	"github.com/lnurl-bridge/backend/internal/models"
)

type ExternalResolverOptions struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	CacheTTL         time.Duration
	UserAgent        string
	// AllowPrivateHosts disables the private-network guard. Tests only.
	AllowPrivateHosts bool
}

// ResolvedTarget is an external payment target with its current payRequest.
type ResolvedTarget struct {
	Type       string            `json:"type"`
	Target     string            `json:"target"`
	Domain     string            `json:"domain"`
	URL        string            `json:"url"`
	PayRequest lnurl.PayResponse `json:"pay_request"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

type cachedPayRequest struct {
	PayRequest lnurl.PayResponse `json:"pay_request"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// ExternalResolver fetches LNURL-pay metadata for addresses and URLs outside
// this system, with a read-through Redis cache.
type ExternalResolver struct {
	httpClient *http.Client
	rdb        *redis.Client
	opts       ExternalResolverOptions
	log        *zap.Logger
	now        func() time.Time
	wellKnown  func(lnurl.LightningAddress) string
}

func NewExternalResolver(rdb *redis.Client, opts ExternalResolverOptions, log *zap.Logger) *ExternalResolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 64 * 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "lnurl-bridge/1.0"
	}

	r := &ExternalResolver{
		rdb:       rdb,
		opts:      opts,
		log:       log,
		now:       time.Now,
		wellKnown: lnurl.LightningAddress.WellKnownURL,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.AllowPrivateHosts {
		dialer := &net.Dialer{Timeout: opts.Timeout, Control: guardDial}
		transport.DialContext = dialer.DialContext
	}
	r.httpClient = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return r.checkURL(req.URL.String())
		},
	}
	return r
}

// Resolve accepts a Lightning Address, a bech32 LNURL, a LUD-17 lnurlp://
// URL or a plain web URL. Web pages are searched once for a lightning link.
func (r *ExternalResolver) Resolve(ctx context.Context, input string) (*ResolvedTarget, error) {
	return r.resolve(ctx, input, true)
}

func (r *ExternalResolver) resolve(ctx context.Context, input string, discover bool) (*ResolvedTarget, error) {
	target := strings.TrimSpace(input)
	if len(target) > 10 && strings.EqualFold(target[:10], "lightning:") {
		target = target[10:]
	}
	if target == "" {
		return nil, apperr.Validation("payment target is required")
	}

	res := &ResolvedTarget{Target: target}
	lower := strings.ToLower(target)

	switch {
	case lnurl.IsLightningAddress(target):
		addr, _ := lnurl.ParseLightningAddress(target)
		res.Type = models.TargetLightningAddress
		res.Target = addr.String()
		res.URL = r.wellKnown(addr)
	case lnurl.IsLNURL(target):
		decoded, err := lnurl.Decode(target)
		if err != nil {
			return nil, apperr.Validation("invalid lnurl: %v", err)
		}
		res.Type = models.TargetLnurl
		res.URL = decoded
	case strings.HasPrefix(lower, "lnurlp://"):
		res.Type = models.TargetLnurl
		res.URL = "https://" + target[len("lnurlp://"):]
	case strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://"):
		res.Type = models.TargetURL
		res.URL = target
	default:
		return nil, apperr.Validation("unsupported payment target %q", target)
	}

	u, err := url.Parse(res.URL)
	if err != nil || u.Hostname() == "" {
		return nil, apperr.Validation("invalid payment target url")
	}
	res.Domain = strings.ToLower(u.Hostname())

	if cached, ok := r.cached(ctx, res.URL); ok {
		res.PayRequest = cached.PayRequest
		res.FetchedAt = cached.FetchedAt
		return res, nil
	}

	body, contentType, err := r.get(ctx, res.URL)
	if err != nil {
		return nil, err
	}

	if isHTML(contentType, body) {
		if !discover || res.Type != models.TargetURL {
			return nil, apperr.BadExternalResponse("expected LNURL-pay JSON, got a web page")
		}
		found, err := discoverLightning(body)
		if err != nil {
			return nil, err
		}
		next, err := r.resolve(ctx, found, false)
		if err != nil {
			return nil, err
		}
		next.Type = models.TargetURL
		next.Target = target
		return next, nil
	}

	pay, err := parsePayRequest(body)
	if err != nil {
		return nil, err
	}
	res.PayRequest = *pay
	res.FetchedAt = r.now()
	r.store(ctx, res.URL, cachedPayRequest{PayRequest: *pay, FetchedAt: res.FetchedAt})
	return res, nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// discoverLightning finds a lightning address or LNURL advertised by a page.
func discoverLightning(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", apperr.BadExternalResponse("unreadable web page")
	}

	if content, ok := doc.Find(`meta[name="lightning"]`).First().Attr("content"); ok && strings.TrimSpace(content) != "" {
		return strings.TrimSpace(content), nil
	}
	var found string
	doc.Find(`a[href]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if len(href) > 10 && strings.EqualFold(href[:10], "lightning:") {
			found = href[10:]
			return false
		}
		return true
	})
	if found == "" {
		return "", apperr.BadExternalResponse("no lightning address found on page")
	}
	return found, nil
}

func parsePayRequest(body []byte) (*lnurl.PayResponse, error) {
	var envelope lnurl.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && strings.EqualFold(envelope.Status, lnurl.StatusError) {
		return nil, apperr.External(errors.New(envelope.Reason), "lnurl service error: %s", envelope.Reason)
	}

	var pay lnurl.PayResponse
	if err := json.Unmarshal(body, &pay); err != nil {
		return nil, apperr.BadExternalResponse("malformed payRequest: %v", err)
	}
	switch {
	case pay.Tag != lnurl.TagPayRequest:
		return nil, apperr.BadExternalResponse("unexpected tag %q", pay.Tag)
	case pay.Callback == "":
		return nil, apperr.BadExternalResponse("payRequest has no callback")
	case pay.Metadata == "":
		return nil, apperr.BadExternalResponse("payRequest has no metadata")
	case pay.MinSendable <= 0 || pay.MaxSendable < pay.MinSendable:
		return nil, apperr.BadExternalResponse("invalid sendable range %d..%d", pay.MinSendable, pay.MaxSendable)
	}
	return &pay, nil
}

// ValidatePayment checks an amount and comment against a payRequest.
func ValidatePayment(pay lnurl.PayResponse, amountMsats int64, comment string) error {
	if !lnurl.ValidateAmount(amountMsats, pay.MinSendable, pay.MaxSendable) {
		return apperr.Validation("amount %d msats outside %d..%d", amountMsats, pay.MinSendable, pay.MaxSendable)
	}
	if comment != "" && len([]rune(comment)) > pay.CommentAllowed {
		return apperr.Validation("comment longer than %d characters", pay.CommentAllowed)
	}
	return nil
}

// RequestInvoice asks the external callback for an invoice.
func (r *ExternalResolver) RequestInvoice(ctx context.Context, pay lnurl.PayResponse, amountMsats int64, comment, nostr string) (*lnurl.InvoiceResponse, error) {
	if err := ValidatePayment(pay, amountMsats, comment); err != nil {
		return nil, err
	}

	u, err := url.Parse(pay.Callback)
	if err != nil {
		return nil, apperr.BadExternalResponse("invalid callback url")
	}
	q := u.Query()
	q.Set("amount", strconv.FormatInt(amountMsats, 10))
	if comment != "" {
		q.Set("comment", comment)
	}
	if nostr != "" && pay.AllowsNostr {
		q.Set("nostr", nostr)
	}
	u.RawQuery = q.Encode()

	body, _, err := r.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var res lnurl.CallbackResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, apperr.BadExternalResponse("malformed callback response: %v", err)
	}
	if strings.EqualFold(res.Status, lnurl.StatusError) {
		return nil, apperr.External(errors.New(res.Reason), "lnurl callback error: %s", res.Reason)
	}
	if res.PR == "" {
		return nil, apperr.BadExternalResponse("callback returned no invoice")
	}
	return &res.InvoiceResponse, nil
}

func (r *ExternalResolver) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := r.checkURL(rawURL); err != nil {
		return nil, "", apperr.Validation("refusing to fetch %s: %v", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", apperr.Validation("invalid url: %v", err)
	}
	req.Header.Set("User-Agent", r.opts.UserAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.5")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", apperr.External(err, "lnurl service unavailable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.opts.MaxResponseBytes+1))
	if err != nil {
		return nil, "", apperr.External(err, "reading lnurl response")
	}
	if int64(len(body)) > r.opts.MaxResponseBytes {
		return nil, "", apperr.BadExternalResponse("response exceeds %d bytes", r.opts.MaxResponseBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope lnurl.ErrorResponse
		if json.Unmarshal(body, &envelope) == nil && envelope.Reason != "" {
			return nil, "", apperr.External(fmt.Errorf("status %d", resp.StatusCode), "lnurl service error: %s", envelope.Reason)
		}
		return nil, "", apperr.External(fmt.Errorf("status %d", resp.StatusCode), "lnurl service returned %d", resp.StatusCode)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// checkURL blocks non-http schemes and hosts on loopback or private networks.
func (r *ExternalResolver) checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if r.opts.AllowPrivateHosts {
		return nil
	}
	if isInternalHost(u.Hostname()) {
		return errors.New("internal hosts not allowed")
	}
	return nil
}

func isInternalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return isInternalIP(ip)
}

func isInternalIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// guardDial runs after DNS resolution, so names pointing at internal
// addresses are refused as well.
func guardDial(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	if isInternalIP(ap.Addr()) {
		return fmt.Errorf("dial %s: internal address not allowed", address)
	}
	return nil
}

func metaCacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "lnurl:meta:" + hex.EncodeToString(sum[:])
}

func (r *ExternalResolver) cached(ctx context.Context, rawURL string) (*cachedPayRequest, bool) {
	if r.rdb == nil {
		return nil, false
	}
	data, err := r.rdb.Get(ctx, metaCacheKey(rawURL)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.Warn("metadata cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var c cachedPayRequest
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, false
	}
	return &c, true
}

func (r *ExternalResolver) store(ctx context.Context, rawURL string, c cachedPayRequest) {
	if r.rdb == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, metaCacheKey(rawURL), data, r.opts.CacheTTL).Err(); err != nil {
		r.log.Warn("metadata cache write failed", zap.Error(err))
	}
}

// CacheTTL is how long fetched metadata stays fresh.
func (r *ExternalResolver) CacheTTL() time.Duration {
	return r.opts.CacheTTL
}
