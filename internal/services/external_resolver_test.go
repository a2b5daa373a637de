package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/lnurl"
	"github.com/lnurl-bridge/backend/internal/models"
)

type lnurlServer struct {
	*httptest.Server
	hits   atomic.Int32
	routes map[string]http.HandlerFunc
}

func newLnurlServer(t *testing.T) *lnurlServer {
	s := &lnurlServer{routes: map[string]http.HandlerFunc{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if h, ok := s.routes[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *lnurlServer) payRequest(path string) {
	s.routes[path] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, lnurl.PayResponse{
			Callback:       s.URL + "/cb",
			MinSendable:    1000,
			MaxSendable:    1_000_000,
			Metadata:       lnurl.FormatMetadata("Pay carol", "carol@example.org", ""),
			Tag:            lnurl.TagPayRequest,
			CommentAllowed: 50,
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestResolver(t *testing.T, srv *lnurlServer) (*ExternalResolver, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	r := NewExternalResolver(rdb, ExternalResolverOptions{
		Timeout:           2 * time.Second,
		MaxResponseBytes:  4096,
		AllowPrivateHosts: true,
	}, testLogger())
	r.wellKnown = func(a lnurl.LightningAddress) string {
		return srv.URL + "/.well-known/lnurlp/" + a.User
	}
	return r, mr
}

func TestResolveLightningAddressCached(t *testing.T) {
	srv := newLnurlServer(t)
	srv.payRequest("/.well-known/lnurlp/carol")
	r, mr := newTestResolver(t, srv)

	res, err := r.Resolve(context.Background(), "lightning:Carol@Example.org")
	require.NoError(t, err)
	assert.Equal(t, models.TargetLightningAddress, res.Type)
	assert.Equal(t, "carol@example.org", res.Target)
	assert.Equal(t, srv.URL+"/cb", res.PayRequest.Callback)
	assert.Equal(t, int64(1000), res.PayRequest.MinSendable)

	again, err := r.Resolve(context.Background(), "carol@example.org")
	require.NoError(t, err)
	assert.Equal(t, res.PayRequest, again.PayRequest)
	assert.Equal(t, int32(1), srv.hits.Load(), "second resolve is served from cache")

	key := metaCacheKey(srv.URL + "/.well-known/lnurlp/carol")
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 5*time.Minute, mr.TTL(key))
}

func TestResolveLNURL(t *testing.T) {
	srv := newLnurlServer(t)
	srv.payRequest("/lnurlp/tips")
	r, _ := newTestResolver(t, srv)

	encoded, err := lnurl.Encode(srv.URL + "/lnurlp/tips")
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), encoded)
	require.NoError(t, err)
	assert.Equal(t, models.TargetLnurl, res.Type)
	assert.Equal(t, "127.0.0.1", res.Domain)
	assert.Equal(t, lnurl.TagPayRequest, res.PayRequest.Tag)
}

func TestResolveDiscoversLightningOnWebPage(t *testing.T) {
	srv := newLnurlServer(t)
	srv.payRequest("/.well-known/lnurlp/carol")
	srv.routes["/about"] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Carol</title></head>
<body><p>Tip me: <a href="lightning:carol@example.org">carol@example.org</a></p></body></html>`))
	}
	r, _ := newTestResolver(t, srv)

	res, err := r.Resolve(context.Background(), srv.URL+"/about")
	require.NoError(t, err)
	assert.Equal(t, models.TargetURL, res.Type)
	assert.Equal(t, srv.URL+"/about", res.Target)
	assert.Equal(t, srv.URL+"/cb", res.PayRequest.Callback)
}

func TestResolveMetaTagDiscovery(t *testing.T) {
	srv := newLnurlServer(t)
	srv.payRequest("/.well-known/lnurlp/carol")
	srv.routes["/"] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><meta name="lightning" content="carol@example.org"></head><body></body></html>`))
	}
	r, _ := newTestResolver(t, srv)

	res, err := r.Resolve(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), res.PayRequest.MaxSendable)
}

func TestResolveRejections(t *testing.T) {
	srv := newLnurlServer(t)
	srv.routes["/.well-known/lnurlp/wrongtag"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"tag": "withdrawRequest", "callback": "https://x", "metadata": "[]", "minSendable": 1, "maxSendable": 2})
	}
	srv.routes["/.well-known/lnurlp/nocallback"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"tag": "payRequest", "metadata": "[]", "minSendable": 1, "maxSendable": 2})
	}
	srv.routes["/.well-known/lnurlp/badrange"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"tag": "payRequest", "callback": "https://x", "metadata": "[]", "minSendable": 10, "maxSendable": 2})
	}
	srv.routes["/.well-known/lnurlp/errored"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, lnurl.Error("user suspended"))
	}
	srv.routes["/.well-known/lnurlp/huge"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"tag": "payRequest", "padding": strings.Repeat("a", 8192)})
	}
	srv.routes["/.well-known/lnurlp/page"] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}
	r, _ := newTestResolver(t, srv)

	tests := []struct {
		name  string
		input string
		kind  apperr.Kind
	}{
		{"wrong tag", "wrongtag@example.org", apperr.KindBadExternalResponse},
		{"no callback", "nocallback@example.org", apperr.KindBadExternalResponse},
		{"bad range", "badrange@example.org", apperr.KindBadExternalResponse},
		{"error envelope", "errored@example.org", apperr.KindExternalService},
		{"oversized body", "huge@example.org", apperr.KindBadExternalResponse},
		{"html for an address", "page@example.org", apperr.KindBadExternalResponse},
		{"not found", "missing@example.org", apperr.KindExternalService},
		{"unsupported", "ftp://example.org/file", apperr.KindValidation},
		{"empty", "  ", apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.input)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err), "got %v", err)
		})
	}
}

func TestResolveBlocksPrivateHosts(t *testing.T) {
	srv := newLnurlServer(t)
	srv.payRequest("/lnurlp/tips")
	r := NewExternalResolver(nil, ExternalResolverOptions{}, testLogger())

	_, err := r.Resolve(context.Background(), srv.URL+"/lnurlp/tips")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
	assert.Zero(t, srv.hits.Load())
}

func TestRequestInvoice(t *testing.T) {
	srv := newLnurlServer(t)
	var query atomic.Value
	srv.routes["/cb"] = func(w http.ResponseWriter, req *http.Request) {
		query.Store(req.URL.Query())
		writeJSON(w, lnurl.InvoiceResponse{PR: "lnbc210n1external", Routes: []any{}})
	}
	r, _ := newTestResolver(t, srv)

	pay := lnurl.PayResponse{Callback: srv.URL + "/cb?id=7", MinSendable: 1000, MaxSendable: 100_000, CommentAllowed: 10, Tag: lnurl.TagPayRequest}

	res, err := r.RequestInvoice(context.Background(), pay, 21_000, "thanks", "zap-json")
	require.NoError(t, err)
	assert.Equal(t, "lnbc210n1external", res.PR)

	q := query.Load().(url.Values)
	assert.Equal(t, []string{"21000"}, q["amount"])
	assert.Equal(t, []string{"thanks"}, q["comment"])
	assert.Equal(t, []string{"7"}, q["id"])
	assert.Nil(t, q["nostr"], "nostr is only sent when the service allows it")

	_, err = r.RequestInvoice(context.Background(), pay, 500, "", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = r.RequestInvoice(context.Background(), pay, 21_000, "this comment is too long", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestRequestInvoiceErrors(t *testing.T) {
	srv := newLnurlServer(t)
	srv.routes["/err"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, lnurl.Error("amount too low"))
	}
	srv.routes["/empty"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"routes": []any{}})
	}
	r, _ := newTestResolver(t, srv)

	pay := lnurl.PayResponse{MinSendable: 1000, MaxSendable: 100_000}

	pay.Callback = srv.URL + "/err"
	_, err := r.RequestInvoice(context.Background(), pay, 5000, "", "")
	assert.True(t, apperr.IsKind(err, apperr.KindExternalService), "got %v", err)
	assert.Contains(t, apperr.Reason(err), "amount too low")

	pay.Callback = srv.URL + "/empty"
	_, err = r.RequestInvoice(context.Background(), pay, 5000, "", "")
	assert.True(t, apperr.IsKind(err, apperr.KindBadExternalResponse), "got %v", err)
}

func TestIsInternalHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"api.localhost", true},
		{"printer.local", true},
		{"db.internal", true},
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"192.168.0.10", true},
		{"169.254.169.254", true},
		{"::1", true},
		{"0.0.0.0", true},
		{"::ffff:127.0.0.1", true},
		{"::ffff:10.0.0.1", true},
		{"fd00::1", true},
		{"", true},
		{"example.org", false},
		{"8.8.8.8", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, isInternalHost(tt.host))
		})
	}
}

func TestGuardDial(t *testing.T) {
	tests := []struct {
		address string
		wantErr bool
	}{
		{"127.0.0.1:443", true},
		{"[::ffff:127.0.0.1]:80", true},
		{"[::1]:443", true},
		{"10.0.0.5:8080", true},
		{"8.8.8.8:443", false},
		{"[2606:4700::1111]:443", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := guardDial("tcp", tt.address, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResolverRefusesInternalDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewExternalResolver(nil, ExternalResolverOptions{Timeout: time.Second}, testLogger())
	_, err := r.httpClient.Get(srv.URL)
	assert.ErrorContains(t, err, "internal address not allowed")
}
