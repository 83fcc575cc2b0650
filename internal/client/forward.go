package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/koltyakov/tunnel/internal/netutil"
	"github.com/koltyakov/tunnel/internal/tunnelproto"
)

const (
	forwardTimeout          = 2 * time.Minute
	maxLocalResponseBytes   = 10 * 1024 * 1024
	maxLocalHeaderBytes     = 256 * 1024
	localUnavailableMessage = "Failed to connect to local server"
	responseTooLargeMessage = "Local response too large"
)

// Forwarder replays tunnelled requests against the local service.
type Forwarder struct {
	base   string
	client *http.Client
	// limit is the largest local body sent back; the relay advertises it.
	limit atomic.Int64
}

// NewForwarder targets http://host:port.
func NewForwarder(host string, port int) *Forwarder {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 100
	transport.IdleConnTimeout = 90 * time.Second
	// bodies pass through untouched, compressed or not
	transport.DisableCompression = true
	transport.Proxy = nil
	// headers must fit the frame overhead the relay allows
	transport.MaxResponseHeaderBytes = maxLocalHeaderBytes
	f := &Forwarder{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		client: &http.Client{
			Timeout:   forwardTimeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	f.limit.Store(maxLocalResponseBytes)
	return f
}

// SetResponseLimit caps local response bodies at n bytes. Non-positive n
// restores the default.
func (f *Forwarder) SetResponseLimit(n int64) {
	if n <= 0 {
		n = maxLocalResponseBytes
	}
	f.limit.Store(n)
}

// ResponseLimit returns the current body cap.
func (f *Forwarder) ResponseLimit() int64 {
	return f.limit.Load()
}

// Forward never fails: local errors become synthetic responses. The
// returned response carries req's id.
func (f *Forwarder) Forward(ctx context.Context, req tunnelproto.Request) tunnelproto.Response {
	body, err := tunnelproto.DecodeBody(req.Body)
	if err != nil {
		return textResponse(req.RequestID, http.StatusBadRequest, "Invalid request body")
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	localReq, err := http.NewRequestWithContext(ctx, req.Method, f.base+path, bytes.NewReader(body))
	if err != nil {
		return textResponse(req.RequestID, http.StatusBadRequest, "Invalid request")
	}
	netutil.ApplyHeaders(localReq.Header, req.Headers)
	if len(body) == 0 {
		localReq.Body = http.NoBody
		localReq.ContentLength = 0
	}

	resp, err := f.client.Do(localReq)
	if err != nil {
		return textResponse(req.RequestID, http.StatusBadGateway, localUnavailableMessage)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := f.limit.Load()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return textResponse(req.RequestID, http.StatusBadGateway, "Failed to read local response")
	}
	if int64(len(payload)) > limit {
		return textResponse(req.RequestID, http.StatusBadGateway, responseTooLargeMessage)
	}
	return tunnelproto.Response{
		RequestID: req.RequestID,
		Status:    resp.StatusCode,
		Headers:   netutil.FlattenHeaders(resp.Header),
		Body:      tunnelproto.EncodeBody(payload),
	}
}

func textResponse(id string, status int, msg string) tunnelproto.Response {
	return tunnelproto.Response{
		RequestID: id,
		Status:    status,
		Headers:   map[string]string{"Content-Type": "text/plain"},
		Body:      tunnelproto.EncodeBody([]byte(msg)),
	}
}
