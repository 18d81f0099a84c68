package engine

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const genericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// NewHTTPClient builds a client suitable for sharing across every Engine
// the Coordinator dispatches: connection reuse tuned for many concurrent
// ranged GETs against the same host, compression disabled so
// Content-Length and Range math stay exact.
func NewHTTPClient() *http.Client {
	return newHTTPClient()
}

// newHTTPClient builds the shared client every Engine's probes and segment
// requests go through: connection reuse tuned for many concurrent ranged
// GETs against the same host, compression disabled so Content-Length and
// Range math stay exact.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	return &http.Client{Transport: transport, Timeout: 0}
}

func newRequest(ctx context.Context, method, urlStr string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", genericUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")
	return req, nil
}

// ProbeResult carries what the plan phase needs from an unranged GET:
// resource size, advisory range support, and a filename hint.
type ProbeResult struct {
	Size         int64
	Filename     string
	AcceptRanges bool
	ETag         string
	LastModified string
}

// ProbeURL issues an unranged GET and inspects headers only. Accept-Ranges
// is advisory — its absence does not downgrade the plan to a single
// segment, since many servers honor Range headers silently without
// advertising support for them.
func ProbeURL(ctx context.Context, client *http.Client, urlStr string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := newRequest(ctx, http.MethodGet, urlStr)
	if err != nil {
		return nil, friendlyError(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, friendlyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, friendlyHTTPError(resp.StatusCode)
	}

	filename := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			filename = params["filename"]
		}
	}
	if filename == "" {
		filename = filepath.Base(resp.Request.URL.Path)
		if filename == "." || filename == "/" {
			filename = ""
		}
	}

	size := resp.ContentLength
	if size <= 0 {
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = n
			}
		}
	}
	if size <= 0 {
		return nil, fmt.Errorf("probe: server did not report a usable Content-Length")
	}

	return &ProbeResult{
		Size:         size,
		Filename:     filename,
		AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func friendlyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return fmt.Errorf("server not found: check the URL is correct")
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("server is offline or unreachable")
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("connection timed out")
	case strings.Contains(msg, "certificate"):
		return fmt.Errorf("SSL certificate error")
	case strings.Contains(msg, "network is unreachable"):
		return fmt.Errorf("no internet connection")
	default:
		return fmt.Errorf("connection failed: %w", err)
	}
}

func friendlyHTTPError(status int) error {
	switch status {
	case 404:
		return fmt.Errorf("file not found on server (404)")
	case 403:
		return fmt.Errorf("access denied by server (403)")
	case 401:
		return fmt.Errorf("authentication required (401)")
	case 500, 502, 503:
		return fmt.Errorf("server error, try again later (%d)", status)
	case 429:
		return fmt.Errorf("too many requests, wait and try again")
	default:
		return fmt.Errorf("server returned error %d", status)
	}
}
