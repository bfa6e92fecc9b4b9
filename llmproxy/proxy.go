package llmproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Proxy forwards requests to LLM upstreams and extracts usage on the way
// back. It carries no per-request state and is safe for concurrent use.
type Proxy struct {
	client        *http.Client
	streamTimeout time.Duration
	logger        *zap.Logger
}

// Result is a complete non-streaming upstream response. Usage is nil when the
// body carried no usage object.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      *ExtractedUsage
}

// StreamSink receives forwarded chunks. The gateway's response writer
// implements it.
type StreamSink interface {
	io.Writer
	Flush()
}

// StreamResult summarizes a finished (or aborted) streaming exchange.
type StreamResult struct {
	StatusCode        int
	Usage             *ExtractedUsage
	Bytes             int64
	UpstreamRequestID string

	// TimedOut is set when the chunk watchdog aborted the upstream; whatever
	// usage was observed before the abort is still reported.
	TimedOut bool
}

func NewProxy(streamTimeout time.Duration, logger *zap.Logger) *Proxy {
	return &Proxy{
		client:        &http.Client{}, // streaming responses manage their own deadline
		streamTimeout: streamTimeout,
		logger:        logger,
	}
}

func (p *Proxy) buildRequest(ctx context.Context, provider *Provider, method, path string, header http.Header, body []byte) (*http.Request, error) {
	url := strings.TrimRight(provider.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	for _, name := range []string{"Content-Type", "Accept", "Anthropic-Version"} {
		if value := header.Get(name); value != "" {
			req.Header.Set(name, value)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	provider.Authorize(req)
	return req, nil
}

// Do forwards a non-streaming request and extracts usage from the response
// body. Upstream error statuses are returned as Results, not errors, so the
// gateway can pass structured upstream errors through.
func (p *Proxy) Do(ctx context.Context, provider *Provider, method, path string, header http.Header, body []byte) (*Result, error) {
	req, err := p.buildRequest(ctx, provider, method, path, header, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUpstreamUnavailable, err)
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}

	if resp.StatusCode == http.StatusOK && provider.NewUsageExtractor != nil {
		usage, err := provider.NewUsageExtractor().Extract(respBody)
		if err != nil {
			p.logger.Warn("usage extraction failed",
				zap.String("provider", provider.Name),
				zap.Error(err))
		} else {
			result.Usage = usage
		}
	}
	return result, nil
}

// DoStream forwards a streaming request, copying chunks to sink as they
// arrive while feeding them to the provider's stream processor. A watchdog
// aborts the upstream when no chunk arrives within the stream timeout.
//
// When the upstream answers with a non-200 status, no bytes are written to
// sink; the error carries the upstream body so the caller can relay it with a
// proper status.
func (p *Proxy) DoStream(ctx context.Context, provider *Provider, method, path string, header http.Header, body []byte, sink StreamSink) (*StreamResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := p.buildRequest(ctx, provider, method, path, header, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	result := &StreamResult{
		StatusCode:        resp.StatusCode,
		UpstreamRequestID: upstreamRequestID(resp.Header),
	}

	if resp.StatusCode != http.StatusOK {
		// Surface the upstream error without committing the client stream.
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return result, fmt.Errorf("%w: upstream status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, errBody)
	}

	var processor StreamProcessor
	if provider.NewStreamProcessor != nil {
		processor = provider.NewStreamProcessor()
	}

	watchdog := time.AfterFunc(p.streamTimeout, cancel)
	defer watchdog.Stop()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(p.streamTimeout)

			chunk := buf[:n]
			if processor != nil {
				processor.ProcessChunk(chunk)
			}
			if _, writeErr := sink.Write(chunk); writeErr != nil {
				// Client went away; keep whatever usage we have.
				p.logger.Debug("client disconnected mid-stream", zap.Error(writeErr))
				break
			}
			sink.Flush()
			result.Bytes += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				result.TimedOut = true
				p.logger.Warn("stream watchdog aborted upstream",
					zap.String("provider", provider.Name),
					zap.Duration("timeout", p.streamTimeout))
				break
			}
			// Upstream disconnect mid-stream: close out with observed usage.
			p.logger.Warn("upstream disconnected mid-stream",
				zap.String("provider", provider.Name),
				zap.Error(readErr))
			break
		}
	}

	if processor != nil {
		result.Usage = processor.Finalize()
	}
	return result, nil
}

func upstreamRequestID(header http.Header) string {
	for _, name := range []string{"X-Request-Id", "Request-Id", "Cf-Ray"} {
		if value := header.Get(name); value != "" {
			return value
		}
	}
	return ""
}
