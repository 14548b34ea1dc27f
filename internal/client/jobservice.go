package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/antonkrylov/pit/internal/clierr"
)

// JobService issues plain request/response calls against the platform's HTTP API.
type JobService struct {
	resolver Resolver
	logger   *slog.Logger
}

func NewJobService(resolver Resolver, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &JobService{resolver: resolver, logger: logger}
}

// Do sends one request. A 401 triggers exactly one re-authentication and one retry; the caller
// owns the returned body.
func (s *JobService) Do(ctx context.Context, method, resource string, body any) (*http.Response, error) {
	d, err := s.resolver.Descriptor(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.send(ctx, d, method, resource, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()
	s.logger.Debug("unauthorized; re-authenticating", "resource", resource)
	d, err = s.resolver.Reauthenticate(ctx)
	if err != nil {
		return nil, err
	}
	resp, err = s.send(ctx, d, method, resource, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, clierr.ErrAuthRequired
	}
	return resp, nil
}

func (s *JobService) send(ctx context.Context, d Descriptor, method, resource string, body any) (*http.Response, error) {
	hc, err := d.HTTPClient()
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.ResourceURL(resource), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", d.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	s.logger.Debug("sending", "method", method, "url", req.URL.String())
	resp, err := hc.Do(req)
	if err != nil {
		return nil, clierr.Connection("unable to reach pit", err)
	}
	s.logger.Debug("receiving", "status", resp.StatusCode)
	return resp, nil
}

// StreamLog copies the job's log to w until the platform ends the response or ctx is done.
func (s *JobService) StreamLog(ctx context.Context, job string, w io.Writer) error {
	resp, err := s.Do(ctx, http.MethodGet, "jobs/"+job+"/log", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("decode log stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	if _, err := io.Copy(w, r); err != nil && ctx.Err() == nil {
		return clierr.Connection("log stream interrupted", err)
	}
	return nil
}

type errorBody struct {
	Message string `json:"message"`
}

// checkStatus turns a >299 response into an error carrying the platform's message when it sent one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode <= 299 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
		return fmt.Errorf("%s", eb.Message)
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return fmt.Errorf("%s", text)
	}
	return fmt.Errorf("%d", resp.StatusCode)
}
