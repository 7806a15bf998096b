// Package api implements the REST side of the presentation server:
// collaboration status previews, export jobs and export downloads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/yashness/marp-presentation-creator-sub001/client/model"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultPollInterval   = 2 * time.Second
)

var (
	ErrBadBaseURL   = errors.New("invalid server url")
	ErrStatus       = errors.New("unable to get collaboration status")
	ErrExportStart  = errors.New("unable to start export")
	ErrExportStatus = errors.New("unable to get export job status")
	ErrExportFailed = errors.New("export failed")
	ErrDownload     = errors.New("unable to download export")
)

type (
	Config struct {
		Logger  *zerolog.Logger
		BaseURL string

		// HTTPClient overrides the default client with its request timeout.
		HTTPClient *http.Client

		// PollInterval is the delay between export job polls.
		PollInterval time.Duration
	}

	Client struct {
		logger zerolog.Logger
		httpC  *http.Client
		base   *url.URL
		poll   time.Duration
	}
)

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Join(ErrBadBaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadBaseURL, base.Scheme)
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	httpC := cfg.HTTPClient
	if httpC == nil {
		httpC = &http.Client{Timeout: defaultRequestTimeout}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Client{
		logger: cfg.Logger.With().Str("component", "api-client").Logger(),
		httpC:  httpC,
		base:   base,
		poll:   poll,
	}, nil
}

// CollaborationStatus previews a session without joining it. Callers treat
// any error as "no session info available".
func (c *Client) CollaborationStatus(ctx context.Context, presentationID string) (*model.CollaborationStatus, error) {
	var status model.CollaborationStatus
	err := c.getJSON(ctx, c.endpoint("/api/presentations/"+presentationID+"/collaboration"), &status)
	if err != nil {
		return nil, errors.Join(ErrStatus, err)
	}
	return &status, nil
}

// StartExport submits a conversion job for the presentation.
func (c *Client) StartExport(ctx context.Context, presentationID string, format model.ExportFormat) (*model.ExportJob, error) {
	body, err := json.Marshal(struct {
		Format model.ExportFormat `json:"format"`
	}{Format: format})
	if err != nil {
		return nil, errors.Join(ErrExportStart, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("/api/presentations/"+presentationID+"/export"), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Join(ErrExportStart, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpC.Do(req)
	if err != nil {
		return nil, errors.Join(ErrExportStart, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("%w: unexpected status %s", ErrExportStart, resp.Status)
	}

	var job model.ExportJob
	if err = json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, errors.Join(ErrExportStart, err)
	}
	c.logger.Debug().
		Str("jobID", job.ID).
		Str("format", string(job.Format)).
		Msg("export started")
	return &job, nil
}

// ExportJob fetches the current state of a conversion job.
func (c *Client) ExportJob(ctx context.Context, jobID string) (*model.ExportJob, error) {
	var job model.ExportJob
	err := c.getJSON(ctx, c.endpoint("/api/export/jobs/"+jobID), &job)
	if err != nil {
		return nil, errors.Join(ErrExportStatus, err)
	}
	return &job, nil
}

// WaitForExport polls the job until it reaches a terminal state or the
// context ends. A failed job is returned together with ErrExportFailed so
// the caller still sees the server-side error message.
func (c *Client) WaitForExport(ctx context.Context, jobID string) (*model.ExportJob, error) {
	ticker := backoff.NewTicker(backoff.WithContext(backoff.NewConstantBackOff(c.poll), ctx))
	defer ticker.Stop()

	for range ticker.C {
		job, err := c.ExportJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			if job.Status == model.ExportFailed {
				return job, fmt.Errorf("%w: %s", ErrExportFailed, job.Error)
			}
			return job, nil
		}
		c.logger.Debug().
			Str("jobID", jobID).
			Str("status", string(job.Status)).
			Msg("export not finished yet")
	}
	return nil, ctx.Err()
}

// Download fetches a finished export into w. Relative URLs, as returned
// in completed jobs, are resolved against the client's base.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) error {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return errors.Join(ErrDownload, err)
	}
	target := c.base.ResolveReference(ref).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Join(ErrDownload, err)
	}
	resp, err := c.httpC.Do(req)
	if err != nil {
		return errors.Join(ErrDownload, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %s", ErrDownload, resp.Status)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return errors.Join(ErrDownload, err)
	}
	c.logger.Debug().Int64("bytes", n).Str("url", target).Msg("export downloaded")
	return nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpC.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) endpoint(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}
