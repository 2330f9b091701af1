// Package worker talks to the feature-extraction worker: job submission in
// local (shared filesystem) or remote (upload) mode, status queries,
// cancellation, and the health probe the queue engine gates on. It also
// supervises the worker subprocess when colocated.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"decklab/internal/config"
	"decklab/internal/logging"
	"decklab/internal/store"
)

// Stem delivery modes declared at submission time.
const (
	StemDeliveryPath     = "path"     // worker leaves files on the shared fs
	StemDeliveryCallback = "callback" // worker ships bytes/URLs in the callback
)

// ErrUnknownJob is returned when the worker has no record of a job id.
var ErrUnknownJob = fmt.Errorf("worker: unknown job")

// Client submits analysis jobs to the worker over HTTP. Results never come
// back on these calls; they arrive asynchronously on the callback endpoint.
type Client struct {
	baseURL     string
	remote      bool
	callbackURL string
	control     *http.Client // short timeout for control calls
	upload      *http.Client // long timeout for audio uploads
}

// NewClient builds a worker client from configuration. Control calls use
// the configured request timeout; uploads get ten times that.
func NewClient(cfg config.WorkerConfig, callbackURL string) *Client {
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.ServerURL, "/"),
		remote:      cfg.Remote,
		callbackURL: callbackURL,
		control:     &http.Client{Timeout: timeout},
		upload:      &http.Client{Timeout: 10 * timeout},
	}
}

type submitAck struct {
	JobID string `json:"job_id"`
}

// Submit sends a job to the worker and returns the worker-side job id.
// The job id on the wire is the content hash; the worker echoes it back.
func (c *Client) Submit(ctx context.Context, job *store.AnalysisJob) (string, error) {
	if c.remote {
		return c.submitUpload(ctx, job)
	}
	return c.submitLocal(ctx, job)
}

// submitLocal tells the worker to read the file from the shared filesystem.
func (c *Client) submitLocal(ctx context.Context, job *store.AnalysisJob) (string, error) {
	body := map[string]interface{}{
		"file_path":          job.FilePath,
		"track_hash":         job.TrackHash,
		"options":            job.Options,
		"callback_url":       c.callbackURL,
		"stem_delivery_mode": StemDeliveryPath,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	logging.Worker("submitting job %s (local mode)", job.TrackHash)
	return c.doSubmit(c.control, req)
}

// submitUpload streams the audio bytes to a worker on another host.
func (c *Client) submitUpload(ctx context.Context, job *store.AnalysisJob) (string, error) {
	f, err := os.Open(job.FilePath)
	if err != nil {
		return "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()

		opts, err := json.Marshal(job.Options)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		fields := map[string]string{
			"track_hash":         job.TrackHash,
			"options":            string(opts),
			"callback_url":       c.callbackURL,
			"stem_delivery_mode": StemDeliveryCallback,
		}
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("file", filepath.Base(job.FilePath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/jobs", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	logging.Worker("uploading job %s (remote mode)", job.TrackHash)
	return c.doSubmit(c.upload, req)
}

func (c *Client) doSubmit(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("worker submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("worker rejected submission: %s: %s",
			resp.Status, strings.TrimSpace(string(body)))
	}

	var ack submitAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("failed to decode submission ack: %w", err)
	}
	if ack.JobID == "" {
		return "", fmt.Errorf("worker ack missing job_id")
	}
	return ack.JobID, nil
}

// JobStatus is the worker-side view of a job.
type JobStatus struct {
	JobID           string   `json:"job_id"`
	Status          string   `json:"status"`
	StagesCompleted []string `json:"stages_completed"`
}

// Status queries the worker for a job. ErrUnknownJob on 404.
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.control.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker status query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnknownJob
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker status query: %s", resp.Status)
	}
	var st JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode worker status: %w", err)
	}
	return &st, nil
}

// Cancel asks the worker to abandon a job. Unknown jobs are not an error;
// cancellation is best-effort by contract.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return err
	}
	resp, err := c.control.Do(req)
	if err != nil {
		return fmt.Errorf("worker cancel failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound, http.StatusOK:
		return nil
	default:
		return fmt.Errorf("worker cancel: %s", resp.Status)
	}
}

// Healthy probes the worker's liveness endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.control.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var h struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return false
	}
	return h.Status == "ok"
}
