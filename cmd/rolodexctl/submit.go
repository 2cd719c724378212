package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/rolodex/internal/domain/types"
)

const defaultPollInterval = 250 * time.Millisecond

type submitOptions struct {
	baseURL   string
	format    string
	strategy  string
	threshold float64
	wait      bool
	timeout   time.Duration
	poll      time.Duration
}

type submitResponse struct {
	Status    string    `json:"status"`
	Duplicate bool      `json:"duplicate"`
	Job       types.Job `json:"job"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newSubmitCmd() *cobra.Command {
	opts := submitOptions{poll: defaultPollInterval}

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a contact file to a running rolodex server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:9080", "Base URL of the server")
	cmd.Flags().StringVar(&opts.format, "format", "", "File format (default: detect)")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "Merge strategy (default: server setting)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Similarity threshold (default: server setting)")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Wait for the job to finish")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP request timeout")

	return cmd
}

func runSubmit(ctx context.Context, path string, opts submitOptions, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	q := url.Values{}
	q.Set("filename", filepath.Base(path))
	if opts.format != "" {
		q.Set("format", opts.format)
	}
	if opts.strategy != "" {
		q.Set("strategy", opts.strategy)
	}
	if opts.threshold > 0 {
		q.Set("threshold", strconv.FormatFloat(opts.threshold, 'f', -1, 64))
	}
	base := strings.TrimRight(opts.baseURL, "/")
	client := &http.Client{Timeout: opts.timeout}

	var resp submitResponse
	if err := call(ctx, client, http.MethodPost, base+"/imports?"+q.Encode(), data, &resp); err != nil {
		return err
	}
	if resp.Duplicate {
		fmt.Fprintf(out, "duplicate upload of job %s (%s)\n", resp.Job.ID, resp.Job.Status)
	} else {
		fmt.Fprintf(out, "queued job %s\n", resp.Job.ID)
	}
	if !opts.wait {
		return nil
	}

	job := resp.Job
	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	for !job.Status.Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := call(ctx, client, http.MethodGet, base+"/imports/"+url.PathEscape(job.ID), nil, &job); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "job %s %s\n", job.ID, job.Status)
	if job.Analytics != nil {
		printAnalytics(out, *job.Analytics)
	}
	if job.Status != types.JobCompleted {
		return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Failure)
	}
	return nil
}

func call(ctx context.Context, client *http.Client, method, target string, body []byte, into any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		var ae apiError
		if json.NewDecoder(res.Body).Decode(&ae) == nil && ae.Message != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, target, res.StatusCode, ae.Code, ae.Message)
		}
		return fmt.Errorf("%s %s: %s", method, target, res.Status)
	}
	return json.NewDecoder(res.Body).Decode(into)
}
