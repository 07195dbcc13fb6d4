// Package engine talks to the file-organization engine over its local
// HTTP API. The engine is a separate process; the daemon only asks it
// to organize a directory and reads back the outcome.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tidyd/pkg/logx"
)

// Request asks the engine to organize one directory.
type Request struct {
	TargetPath    string `json:"target_path"`
	Instruction   string `json:"instruction,omitempty"`
	ResourceLimit int    `json:"resource_limit,omitempty"`
}

// Result is the engine's report for one run.
type Result struct {
	OK         bool   `json:"ok"`
	FilesMoved int    `json:"files_moved"`
	Message    string `json:"message,omitempty"`
}

// Config locates the engine and bounds how hard we lean on it.
type Config struct {
	BaseURL string
	// Timeout bounds a single organize call. Zero disables the bound;
	// long reorganizations of large directories are expected.
	Timeout time.Duration
	// MaxPerMinute throttles organize calls. Zero means unthrottled.
	MaxPerMinute int
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("engine base url is required")
	}
	cfg.BaseURL = base
	if log.IsZero() {
		log = logx.Nop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxPerMinute)/60.0), 1)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		log:     log,
	}, nil
}

// Organize runs one organization pass and blocks until the engine
// reports back. Waits on the client throttle first.
func (c *Client) Organize(ctx context.Context, r Request) (Result, error) {
	if strings.TrimSpace(r.TargetPath) == "" {
		return Result{}, fmt.Errorf("target_path is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(r)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/organize", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("engine request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("engine returned %s", resp.Status)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("engine response: %w", err)
	}
	c.log.Debug("organize finished",
		logx.String("path", r.TargetPath),
		logx.Bool("ok", res.OK),
		logx.Int("files_moved", res.FilesMoved),
		logx.Duration("took", time.Since(start)),
	)
	if !res.OK {
		msg := res.Message
		if msg == "" {
			msg = "engine reported failure"
		}
		return res, fmt.Errorf("organize %s: %s", r.TargetPath, msg)
	}
	return res, nil
}

// Ping checks the engine's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/healthz", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health: %s", resp.Status)
	}
	return nil
}
