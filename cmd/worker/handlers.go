package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"time"

	"github.com/guido-cesarano/jobq/pkg/artifacts"
	"github.com/guido-cesarano/jobq/pkg/jobs"
	"github.com/guido-cesarano/jobq/pkg/logger"
	"github.com/guido-cesarano/jobq/pkg/worker"
)

// Demo queues served by this worker.
const (
	queueEmail   = "email"
	queueReports = "reports"
	queueImages  = "images"
)

// handlers holds the demo job handlers. scale multiplies the simulated
// latency; zero makes every job instant.
type handlers struct {
	store artifacts.BlobStore
	scale float64
}

// sleep simulates d of work, returning early when ctx is cancelled.
func (h *handlers) sleep(ctx context.Context, d time.Duration) error {
	d = time.Duration(float64(d) * h.scale)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type welcomeEmail struct {
	To   string `json:"to"`
	Name string `json:"name"`
}

func (p *welcomeEmail) Validate() error {
	if p.To == "" {
		return errors.New("missing recipient")
	}
	if _, err := mail.ParseAddress(p.To); err != nil {
		return fmt.Errorf("recipient %q: %w", p.To, err)
	}
	return nil
}

func (h *handlers) welcomeEmail(ctx context.Context, p welcomeEmail, progress worker.ProgressFunc) (any, error) {
	logger.Log.Info().Str("to", p.To).Msg("Sending welcome email...")
	if err := h.sleep(ctx, 200*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]string{"to": p.To, "status": "sent"}, nil
}

type reportRequest struct {
	Report string `json:"report"`
	Rows   int    `json:"rows"`
}

func (p *reportRequest) Validate() error {
	if p.Report == "" {
		return errors.New("missing report name")
	}
	if p.Rows < 0 || p.Rows > 1_000_000 {
		return fmt.Errorf("rows out of range: %d", p.Rows)
	}
	return nil
}

// generateReport writes a CSV in chunks, reporting progress, and uploads it
// to the artifact store. The result carries the download URL.
func (h *handlers) generateReport(ctx context.Context, j *jobs.Job, progress worker.ProgressFunc) (any, error) {
	return worker.JSON(func(ctx context.Context, p reportRequest, progress worker.ProgressFunc) (any, error) {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"row", "report", "value"}); err != nil {
			return nil, err
		}

		const chunks = 10
		for c := 0; c < chunks; c++ {
			for i := c * p.Rows / chunks; i < (c+1)*p.Rows/chunks; i++ {
				if err := w.Write([]string{strconv.Itoa(i + 1), p.Report, strconv.Itoa(i * i % 97)}); err != nil {
					return nil, err
				}
			}
			if err := h.sleep(ctx, 100*time.Millisecond); err != nil {
				return nil, err
			}
			progress((c + 1) * 90 / chunks)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}

		url, err := h.store.Put(ctx, fmt.Sprintf("%s-%s.csv", p.Report, j.ID), buf.Bytes())
		if err != nil {
			return nil, err
		}
		progress(100)
		return map[string]any{"url": url, "rows": p.Rows}, nil
	}).Handle(ctx, j, progress)
}

type resizeImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (p *resizeImage) Validate() error {
	if p.URL == "" {
		return errors.New("missing image url")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", p.Width, p.Height)
	}
	return nil
}

func (h *handlers) resizeImage(ctx context.Context, p resizeImage, progress worker.ProgressFunc) (any, error) {
	logger.Log.Info().Str("url", p.URL).Int("width", p.Width).Int("height", p.Height).Msg("Resizing image...")
	if err := h.sleep(ctx, 250*time.Millisecond); err != nil {
		return nil, err
	}
	progress(50)
	if err := h.sleep(ctx, 250*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{"url": p.URL, "width": p.Width, "height": p.Height}, nil
}

// handlerRegistrar is satisfied by *registry.Registry.
type handlerRegistrar interface {
	RegisterHandler(queueName, jobType string, h worker.Handler) error
}

// register binds every demo handler to its queue.
func (h *handlers) register(reg handlerRegistrar) error {
	bindings := []struct {
		queue, jobType string
		handler        worker.Handler
	}{
		{queueEmail, "welcome-email", worker.JSON(h.welcomeEmail)},
		{queueReports, "generate-report", worker.HandlerFunc(h.generateReport)},
		{queueImages, "resize-image", worker.JSON(h.resizeImage)},
	}
	for _, b := range bindings {
		if err := reg.RegisterHandler(b.queue, b.jobType, b.handler); err != nil {
			return fmt.Errorf("register %s/%s: %w", b.queue, b.jobType, err)
		}
	}
	return nil
}
