package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"smart-report-generator/internal/models"
)

// ErrSimulatedFailure is the transient error injected by SimulatedGenerator.
var ErrSimulatedFailure = errors.New("simulated report generation failure")

// Generator produces the artifact for one report and returns its result URL.
type Generator interface {
	Generate(ctx context.Context, r models.Report) (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, r models.Report) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, r models.Report) (string, error) {
	return f(ctx, r)
}

// ResultURL is the public location of the artifact for report id.
func ResultURL(id int64) string {
	return fmt.Sprintf("/reports/%d.txt", id)
}

// SimulatedGenerator stands in for real report rendering: it waits for a
// fixed delay, fails with the configured probability and otherwise writes a
// small text artifact.
type SimulatedGenerator struct {
	delay       time.Duration
	failureRate float64
	uploader    Uploader
	chance      func() float64
	now         func() time.Time
}

func NewSimulatedGenerator(delay time.Duration, failureRate float64, uploader Uploader) *SimulatedGenerator {
	return &SimulatedGenerator{
		delay:       delay,
		failureRate: failureRate,
		uploader:    uploader,
		chance:      rand.Float64, //nolint:gosec
		now:         time.Now,
	}
}

func (g *SimulatedGenerator) Generate(ctx context.Context, r models.Report) (string, error) {
	timer := time.NewTimer(g.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}

	if g.chance() < g.failureRate {
		return "", ErrSimulatedFailure
	}

	key := fmt.Sprintf("%d.txt", r.ID)
	if _, err := g.uploader.Upload(ctx, key, g.render(r), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return ResultURL(r.ID), nil
}

func (g *SimulatedGenerator) render(r models.Report) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Report #%d\n", r.ID)
	fmt.Fprintf(&b, "Title: %s\n", r.Title)
	fmt.Fprintf(&b, "Requested: %s\n", r.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Generated: %s\n", g.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Attempt: %d\n", r.RetryCount+1)
	return []byte(b.String())
}
