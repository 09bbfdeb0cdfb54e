package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/aristath/concord/internal/provider"
)

// Canned bodies are keyed off the prompt alone so independent providers
// usually land on the same answer and consensus has something to agree on.
var answerBodies = []string{
	"Broke the work into three steps and finished each with checks in place.",
	"Settled on the smallest change that satisfies the stated goal.",
	"Reused the pattern from the neighbouring module and adjusted the edges.",
	"Validated the approach against the definition of done before answering.",
}

// A minority of provider/prompt pairs dissent to keep rounds interesting.
var dissentBodies = []string{
	"Took a different route and rewrote the surrounding section instead.",
	"Flagged the task as underspecified and chose the conservative option.",
}

// simulatedProvider fabricates deterministic responses locally so the demo
// binary runs without real model endpoints or API keys.
type simulatedProvider struct {
	id   string
	cost float64
}

func newSimulated(id string, cost float64) *simulatedProvider {
	return &simulatedProvider{id: id, cost: cost}
}

func (p *simulatedProvider) ID() string { return p.id }

func (p *simulatedProvider) Invoke(ctx context.Context, req provider.Request) (*provider.Result, error) {
	promptHash := hashOf(req.Prompt)
	pairHash := hashOf(p.id + "|" + req.Prompt)

	// 20-100ms, varied per provider/prompt pair
	delay := 20*time.Millisecond + time.Duration(pairHash%80)*time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	body := answerBodies[promptHash%uint64(len(answerBodies))]
	if pairHash%5 == 0 {
		body = dissentBodies[pairHash%uint64(len(dissentBodies))]
	}

	return &provider.Result{
		Content:    fmt.Sprintf("%s %s", headline(req.Prompt), body),
		Confidence: 0.75 + float64(pairHash%20)/100,
		Cost:       p.cost,
		Tokens:     len(req.Prompt)/4 + 40,
	}, nil
}

// headline echoes the first prompt line so answers visibly track their task.
func headline(prompt string) string {
	line := prompt
	if i := strings.IndexByte(prompt, '\n'); i >= 0 {
		line = prompt[:i]
	}
	return strings.TrimSpace(line)
}

func hashOf(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
