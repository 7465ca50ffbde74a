package ratelimit

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rhuss/dialog/pkg/api"
)

const (
	perTurnOverhead  = 4
	fallbackEncoding = "cl100k_base"
)

// Estimator counts tokens for budget reservations. It uses the model's
// tiktoken encoding when known, cl100k_base otherwise, and a four characters
// per token heuristic when no encoding can be loaded.
type Estimator struct {
	once      sync.Once
	model     string
	heuristic bool
	encoder   *tiktoken.Tiktoken
}

// NewEstimator creates an Estimator for model. The encoding is loaded on
// first use unless Load is called earlier. tiktoken-go downloads missing BPE
// tables over HTTP, so servers should call Load at startup.
func NewEstimator(model string) *Estimator {
	return &Estimator{model: model}
}

// NewHeuristicEstimator creates an Estimator that never loads an encoding.
func NewHeuristicEstimator() *Estimator {
	return &Estimator{heuristic: true}
}

// Load resolves the encoding now and reports whether one is in use. It is
// safe to call more than once.
func (e *Estimator) Load() bool {
	e.load()
	return e.encoder != nil
}

func (e *Estimator) load() {
	e.once.Do(func() {
		if e.heuristic {
			return
		}
		if e.model != "" {
			if enc, err := tiktoken.EncodingForModel(e.model); err == nil {
				e.encoder = enc
				return
			}
		}
		enc, err := tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			slog.Warn("token encoding unavailable, using character heuristic", "error", err)
			return
		}
		e.encoder = enc
	})
}

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.load()
	if e.encoder != nil {
		return len(e.encoder.Encode(text, nil, nil))
	}
	return heuristicCount(text)
}

// EstimateTurns sums the token estimate of a conversation history,
// including tool call names and arguments, plus per-turn framing overhead.
func (e *Estimator) EstimateTurns(turns []api.Turn) int {
	total := 0
	for _, t := range turns {
		total += perTurnOverhead + e.Count(t.Content)
		for _, tc := range t.ToolCalls {
			total += e.Count(tc.Name) + e.Count(tc.Arguments)
		}
	}
	return total
}

func heuristicCount(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
