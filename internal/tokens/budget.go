package tokens

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/verigate/internal/domain"
)

// Budget rejects prompts that exceed a token limit.
type Budget struct {
	counter *Counter
	max     int
	logger  *slog.Logger
}

// NewBudget creates a budget of max tokens. A max of zero or less disables the
// check.
func NewBudget(counter *Counter, max int, logger *slog.Logger) *Budget {
	if logger == nil {
		logger = slog.Default()
	}
	return &Budget{counter: counter, max: max, logger: logger}
}

// Max returns the configured limit.
func (b *Budget) Max() int {
	return b.max
}

// Check returns the prompt's token count, or an input error when the prompt is
// over budget. If the codec cannot be loaded the count is estimated.
func (b *Budget) Check(system, prompt string) (int, error) {
	if b == nil || b.max <= 0 {
		return 0, nil
	}

	n, err := b.counter.CountPrompt(system, prompt)
	if err != nil {
		b.logger.Warn("token counting failed, estimating",
			slog.String("encoding", b.counter.Encoding()),
			slog.String("error", err.Error()))
		n = Estimate(system) + Estimate(prompt)
	}

	if n > b.max {
		return n, domain.ErrInput(domain.ErrorCodePromptTooLong,
			fmt.Sprintf("prompt is %d tokens, limit is %d", n, b.max))
	}
	return n, nil
}
