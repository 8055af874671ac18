// Package tokens counts prompt tokens with tiktoken so oversized prompts are
// rejected before any payment is made.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Chat framing overhead, per message and for assistant priming.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	primingTokens    = 3
)

// Counter counts tokens for chat prompts. Codecs are loaded lazily and cached
// per encoding.
type Counter struct {
	encoding tokenizer.Encoding

	cacheMu    sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter creates a counter for the given encoding name. An empty name
// selects cl100k_base.
func NewCounter(encoding string) *Counter {
	enc := tokenizer.Encoding(strings.TrimSpace(encoding))
	if enc == "" {
		enc = tokenizer.Cl100kBase
	}
	return &Counter{
		encoding:   enc,
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// Encoding returns the configured encoding name.
func (c *Counter) Encoding() string {
	return string(c.encoding)
}

func (c *Counter) codec() (tokenizer.Codec, error) {
	c.cacheMu.RLock()
	if cached, ok := c.codecCache[c.encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(c.encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[c.encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// CountText counts tokens for a plain text string.
func (c *Counter) CountText(text string) (int, error) {
	codec, err := c.codec()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountPrompt counts a user prompt with an optional system prompt, including
// the chat framing the backend adds.
func (c *Counter) CountPrompt(system, prompt string) (int, error) {
	total := primingTokens

	if system != "" {
		n, err := c.CountText(system)
		if err != nil {
			return 0, err
		}
		total += tokensPerMessage + tokensPerRole + n
	}

	n, err := c.CountText(prompt)
	if err != nil {
		return 0, err
	}
	total += tokensPerMessage + tokensPerRole + n

	return total, nil
}

// Estimate approximates a token count from character length, for when no
// codec is available.
func Estimate(text string) int {
	const charsPerToken = 4.0
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}
