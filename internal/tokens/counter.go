// Package tokens provides token counting for conversation messages.
// Counter is the single source of truth for token accounting: every
// other component (pool sizing, compression budgets, guard thresholds)
// consumes its numbers rather than re-deriving counts.
package tokens

import (
	"fmt"
	"hash/fnv"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
)

// ToolCallOverhead is the fixed token overhead added to tool-role
// messages to approximate the serialization cost of the surrounding
// tool-call envelope (call id, function name, argument framing).
const ToolCallOverhead = 12

// perMessageOverhead approximates the role marker and delimiter tokens
// each chat message carries on the wire.
const perMessageOverhead = 4

// Counter counts tokens with a per-message cache. Counts are exact
// (tiktoken cl100k_base) when the encoding initializes, and a
// character-class heuristic otherwise. The choice is made once, at
// first use.
//
// Counter is an injectable instance, not process state: independent
// sessions and tests construct their own so caches never bleed.
type Counter struct {
	mu    sync.Mutex
	cache map[string]int

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{cache: make(map[string]int)}
}

// CountMessage returns the token count of a message, including role
// overhead and, for tool messages, the tool-call envelope overhead.
// Counts are cached keyed by message ID and a hash of the content, so
// a repeat call for an unchanged message is O(1).
func (c *Counter) CountMessage(m conversation.Message) int {
	return c.CountCached(m.ID, string(m.Role), m.Content)
}

// CountCached counts content tokens with caching. messageID may be
// empty, in which case the result is computed but not cached.
func (c *Counter) CountCached(messageID, role, content string) int {
	var key string
	if messageID != "" {
		key = cacheKey(messageID, content)
		c.mu.Lock()
		if n, ok := c.cache[key]; ok {
			c.mu.Unlock()
			return n
		}
		c.mu.Unlock()
	}

	n := c.countText(content) + perMessageOverhead
	if role == string(conversation.RoleTool) {
		n += ToolCallOverhead
	}

	if key != "" {
		c.mu.Lock()
		c.cache[key] = n
		c.mu.Unlock()
	}
	return n
}

// CountConversation returns the total token count for a message list.
func (c *Counter) CountConversation(msgs []conversation.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}

// CountText counts tokens in raw text without message overhead, used
// for sizing summaries before they become messages.
func (c *Counter) CountText(text string) int {
	return c.countText(text)
}

// ClearCache drops all cached counts.
func (c *Counter) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]int)
}

// CacheSize returns the number of cached entries, for stats reporting.
func (c *Counter) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *Counter) countText(text string) int {
	if text == "" {
		return 0
	}
	c.encOnce.Do(func() {
		// cl100k_base is a reasonable proxy for the open models Ollama
		// serves; exactness matters less than consistency, since every
		// component consumes the same counter.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens approximates a token count from character classes:
// CJK runs about one token per rune, everything else about one token
// per four bytes.
func estimateTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other += utf8.RuneLen(r)
		}
	}
	n := cjk + (other+3)/4
	if n == 0 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3040 && r <= 0x30FF) || // Hiragana, Katakana
		(r >= 0xAC00 && r <= 0xD7AF) // Hangul
}

func cacheKey(messageID, content string) string {
	h := fnv.New64a()
	h.Write([]byte(content))
	return fmt.Sprintf("%s:%x", messageID, h.Sum64())
}
