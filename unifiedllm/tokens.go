package unifiedllm

import (
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates the token length of text for one model family.
type TokenCounter interface {
	Count(text string) int
}

// NewTokenCounter returns a tiktoken counter for the model, falling back to
// the cl100k encoding for unknown models and to a character estimate if no
// codec can be loaded.
func NewTokenCounter(model string) TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
	}
	if err != nil {
		log.Debug().Err(err).Str("model", model).Msg("unifiedllm: no tokenizer codec, using character estimate")
		return CharCounter{}
	}
	return &codecCounter{codec: codec}
}

type codecCounter struct {
	codec tokenizer.Codec
}

func (c *codecCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return CharCounter{}.Count(text)
	}
	return len(ids)
}

// CharCounter estimates four characters per token.
type CharCounter struct{}

func (CharCounter) Count(text string) int {
	return (len(text) + 3) / 4
}
