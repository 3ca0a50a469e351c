// Package tokens estimates how many model tokens a piece of text occupies.
package tokens

import (
	"fmt"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Counter returns the token count of text.
type Counter func(text string) int

// Approx estimates one token per four characters, rounded up.
func Approx(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Names accepted by New.
const (
	NameApprox = "approx"
	NameCL100K = string(tokenizer.Cl100kBase)
	NameO200K  = string(tokenizer.O200kBase)
)

// New returns the counter registered under name. An empty name selects Approx.
func New(name string) (Counter, error) {
	switch name {
	case "", NameApprox:
		return Approx, nil
	case NameCL100K, NameO200K:
		return Tiktoken(tokenizer.Encoding(name))
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}

// Tiktoken returns an exact counter for a BPE encoding. Text the codec
// rejects falls back to Approx.
func Tiktoken(enc tokenizer.Encoding) (Counter, error) {
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", enc, err)
	}
	return func(text string) int {
		ids, _, err := codec.Encode(text)
		if err != nil {
			return Approx(text)
		}
		return len(ids)
	}, nil
}
