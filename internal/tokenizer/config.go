package tokenizer

import (
	"errors"
	"fmt"

	"github.com/samcharles93/layerscope/internal/loader"
)

const (
	KeyModel  = "tokenizer.ggml.model"
	KeyPre    = "tokenizer.ggml.pre"
	KeyTokens = "tokenizer.ggml.tokens"
	KeyBOS    = "tokenizer.ggml.bos_token_id"
	KeyEOS    = "tokenizer.ggml.eos_token_id"
	KeyPAD    = "tokenizer.ggml.padding_token_id"
	KeyUNK    = "tokenizer.ggml.unknown_token_id"
)

// ErrNoVocab is returned when the container carries no token list.
var ErrNoVocab = errors.New("tokenizer: no vocabulary")

// TokenizerConfig is the vocabulary half of a GGUF tokenizer. Special ids
// are -1 when the container does not name them.
type TokenizerConfig struct {
	Model      string
	Pre        string
	BOSTokenID int
	EOSTokenID int
	PADTokenID int
	UNKTokenID int
	Tokens     []string
}

// FromLoader reads the tokenizer metadata of an opened container.
func FromLoader(ld *loader.Loader) (TokenizerConfig, error) {
	tokens, err := ld.Strings(KeyTokens, 0)
	if err != nil {
		if errors.Is(err, loader.ErrNotFound) {
			return TokenizerConfig{}, ErrNoVocab
		}
		return TokenizerConfig{}, fmt.Errorf("read %s: %w", KeyTokens, err)
	}
	cfg := TokenizerConfig{
		BOSTokenID: specialID(ld, KeyBOS),
		EOSTokenID: specialID(ld, KeyEOS),
		PADTokenID: specialID(ld, KeyPAD),
		UNKTokenID: specialID(ld, KeyUNK),
		Tokens:     tokens,
	}
	cfg.Model, _ = ld.String(KeyModel)
	cfg.Pre, _ = ld.String(KeyPre)
	return cfg, nil
}

func specialID(ld *loader.Loader, key string) int {
	id, ok := ld.Uint32(key)
	if !ok {
		return -1
	}
	return int(id)
}

// TokenString returns the raw piece for a token id when available.
func (t TokenizerConfig) TokenString(id int) string {
	if id < 0 || id >= len(t.Tokens) {
		return ""
	}
	return t.Tokens[id]
}

// Decode renders ids as text using the piece encoding named by Model.
func (t TokenizerConfig) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		b = appendPiece(b, t.Model, t.Tokens[id])
	}
	return string(b), nil
}
