package tokenizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/gguf/ggufbuild"
	"github.com/samcharles93/layerscope/internal/loader"
)

func openVocab(t *testing.T, b *ggufbuild.Builder) *loader.Loader {
	t.Helper()
	ld, err := loader.OpenBytes(b.Bytes(), loader.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ld.Close() })
	return ld
}

func TestFromLoader(t *testing.T) {
	ld := openVocab(t, ggufbuild.New().
		Add(KeyModel, gguf.StringValue("llama")).
		AddStrings(KeyTokens, "<s>", "</s>", "▁hello", "<0x0A>").
		Add(KeyBOS, gguf.Uint32Value(0)).
		Add(KeyEOS, gguf.Uint32Value(1)))

	cfg, err := FromLoader(ld)
	require.NoError(t, err)
	assert.Equal(t, "llama", cfg.Model)
	assert.Equal(t, 0, cfg.BOSTokenID)
	assert.Equal(t, 1, cfg.EOSTokenID)
	assert.Equal(t, -1, cfg.PADTokenID)
	assert.Len(t, cfg.Tokens, 4)
	assert.Equal(t, "</s>", cfg.TokenString(1))
	assert.Empty(t, cfg.TokenString(4))

	text, err := cfg.Decode([]int{2, 3})
	require.NoError(t, err)
	assert.Equal(t, " hello\n", text)

	_, err = cfg.Decode([]int{9})
	assert.Error(t, err)
}

func TestFromLoaderWithoutTokens(t *testing.T) {
	ld := openVocab(t, ggufbuild.New().Add(KeyModel, gguf.StringValue("gpt2")))
	_, err := FromLoader(ld)
	assert.True(t, errors.Is(err, ErrNoVocab), "err = %v", err)
}

func TestDecodeByteLevel(t *testing.T) {
	cfg := TokenizerConfig{Model: "gpt2", Tokens: []string{"Ġworld", "Ċ", "é"}}
	text, err := cfg.Decode([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, " world\n", text)
}

func TestBytesToUnicodeIsBijective(t *testing.T) {
	enc, dec := bytesToUnicode()
	require.Len(t, enc, 256)
	require.Len(t, dec, 256)
	for b := range 256 {
		r := enc[byte(b)]
		assert.Equal(t, byte(b), dec[r])
	}
	assert.Equal(t, 'Ġ', enc[' '])
}
