package tokenizer

import (
	"strings"
	"sync"
)

// sentencePieceSpace marks a leading space in SentencePiece vocabularies.
const sentencePieceSpace = "▁"

var byteDecoder = sync.OnceValue(func() map[rune]byte {
	_, dec := bytesToUnicode()
	return dec
})

func appendPiece(b []byte, model, piece string) []byte {
	switch model {
	case "gpt2":
		dec := byteDecoder()
		for _, r := range piece {
			if by, ok := dec[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
		return b
	case "llama":
		if by, ok := byteFallback(piece); ok {
			return append(b, by)
		}
		return append(b, strings.ReplaceAll(piece, sentencePieceSpace, " ")...)
	default:
		return append(b, piece...)
	}
}

// byteFallback decodes SentencePiece byte tokens of the form <0xAB>.
func byteFallback(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	hi, ok1 := hexNibble(piece[3])
	lo, ok2 := hexNibble(piece[4])
	if !ok1 || !ok2 {
		return 0, false
	}
	return hi<<4 | lo, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// bytesToUnicode is the GPT-2 byte-level alphabet: printable bytes map to
// themselves, the rest to code points from 256 upward.
func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	direct := make(map[int]bool, len(bs))
	for _, v := range bs {
		direct[v] = true
	}
	cs := make([]int, len(bs))
	copy(cs, bs)
	n := 0
	for b := 0; b < 256; b++ {
		if !direct[b] {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	enc := make(map[byte]rune, len(bs))
	dec := make(map[rune]byte, len(bs))
	for i := range bs {
		enc[byte(bs[i])] = rune(cs[i])
		dec[rune(cs[i])] = byte(bs[i])
	}
	return enc, dec
}
