package main

// ===========================================================================
// KOREAN CAPTION TOKENIZER
// ===========================================================================
//
// Byte-pair encoding over runes. Korean makes byte-level BPE awkward -
// every syllable block is three UTF-8 bytes - so the base vocabulary is
// the set of runes seen during training and merges grow subword units
// from there. Captions are wrapped BERT-style for the text tower:
//
//	[CLS] tok tok ... [SEP] [PAD] [PAD] ...
//
// padded or truncated to the tower's sequence length, with a mask marking
// the real positions.
//
// The on-disk format is line-oriented text with hex-encoded symbols so
// arbitrary runes survive the round trip.
//
// ===========================================================================

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Special token names and their fixed IDs.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"

	PadID = 0
	UnkID = 1
	ClsID = 2
	SepID = 3
)

type pair struct {
	first, second string
}

func (p pair) String() string {
	return p.first + "+" + p.second
}

// Tokenizer is a rune-level BPE tokenizer for Korean captions.
type Tokenizer struct {
	vocab       map[string]int
	vocabInv    map[int]string
	merges      []pair
	specialToks map[string]int
}

// NewTokenizer creates an empty tokenizer with the special tokens
// pre-registered.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{
		vocab:       make(map[string]int),
		vocabInv:    make(map[int]string),
		specialToks: make(map[string]int),
	}
	for tok, id := range map[string]int{PadToken: PadID, UnkToken: UnkID, ClsToken: ClsID, SepToken: SepID} {
		t.specialToks[tok] = id
		t.vocab[tok] = id
		t.vocabInv[id] = tok
	}
	return t
}

// Train learns a BPE vocabulary from a caption corpus. The base
// vocabulary is every distinct rune; merges are added greedily by pair
// frequency until targetVocabSize symbols exist or no pair repeats.
func (t *Tokenizer) Train(corpus []string, targetVocabSize int) error {
	if targetVocabSize <= len(t.specialToks) {
		return fmt.Errorf("tokenizer: target vocab size %d too small", targetVocabSize)
	}

	// Word frequency table; BPE merges never cross word boundaries.
	wordFreq := make(map[string]int)
	runeSet := make(map[string]bool)
	for _, text := range corpus {
		for _, word := range strings.Fields(text) {
			wordFreq[word]++
			for _, r := range word {
				runeSet[string(r)] = true
			}
		}
	}
	if len(wordFreq) == 0 {
		return fmt.Errorf("tokenizer: empty corpus")
	}

	// Deterministic base vocabulary: specials, then sorted runes.
	runes := make([]string, 0, len(runeSet))
	for r := range runeSet {
		runes = append(runes, r)
	}
	sort.Strings(runes)
	for _, r := range runes {
		t.addSymbol(r)
	}

	// Each word as a mutable symbol sequence.
	words := make([][]string, 0, len(wordFreq))
	freqs := make([]int, 0, len(wordFreq))
	for word, freq := range wordFreq {
		var symbols []string
		for _, r := range word {
			symbols = append(symbols, string(r))
		}
		words = append(words, symbols)
		freqs = append(freqs, freq)
	}

	for len(t.vocab) < targetVocabSize {
		pairFreq := make(map[pair]int)
		for i, symbols := range words {
			for j := 0; j+1 < len(symbols); j++ {
				pairFreq[pair{symbols[j], symbols[j+1]}] += freqs[i]
			}
		}

		best, bestCount := pair{}, 0
		for p, count := range pairFreq {
			if count > bestCount || (count == bestCount && p.String() < best.String()) {
				best, bestCount = p, count
			}
		}
		if bestCount < 2 {
			break
		}

		t.merges = append(t.merges, best)
		t.addSymbol(best.first + best.second)

		for i := range words {
			words[i] = applyMerge(words[i], best)
		}
	}

	return nil
}

// addSymbol registers a symbol with the next free ID.
func (t *Tokenizer) addSymbol(sym string) {
	if _, ok := t.vocab[sym]; ok {
		return
	}
	id := len(t.vocab)
	t.vocab[sym] = id
	t.vocabInv[id] = sym
}

// applyMerge replaces adjacent occurrences of the pair in a symbol
// sequence with the merged symbol.
func applyMerge(symbols []string, merge pair) []string {
	var out []string
	for i := 0; i < len(symbols); i++ {
		if i+1 < len(symbols) && symbols[i] == merge.first && symbols[i+1] == merge.second {
			out = append(out, merge.first+merge.second)
			i++
			continue
		}
		out = append(out, symbols[i])
	}
	return out
}

// Encode tokenizes raw text into IDs without special tokens or padding.
// Runes never seen during training map to [UNK].
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, word := range strings.Fields(text) {
		var symbols []string
		for _, r := range word {
			symbols = append(symbols, string(r))
		}
		for _, merge := range t.merges {
			symbols = applyMerge(symbols, merge)
		}
		for _, sym := range symbols {
			if id, ok := t.vocab[sym]; ok {
				ids = append(ids, id)
			} else {
				ids = append(ids, UnkID)
			}
		}
	}
	return ids
}

// EncodeCaption wraps a caption for the text tower: [CLS] ids [SEP],
// truncated and [PAD]-padded to seqLen. The returned mask is true at the
// real positions.
func (t *Tokenizer) EncodeCaption(text string, seqLen int) ([]int, []bool) {
	if seqLen < 2 {
		panic("tokenizer: seqLen must fit [CLS] and [SEP]")
	}

	body := t.Encode(text)
	if len(body) > seqLen-2 {
		body = body[:seqLen-2]
	}

	ids := make([]int, seqLen)
	mask := make([]bool, seqLen)

	ids[0] = ClsID
	mask[0] = true
	for i, id := range body {
		ids[i+1] = id
		mask[i+1] = true
	}
	ids[len(body)+1] = SepID
	mask[len(body)+1] = true
	// Remaining positions are already PadID / false.

	return ids, mask
}

// Decode converts IDs back to text, skipping special tokens. Word
// boundaries are not recoverable exactly; symbols concatenate directly.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sym, ok := t.vocabInv[id]
		if !ok {
			continue
		}
		if _, special := t.specialToks[sym]; special {
			continue
		}
		sb.WriteString(sym)
	}
	return sb.String()
}

// VocabSize returns the number of symbols including specials.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// Save writes the tokenizer to a file.
func (t *Tokenizer) Save(filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("tokenizer: failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("tokenizer: failed to close file: %w", cerr)
		}
	}()

	w := bufio.NewWriter(f)
	defer func() {
		if ferr := w.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("tokenizer: failed to flush writer: %w", ferr)
		}
	}()

	if _, err = fmt.Fprintln(w, "SPECIAL_TOKENS"); err != nil {
		return fmt.Errorf("tokenizer: write: %w", err)
	}
	for tok, id := range t.specialToks {
		if _, err = fmt.Fprintf(w, "%s\t%d\n", tok, id); err != nil {
			return fmt.Errorf("tokenizer: write: %w", err)
		}
	}

	// Hex encoding keeps arbitrary runes line-safe.
	if _, err = fmt.Fprintln(w, "VOCAB"); err != nil {
		return fmt.Errorf("tokenizer: write: %w", err)
	}
	ids := make([]int, 0, len(t.vocabInv))
	for id := range t.vocabInv {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		sym := t.vocabInv[id]
		if _, special := t.specialToks[sym]; special {
			continue
		}
		if _, err = fmt.Fprintf(w, "%s\t%d\n", hex.EncodeToString([]byte(sym)), id); err != nil {
			return fmt.Errorf("tokenizer: write: %w", err)
		}
	}

	if _, err = fmt.Fprintln(w, "MERGES"); err != nil {
		return fmt.Errorf("tokenizer: write: %w", err)
	}
	for _, merge := range t.merges {
		first := hex.EncodeToString([]byte(merge.first))
		second := hex.EncodeToString([]byte(merge.second))
		if _, err = fmt.Fprintf(w, "%s %s\n", first, second); err != nil {
			return fmt.Errorf("tokenizer: write: %w", err)
		}
	}

	return nil
}

// Load reads a tokenizer from a file, replacing the current state.
func (t *Tokenizer) Load(filename string) error {
	loaded := NewTokenizer()

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("tokenizer: failed to open file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	section := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "SPECIAL_TOKENS", "VOCAB", "MERGES":
			section = line
			continue
		}

		switch section {
		case "SPECIAL_TOKENS":
			parts := strings.Split(line, "\t")
			if len(parts) != 2 {
				return fmt.Errorf("tokenizer: malformed special token line %q", line)
			}
			var id int
			if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil {
				return fmt.Errorf("tokenizer: failed to parse special token ID: %w", err)
			}
			loaded.specialToks[parts[0]] = id
			loaded.vocab[parts[0]] = id
			loaded.vocabInv[id] = parts[0]

		case "VOCAB":
			parts := strings.Split(line, "\t")
			if len(parts) != 2 {
				return fmt.Errorf("tokenizer: malformed vocab line %q", line)
			}
			raw, err := hex.DecodeString(parts[0])
			if err != nil {
				return fmt.Errorf("tokenizer: failed to decode vocab symbol: %w", err)
			}
			var id int
			if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil {
				return fmt.Errorf("tokenizer: failed to parse vocab ID: %w", err)
			}
			loaded.vocab[string(raw)] = id
			loaded.vocabInv[id] = string(raw)

		case "MERGES":
			parts := strings.Split(line, " ")
			if len(parts) != 2 {
				return fmt.Errorf("tokenizer: malformed merge line %q", line)
			}
			first, err := hex.DecodeString(parts[0])
			if err != nil {
				return fmt.Errorf("tokenizer: failed to decode merge: %w", err)
			}
			second, err := hex.DecodeString(parts[1])
			if err != nil {
				return fmt.Errorf("tokenizer: failed to decode merge: %w", err)
			}
			loaded.merges = append(loaded.merges, pair{string(first), string(second)})

		default:
			return fmt.Errorf("tokenizer: content before section header: %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("tokenizer: failed to read file: %w", err)
	}

	*t = *loaded
	return nil
}
