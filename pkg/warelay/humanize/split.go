// Package humanize turns one generated reply into an ordered sequence of
// paced messages that read like human typing, without dividing a
// self-contained structured unit (an itemized listing entry with its
// attribute lines) across two messages.
//
// Atomic-block detection is heuristic pattern matching on numbering,
// bullets and continuation lines. It is best-effort by design, not a
// parser with a formal grammar; the never-split guarantee holds for
// blocks the detection recognizes.
package humanize

import (
	"regexp"
	"strings"
)

// Options controls how a reply is split.
type Options struct {
	// Enabled turns humanization on. Disabled replies pass through as a
	// single chunk.
	Enabled bool

	// ShortTextThreshold is the length at or below which a reply is
	// never split (default: 500).
	ShortTextThreshold int

	// MaxChunkChars is the soft size limit that closes a chunk during
	// packing (default: 900). Overflow into the final chunk may exceed it.
	MaxChunkChars int

	// MaxChunks caps the number of chunks per reply (default: 4).
	MaxChunks int
}

func (o Options) effective() Options {
	if o.ShortTextThreshold <= 0 {
		o.ShortTextThreshold = 500
	}
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = 900
	}
	if o.MaxChunks <= 0 {
		o.MaxChunks = 4
	}
	return o
}

// itemStart matches the first line of a numbered or bulleted item.
var itemStart = regexp.MustCompile(`^\s*(?:\d{1,3}[.)]|[-*•▪])\s+`)

// paragraphGap matches the blank space between paragraphs.
var paragraphGap = regexp.MustCompile(`\n[ \t]*\n+`)

// Split divides a reply into at most MaxChunks ordered chunks. Short or
// non-humanized replies come back as a single chunk identical to the
// input (modulo surrounding whitespace).
func Split(text string, opts Options) []string {
	opts = opts.effective()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !opts.Enabled || len(text) <= opts.ShortTextThreshold {
		return []string{text}
	}

	sep := "\n\n"
	blocks := detectBlocks(text)
	if blocks == nil {
		// Plain prose: paragraph-level, then sentence-level fallback.
		blocks = splitParagraphs(text)
		if len(blocks) <= 1 {
			blocks = splitSentences(text)
			sep = " "
		}
	}
	if len(blocks) <= 1 {
		return []string{text}
	}
	return pack(blocks, opts.MaxChunks, opts.MaxChunkChars, sep)
}

// detectBlocks segments text into atomic blocks when it contains at least
// one itemized entry. An item line starts a block; subsequent non-blank
// lines are its attribute lines; blank lines close blocks. Plain
// paragraphs between items become blocks of their own. Returns nil when
// no item structure is present.
func detectBlocks(text string) []string {
	lines := strings.Split(text, "\n")

	structured := false
	for _, line := range lines {
		if itemStart.MatchString(line) {
			structured = true
			break
		}
	}
	if !structured {
		return nil
	}

	var blocks []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range lines {
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case itemStart.MatchString(line):
			flush()
			cur = append(cur, line)
		default:
			cur = append(cur, line)
		}
	}
	flush()
	return blocks
}

func splitParagraphs(text string) []string {
	parts := paragraphGap.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences breaks prose after sentence-ending punctuation followed
// by a space.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		ch := text[i]
		if (ch == '.' || ch == '!' || ch == '?') && text[i+1] == ' ' {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 2
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// pack greedily fills chunks with whole blocks. A block that would push
// the current chunk past maxChars starts a new one, until only the final
// chunk slot remains; from then on every remaining block is appended to
// the final chunk rather than dropped.
func pack(blocks []string, maxChunks, maxChars int, sep string) []string {
	var chunks []string
	cur := ""
	for _, blk := range blocks {
		switch {
		case cur == "":
			cur = blk
		case len(cur)+len(sep)+len(blk) > maxChars && len(chunks) < maxChunks-1:
			chunks = append(chunks, cur)
			cur = blk
		default:
			cur += sep + blk
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}
