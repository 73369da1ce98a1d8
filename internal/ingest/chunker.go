package ingest

import "strings"

const (
	chunkSize    = 1000
	chunkOverlap = 200
)

// separators are tried in order: paragraph breaks first, then lines, then
// words, then a hard character cut as last resort.
var separators = []string{"\n\n", "\n", " ", ""}

// SplitText splits text into overlapping chunks of roughly chunkSize
// characters, preferring to break on natural boundaries.
func SplitText(text string) []string {
	return splitRecursive(text, separators)
}

func splitRecursive(text string, seps []string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{strings.TrimSpace(text)}
	}

	sep := ""
	var remaining []string
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			sep = s
			remaining = seps[i+1:]
			break
		}
	}

	if sep == "" {
		return hardSplit(text)
	}

	var units []string
	for _, piece := range strings.Split(text, sep) {
		if len(piece) > chunkSize {
			units = append(units, splitRecursive(piece, remaining)...)
		} else if strings.TrimSpace(piece) != "" {
			units = append(units, piece)
		}
	}
	return mergeUnits(units, sep)
}

// hardSplit cuts by character position with overlap; used only when no
// separator exists in an oversized span.
func hardSplit(text string) []string {
	var chunks []string
	step := chunkSize - chunkOverlap
	for start := 0; start < len(text); start += step {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		if c := strings.TrimSpace(text[start:end]); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(text) {
			break
		}
	}
	return chunks
}

// mergeUnits greedily packs units into chunks up to chunkSize, carrying a
// tail of previous units forward as overlap between adjacent chunks.
func mergeUnits(units []string, sep string) []string {
	sepLen := len(sep)
	var chunks []string
	var current []string
	total := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		if c := strings.TrimSpace(strings.Join(current, sep)); c != "" {
			chunks = append(chunks, c)
		}
	}

	for _, u := range units {
		extra := 0
		if len(current) > 0 {
			extra = sepLen
		}
		if total+len(u)+extra > chunkSize && len(current) > 0 {
			flush()
			for total > chunkOverlap || (total+len(u)+extra > chunkSize && total > 0) {
				drop := len(current[0])
				if len(current) > 1 {
					drop += sepLen
				}
				total -= drop
				current = current[1:]
				if len(current) == 0 {
					break
				}
			}
		}
		current = append(current, u)
		total += len(u)
		if len(current) > 1 {
			total += sepLen
		}
	}
	flush()
	return chunks
}
