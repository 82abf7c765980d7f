package research

import "strings"

// Chunk splits markdown into pieces of at most maxChars characters, breaking
// on blank lines where possible. A single paragraph longer than maxChars is
// cut on word boundaries.
func Chunk(markdown string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 2000
	}
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(markdown, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > maxChars {
			flush()
			chunks = append(chunks, splitWords(para, maxChars)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(para) > maxChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}

func splitWords(s string, maxChars int) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, w := range strings.Fields(s) {
		for len(w) > maxChars {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, w[:maxChars])
			w = w[maxChars:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
