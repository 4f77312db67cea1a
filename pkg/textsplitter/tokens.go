package textsplitter

import "strings"

// charsPerToken is the estimation ratio used everywhere token counts
// matter. Embedding models average roughly four characters per token on
// English prose; the budget layer keeps a 5% safety margin on top.
const charsPerToken = 4

// EstimateTokens estimates the token count of text. Non-empty text always
// counts as at least one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// TokensToChars converts a token budget to a character allowance.
func TokensToChars(tokens int) int {
	return tokens * charsPerToken
}

// TruncateToTokens truncates text to at most maxTokens, cutting at a word
// boundary where possible. Returns text unchanged when it already fits.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := TokensToChars(maxTokens)
	if len(text) <= limit {
		return text
	}
	return strings.TrimSpace(cutAtWord(text, limit))
}

// TruncateHeadTail truncates text to at most maxTokens, keeping the first
// two thirds of the allowance from the start and the last third from the
// end, joined by marker. Beginnings carry topic sentences and endings carry
// conclusions; the middle is the safest part to drop. The marker's own
// tokens are paid for out of the allowance.
func TruncateHeadTail(text string, maxTokens int, marker string) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := TokensToChars(maxTokens)
	if len(text) <= limit {
		return text
	}

	avail := limit - len(marker)
	if avail <= 0 {
		return strings.TrimSpace(cutAtWord(text, limit))
	}

	headLen := avail * 2 / 3
	tailLen := avail - headLen

	head := strings.TrimSpace(cutAtWord(text, headLen))
	tail := strings.TrimSpace(cutAtWordReverse(text, tailLen))

	return head + marker + tail
}

// cutAtWord returns the longest prefix of text at most limit bytes long,
// backed up to a space where one exists.
func cutAtWord(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && text[cut] != ' ' && text[cut] != '\n' {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return text[:cut]
}

// cutAtWordReverse returns the longest suffix of text at most limit bytes
// long, advanced to a space where one exists.
func cutAtWordReverse(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	start := len(text) - limit
	for start < len(text) && text[start] != ' ' && text[start] != '\n' {
		start++
	}
	if start >= len(text) {
		start = len(text) - limit
	}
	return text[start:]
}
