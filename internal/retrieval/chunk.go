package retrieval

// ChunkText splits text into rune-bounded chunks of at most length
// runes, with overlap runes shared between consecutive chunks. Short
// texts come back as a single chunk.
func ChunkText(text string, length, overlap int) []string {
	if length <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= length {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= length {
		return []string{text}
	}

	step := length - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + length
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
