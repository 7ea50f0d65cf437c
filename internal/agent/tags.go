package agent

import "strings"

// Inline tag extraction. Models are prompted to emit <status>...</status> and
// <title>...</title> markers inside their visible text; these must be stripped
// from the streamed deltas and surfaced as side-band events instead. A tag can
// be split across any number of streaming chunks, so a per-tag suffix buffer
// carries partial matches between deltas.

// extractTag processes one delta for a single tag name. buffer is the pending
// text carried over from earlier deltas for this tag; text is the new delta.
// It returns the clean text to emit, the new buffer, and the trimmed inner
// contents of every complete tag found.
func extractTag(buffer, text, tag string) (clean, newBuffer string, found []string) {
	open := "<" + tag + ">"
	close := "</" + tag + ">"
	t := buffer + text

	// Consume complete tags first; there can be several in one chunk.
	for {
		start := strings.Index(t, open)
		if start < 0 {
			break
		}
		end := strings.Index(t[start+len(open):], close)
		if end < 0 {
			break
		}
		inner := t[start+len(open) : start+len(open)+end]
		found = append(found, strings.TrimSpace(inner))
		t = t[:start] + t[start+len(open)+end+len(close):]
	}

	// An unterminated opening tag buffers everything from the tag onward.
	if start := strings.Index(t, open); start >= 0 {
		return t[:start], t[start:], found
	}

	// A trailing prefix of the opening tag (e.g. "<sta") might complete in
	// the next delta; hold it back.
	for n := len(open) - 1; n > 0; n-- {
		if strings.HasSuffix(t, open[:n]) {
			return t[:len(t)-n], t[len(t)-n:], found
		}
	}

	return t, "", found
}

// streamTags are the tag names recognised in assistant text, in the order
// they are extracted.
var streamTags = []string{"status", "title"}

// maxTitleLen caps generated session titles.
const maxTitleLen = 60

// extractStreamTags runs extractTag for every recognised tag over one delta,
// threading the per-tag buffers, and returns the clean text plus the matches
// per tag.
func extractStreamTags(buffers map[string]string, text string) (string, map[string][]string) {
	clean := text
	var found map[string][]string
	for _, tag := range streamTags {
		var matches []string
		clean, buffers[tag], matches = extractTag(buffers[tag], clean, tag)
		if len(matches) > 0 {
			if found == nil {
				found = make(map[string][]string, len(streamTags))
			}
			found[tag] = matches
		}
	}
	return clean, found
}
