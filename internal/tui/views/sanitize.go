package views

import "strings"

// sanitizeForTerminal strips codepoints that destabilize cell widths in
// tcell. A multi-codepoint emoji degrades to its base character, which
// renders at a stable width.
func sanitizeForTerminal(s string) string {
	return strings.Map(displayRune, s)
}

// displayRune drops skin tone modifiers, the zero width joiner used in
// emoji sequences, and variation selectors.
func displayRune(r rune) rune {
	switch {
	case r == 0x200D:
		return -1
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return -1
	case r >= 0xFE00 && r <= 0xFE0F:
		return -1
	case r >= 0xE0100 && r <= 0xE01EF:
		return -1
	}
	return r
}
