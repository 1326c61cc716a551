package telegram

import "strings"

// MessageLimit предельная длина сообщения Telegram в символах.
const MessageLimit = 4096

// Split делит текст на части не длиннее limit символов.
// Сначала ищется граница раздела (пустая строка), затем перевод строки, иначе режется по лимиту.
func Split(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 {
		limit = MessageLimit
	}

	runes := []rune(trimmed)
	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			parts = appendChunk(parts, runes[start:])
			break
		}

		split := lastBreak(runes, start, end, "\n\n")
		if split == -1 {
			split = lastBreak(runes, start, end, "\n")
		}
		if split == -1 {
			split = end
		}
		parts = appendChunk(parts, runes[start:split])

		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}
	return parts
}

// lastBreak возвращает позицию сразу после последнего sep в runes[start:end] или -1.
// Граница в первой половине окна не используется, чтобы части не дробились.
func lastBreak(runes []rune, start, end int, sep string) int {
	sepRunes := []rune(sep)
	floor := start + (end-start)/2
	for i := end; i-len(sepRunes) >= floor; i-- {
		if string(runes[i-len(sepRunes):i]) == sep {
			return i
		}
	}
	return -1
}

func appendChunk(parts []string, chunk []rune) []string {
	text := strings.Trim(string(chunk), "\n")
	if text == "" {
		return parts
	}
	return append(parts, text)
}
