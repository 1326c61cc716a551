package domain

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKC,
			cases.Fold(),
			runes.Remove(runes.In(unicode.Mn)),
			runes.Remove(runes.In(unicode.Cf)),
			width.Fold,
		)
	},
}

// FoldText приводит текст к NFKC, сворачивает регистр и полноширинные формы.
func FoldText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	tr := foldPool.Get().(transform.Transformer)
	out, _, err := transform.String(tr, s)
	tr.Reset()
	foldPool.Put(tr)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

var bracketPairs = map[rune]rune{
	'(': ')',
	'（': '）',
	'[': ']',
	'【': '】',
	'<': '>',
	'《': '》',
}

var suffixSeparators = "|｜/／"

// Nickname результат разбора ника автора.
type Nickname struct {
	Display    string
	Normalized string
	Role       MemberRole
}

// ParseNickname отделяет украшения ника и определяет роль.
// "小王（教练）| 深圳" нормализуется в "小王" с ролью coach.
func ParseNickname(raw string) Nickname {
	display := strings.TrimSpace(raw)
	base, decoration := stripDecorations(display)
	role := RoleFromDecoration(decoration)
	if role == RoleMember {
		role = RoleFromDecoration(base)
	}
	normalized := compact(FoldText(base))
	if normalized == "" {
		normalized = compact(FoldText(display))
	}
	return Nickname{Display: display, Normalized: normalized, Role: role}
}

// NormalizeNickname возвращает только нормализованный ник.
func NormalizeNickname(raw string) string {
	return ParseNickname(raw).Normalized
}

func stripDecorations(s string) (base, decoration string) {
	if idx := strings.IndexAny(s, suffixSeparators); idx >= 0 {
		decoration = s[idx:]
		s = s[:idx]
	}
	var (
		b     strings.Builder
		deco  strings.Builder
		stack []rune
	)
	deco.WriteString(decoration)
	for _, r := range s {
		if closing, ok := bracketPairs[r]; ok {
			stack = append(stack, closing)
			deco.WriteRune(' ')
			continue
		}
		if len(stack) > 0 {
			if r == stack[len(stack)-1] {
				stack = stack[:len(stack)-1]
				continue
			}
			deco.WriteRune(r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), deco.String()
}

func compact(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
