package preprocess

import (
	"regexp"
	"strings"
	"unicode"

	"chatlog-pipeline/internal/domain"
)

type marker struct {
	kind   domain.MessageType
	tokens []string
}

// markers проверяются по порядку, побеждает первое совпадение.
var markers = []marker{
	{kind: domain.MessageImage, tokens: []string{"[图片]", "[Image]", "[Photo]", "[照片]"}},
	{kind: domain.MessageLink, tokens: []string{"[链接]", "[Link]", "[分享]"}},
	{kind: domain.MessageFile, tokens: []string{"[文件]", "[File]"}},
	{kind: domain.MessageMerged, tokens: []string{"[聊天记录]", "[Chat History]", "[合并转发]"}},
	{kind: domain.MessageRedPacket, tokens: []string{"[红包]", "[Red Packet]", "[转账]"}},
	{kind: domain.MessageSticker, tokens: []string{"[动画表情]", "[表情包]", "[Sticker]"}},
}

var (
	bareURLRe    = regexp.MustCompile(`^(?:https?://\S+\s*)+$`)
	emojiTokenRe = regexp.MustCompile(`\[[^\[\]\s]{1,4}\]`)
	bracketFold  = strings.NewReplacer("［", "[", "］", "]")
)

// Classify определяет тип сообщения по телу.
func Classify(body string) domain.MessageType {
	text := bracketFold.Replace(strings.TrimSpace(body))
	for _, m := range markers {
		for _, token := range m.tokens {
			if strings.Contains(text, token) {
				return m.kind
			}
		}
		if m.kind == domain.MessageLink && bareURLRe.MatchString(text) {
			return domain.MessageLink
		}
	}
	if isEmojiOnly(text) {
		return domain.MessageEmoji
	}
	return domain.MessageText
}

func isEmojiOnly(text string) bool {
	rest := emojiTokenRe.ReplaceAllString(text, "")
	if rest == text && !hasSymbol(text) {
		return false
	}
	for _, r := range rest {
		switch {
		case unicode.IsSpace(r):
		case unicode.Is(unicode.So, r), unicode.Is(unicode.Sk, r):
		case r == 0x200d, r >= 0xfe00 && r <= 0xfe0f:
		case r >= 0x1f3fb && r <= 0x1f3ff:
		default:
			return false
		}
	}
	return true
}

func hasSymbol(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.So, r) {
			return true
		}
	}
	return false
}
