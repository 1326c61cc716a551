package rules

import (
	"strings"
	"unicode/utf8"

	"chatlog-pipeline/internal/domain"
)

const (
	kocModel      = "model"
	kocCoreDeed   = "core_deed"
	kocMemberName = "member_name"
	kocNiche      = "niche"
	kocResult     = "result"
	kocLink       = "link"
	kocTags       = "tags"
)

// parseKoc разбирает анкету из строк "ключ: значение". Неизвестные ключи пропускаются.
func (e *Extractor) parseKoc(item analyzed) (domain.KocContribution, bool) {
	koc := domain.KocContribution{
		Author:     item.msg.Author,
		Content:    item.msg.Body,
		PostedAt:   item.msg.Timestamp,
		Confidence: domain.ConfidenceRule,
	}
	recognized := 0
	for _, line := range strings.Split(item.msg.Body, "\n") {
		key, value, ok := splitKeyValue(line)
		if !ok {
			continue
		}
		field, known := e.pack.KocKeys[domain.FoldText(key)]
		if !known || value == "" {
			continue
		}
		v := value
		switch field {
		case kocModel:
			koc.Model = &v
		case kocCoreDeed:
			koc.CoreDeed = &v
		case kocMemberName:
			koc.MemberName = &v
		case kocNiche:
			koc.Niche = &v
		case kocResult:
			koc.Result = &v
		case kocLink:
			koc.Link = &v
		case kocTags:
			koc.Tags = splitTags(v)
		default:
			continue
		}
		recognized++
	}
	if recognized < e.pack.KocMinFields {
		return domain.KocContribution{}, false
	}
	return koc, true
}

func splitKeyValue(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "-•*·")
	idx := strings.IndexAny(line, ":：")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.Trim(strings.TrimSpace(line[:idx]), "【】[]")
	_, size := utf8.DecodeRuneInString(line[idx:])
	value := strings.TrimSpace(line[idx+size:])
	if key == "" || len([]rune(key)) > 8 {
		return "", "", false
	}
	return key, value, true
}

func splitTags(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == '，' || r == '、' || r == ' ' || r == '#' || r == '/'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
