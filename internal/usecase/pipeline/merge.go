package pipeline

import (
	"sort"

	"chatlog-pipeline/internal/domain"
)

// Merge объединяет результаты правил и модели. При совпадении ключа побеждает модель,
// записи только из правил сохраняются. Сумма из правил дополняет новость модели без суммы.
// Теги сообщений берутся только из результата модели.
func Merge(rule, llm domain.ExtractionResult) domain.ExtractionResult {
	out := domain.ExtractionResult{Confidence: domain.ConfidenceLLM, Tags: llm.Tags}

	out.Questions = mergeBy(rule.Questions, llm.Questions,
		func(q domain.QuestionAnswer) string { return q.Key() },
		nil)
	sort.SliceStable(out.Questions, func(i, j int) bool {
		return out.Questions[i].QuestionTime.Before(out.Questions[j].QuestionTime)
	})

	out.GoodNews = mergeBy(rule.GoodNews, llm.GoodNews,
		func(g domain.GoodNewsItem) string { return g.Key() },
		backfillAmount)
	sort.SliceStable(out.GoodNews, func(i, j int) bool {
		return out.GoodNews[i].PostedAt.Before(out.GoodNews[j].PostedAt)
	})

	out.Koc = mergeBy(rule.Koc, llm.Koc,
		func(k domain.KocContribution) string { return k.Key() },
		backfillKoc)
	sort.SliceStable(out.Koc, func(i, j int) bool {
		return out.Koc[i].PostedAt.Before(out.Koc[j].PostedAt)
	})

	out.Stars = mergeBy(rule.Stars, llm.Stars,
		func(s domain.StarStudentRecord) string { return s.Key() },
		func(llm, rule domain.StarStudentRecord) domain.StarStudentRecord {
			if llm.RevenueLevel == domain.RevenueNone {
				llm.RevenueLevel = rule.RevenueLevel
			}
			return llm
		})
	sort.SliceStable(out.Stars, func(i, j int) bool {
		return out.Stars[i].PostedAt.Before(out.Stars[j].PostedAt)
	})
	return out
}

func mergeBy[T any](rule, llm []T, key func(T) string, fill func(llm, rule T) T) []T {
	byKey := make(map[string]T, len(rule))
	for _, item := range rule {
		if _, ok := byKey[key(item)]; !ok {
			byKey[key(item)] = item
		}
	}
	out := make([]T, 0, len(rule)+len(llm))
	taken := make(map[string]struct{}, len(llm))
	for _, item := range llm {
		k := key(item)
		if match, ok := byKey[k]; ok && fill != nil {
			item = fill(item, match)
		}
		taken[k] = struct{}{}
		out = append(out, item)
	}
	for _, item := range rule {
		k := key(item)
		if _, ok := taken[k]; ok {
			continue
		}
		taken[k] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func backfillAmount(llm, rule domain.GoodNewsItem) domain.GoodNewsItem {
	if llm.Amount == nil && rule.Amount != nil {
		amount := *rule.Amount
		llm.Amount = &amount
		if llm.Currency == "" {
			llm.Currency = rule.Currency
		}
	}
	if llm.RevenueLevel == domain.RevenueNone {
		llm.RevenueLevel = rule.RevenueLevel
	}
	return llm
}

func backfillKoc(llm, rule domain.KocContribution) domain.KocContribution {
	fill := func(dst **string, src *string) {
		if *dst == nil && src != nil {
			v := *src
			*dst = &v
		}
	}
	fill(&llm.Model, rule.Model)
	fill(&llm.CoreDeed, rule.CoreDeed)
	fill(&llm.MemberName, rule.MemberName)
	fill(&llm.Niche, rule.Niche)
	fill(&llm.Result, rule.Result)
	fill(&llm.Link, rule.Link)
	return llm
}
