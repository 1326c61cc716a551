package pipeline

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chatlog-pipeline/internal/domain"
)

func mustContain(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("ожидали %q в:\n%s", substr, s)
	}
}

func TestMergeLLMWinsOnCollision(t *testing.T) {
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	amount := 500.0
	rule := domain.ExtractionResult{
		Confidence: domain.ConfidenceRule,
		Questions: []domain.QuestionAnswer{
			{AskerName: "A", Question: "怎么部署？", QuestionTime: at, Confidence: domain.ConfidenceRule},
			{AskerName: "C", Question: "有没有模板", QuestionTime: at.Add(time.Hour), Confidence: domain.ConfidenceRule},
		},
		GoodNews: []domain.GoodNewsItem{
			{Author: "B", Content: "出单了 500美金", Category: domain.GoodNewsRevenue, Amount: &amount, Currency: "USD", RevenueLevel: domain.RevenueStarter, PostedAt: at, Confidence: domain.ConfidenceRule},
		},
		Tags: []domain.MessageTag{{Ordinal: 0, Dimension: domain.TagIntent, Value: "rule"}},
	}
	llm := domain.ExtractionResult{
		Confidence: domain.ConfidenceLLM,
		Questions: []domain.QuestionAnswer{
			{AskerName: "A", Question: "怎么部署到服务器？", QuestionTime: at, Confidence: domain.ConfidenceLLM},
		},
		GoodNews: []domain.GoodNewsItem{
			{Author: "B", Content: "出单了 500美金", Category: domain.GoodNewsMilestone, PostedAt: at, Confidence: domain.ConfidenceLLM},
		},
		Tags: []domain.MessageTag{{Ordinal: 0, Dimension: domain.TagIntent, Value: "ask"}},
	}

	got := Merge(rule, llm)
	if got.Confidence != domain.ConfidenceLLM {
		t.Fatalf("ожидали confidence llm, получили %s", got.Confidence)
	}
	if len(got.Questions) != 2 {
		t.Fatalf("ожидали 2 вопроса, получили %d", len(got.Questions))
	}
	if got.Questions[0].Question != "怎么部署到服务器？" || got.Questions[0].Confidence != domain.ConfidenceLLM {
		t.Fatalf("при совпадении ключа побеждает модель: %+v", got.Questions[0])
	}
	if got.Questions[1].AskerName != "C" || got.Questions[1].Confidence != domain.ConfidenceRule {
		t.Fatalf("вопрос только из правил сохраняется: %+v", got.Questions[1])
	}
	if len(got.GoodNews) != 1 {
		t.Fatalf("ожидали одну новость, получили %d", len(got.GoodNews))
	}
	news := got.GoodNews[0]
	if news.Category != domain.GoodNewsMilestone || news.Amount == nil || *news.Amount != 500 || news.Currency != "USD" {
		t.Fatalf("сумма из правил должна дополнить новость модели: %+v", news)
	}
	if news.RevenueLevel != domain.RevenueStarter {
		t.Fatalf("уровень дохода берётся из правил: %s", news.RevenueLevel)
	}
	if len(got.Tags) != 1 || got.Tags[0].Value != "ask" {
		t.Fatalf("теги берутся только из модели: %+v", got.Tags)
	}
}

func TestMergeKeepsRuleOnlyWhenModelEmpty(t *testing.T) {
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	deed := "三个月涨粉一万"
	rule := domain.ExtractionResult{
		Koc:   []domain.KocContribution{{Author: "D", Content: "核心事迹:三个月涨粉一万", CoreDeed: &deed, PostedAt: at}},
		Stars: []domain.StarStudentRecord{{Author: "E", Content: "优秀学员", RevenueLevel: domain.RevenueThousand, PostedAt: at}},
	}
	got := Merge(rule, domain.ExtractionResult{})
	if len(got.Koc) != 1 || *got.Koc[0].CoreDeed != deed {
		t.Fatalf("анкета из правил должна сохраниться: %+v", got.Koc)
	}
	if len(got.Stars) != 1 || got.Stars[0].RevenueLevel != domain.RevenueThousand {
		t.Fatalf("звезда из правил должна сохраниться: %+v", got.Stars)
	}
	if got.Tags != nil {
		t.Fatalf("без модели тегов нет: %+v", got.Tags)
	}
}

func TestMergeBackfillsKoc(t *testing.T) {
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	model, niche := "知识付费", "小红书"
	rule := domain.ExtractionResult{
		Koc: []domain.KocContribution{{Author: "D", Content: "анкета", Model: &model, Niche: &niche, PostedAt: at}},
	}
	llmModel := "课程"
	llm := domain.ExtractionResult{
		Koc: []domain.KocContribution{{Author: "D", Content: "анкета", Model: &llmModel, PostedAt: at}},
	}
	got := Merge(rule, llm)
	if len(got.Koc) != 1 {
		t.Fatalf("ожидали одну анкету, получили %d", len(got.Koc))
	}
	if *got.Koc[0].Model != "课程" || got.Koc[0].Niche == nil || *got.Koc[0].Niche != niche {
		t.Fatalf("пустые поля модели дополняются из правил: %+v", got.Koc[0])
	}
}

func TestFormatSummary(t *testing.T) {
	start := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	sum := newCollector(domain.RunKindBatch, false, 1, start)
	sum.processed(map[string]int{domain.CategoryQuestions: 3, domain.CategoryGoodNews: 1, domain.CategoryKoc: 0})
	sum.fail("chat<1>.txt", errors.New("разбор переписки: пусто"), true)
	sum.retry("chat2.txt", errors.New("тайм-аут"), true)
	s := sum.finish(start.Add(90 * time.Second))

	if s.Failed != 2 || s.RetryQueued != 1 || s.PermanentFailures != 1 || s.ErrorsDropped != 1 {
		t.Fatalf("неожиданный итог: %+v", s)
	}
	out := FormatSummary(s)
	mustContain(t, out, "📊 <b>Обработка переписок</b>")
	mustContain(t, out, "Обработано: 1, ошибок: 2, пропущено: 0, в очереди повторов: 1")
	mustContain(t, out, "Длительность: 1m30s")
	mustContain(t, out, "• вопросы: 3")
	mustContain(t, out, "• хорошие новости: 1")
	mustContain(t, out, "<code>chat&lt;1&gt;.txt</code>")
	mustContain(t, out, "…и ещё 1")
	if strings.Contains(out, "KOC") {
		t.Fatalf("нулевые категории не выводятся:\n%s", out)
	}
}

func TestFormatSummaryDryRun(t *testing.T) {
	s := RunSummary{DryRun: true, Processed: 2}
	out := FormatSummary(s)
	mustContain(t, out, "(пробный прогон)")
	if strings.Contains(out, "Ошибки") || strings.Contains(out, "Длительность") {
		t.Fatalf("лишние разделы:\n%s", out)
	}
}

func TestReasonTruncates(t *testing.T) {
	long := strings.Repeat("я", maxReasonRunes+10)
	got := reason(errors.New(long))
	if !strings.HasSuffix(got, "…") || len([]rune(got)) != maxReasonRunes+1 {
		t.Fatalf("причина должна обрезаться до %d символов", maxReasonRunes)
	}
}
