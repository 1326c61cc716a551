package rules

import (
	"math"
	"strconv"
	"strings"
	"time"

	"chatlog-pipeline/internal/domain"
)

// Options параметры извлечения.
type Options struct {
	// Window окно поиска ответа, ноль означает значение из набора правил.
	Window time.Duration
	// CoachNames ники тренеров и волонтёров из состава группы.
	CoachNames []string
}

// Extractor извлекает факты по набору правил. Результат зависит только от сообщений, правил и опций.
type Extractor struct {
	pack    *Pack
	window  time.Duration
	coaches map[string]struct{}
}

var _ domain.RuleExtractor = (*Extractor)(nil)

// NewExtractor создаёт извлекатель.
func NewExtractor(pack *Pack, opts Options) *Extractor {
	window := opts.Window
	if window <= 0 {
		window = time.Duration(pack.ResolutionWindow) * time.Minute
	}
	coaches := make(map[string]struct{}, len(opts.CoachNames))
	for _, name := range opts.CoachNames {
		if normalized := domain.NormalizeNickname(name); normalized != "" {
			coaches[normalized] = struct{}{}
		}
	}
	return &Extractor{pack: pack, window: window, coaches: coaches}
}

type analyzed struct {
	msg        domain.StructuredMessage
	folded     string
	author     string
	isQuestion bool
	isThanks   bool
	isStaff    bool
}

// Extract возвращает факты с confidence=rule.
func (e *Extractor) Extract(messages []domain.StructuredMessage) domain.ExtractionResult {
	result := domain.ExtractionResult{Confidence: domain.ConfidenceRule}
	items := make([]analyzed, len(messages))
	for i, msg := range messages {
		folded := domain.FoldText(msg.Body)
		items[i] = analyzed{
			msg:        msg,
			folded:     folded,
			author:     domain.NormalizeNickname(msg.Author),
			isQuestion: msg.Type == domain.MessageText && e.pack.Question.Match(folded),
			isThanks:   e.pack.Thanks.Match(folded),
			isStaff:    e.isStaff(msg.Author),
		}
	}

	for i, item := range items {
		if item.msg.Type != domain.MessageText {
			continue
		}
		if koc, ok := e.parseKoc(item); ok {
			result.Koc = append(result.Koc, koc)
			continue
		}
		if item.isQuestion {
			result.Questions = append(result.Questions, e.resolve(items, i))
			continue
		}
		news, ok := e.goodNews(item)
		if ok {
			result.GoodNews = append(result.GoodNews, news)
		}
		if star, ok := e.star(item, news, ok); ok {
			result.Stars = append(result.Stars, star)
		}
	}
	return result
}

func (e *Extractor) isStaff(rawAuthor string) bool {
	nick := domain.ParseNickname(rawAuthor)
	if nick.Role.IsStaff() {
		return true
	}
	if _, ok := e.coaches[nick.Normalized]; ok {
		return true
	}
	folded := domain.FoldText(rawAuthor)
	for _, marker := range e.pack.CoachMarkers {
		if strings.Contains(folded, marker) {
			return true
		}
	}
	return false
}

// resolve ищет ответ на вопрос с индексом qi. Побеждает самое раннее подходящее сообщение
// независимо от того, сработал маркер благодарности или роль автора.
func (e *Extractor) resolve(items []analyzed, qi int) domain.QuestionAnswer {
	q := items[qi]
	qa := domain.QuestionAnswer{
		Question:     q.msg.Body,
		AskerName:    q.msg.Author,
		QuestionTime: q.msg.Timestamp,
		Confidence:   domain.ConfidenceRule,
	}
	best := -1
	for j := qi + 1; j < len(items); j++ {
		cand := items[j]
		delta := cand.msg.Timestamp.Sub(q.msg.Timestamp)
		if delta < 0 || delta > e.window {
			continue
		}
		if cand.author == q.author || cand.isQuestion {
			continue
		}
		if !cand.isThanks && !cand.isStaff {
			continue
		}
		if best == -1 || cand.msg.Timestamp.Before(items[best].msg.Timestamp) {
			best = j
		}
	}
	if best == -1 {
		return qa
	}
	answer := items[best].msg
	name := answer.Author
	at := answer.Timestamp
	minutes := int(math.Floor(at.Sub(q.msg.Timestamp).Minutes()))
	qa.AnswererName = &name
	qa.AnswerTime = &at
	qa.Answer = answer.Body
	qa.IsResolved = true
	qa.ResponseMinutes = &minutes
	return qa
}

func (e *Extractor) goodNews(item analyzed) (domain.GoodNewsItem, bool) {
	if e.pack.Noise.Match(item.folded) {
		return domain.GoodNewsItem{}, false
	}
	var (
		bestCategory domain.GoodNewsCategory
		bestScore    float64
		total        float64
	)
	for _, list := range e.pack.GoodNews {
		score := list.Rules.Score(item.folded)
		total += score
		if score > bestScore {
			bestScore = score
			bestCategory = list.Category
		}
	}
	if total < e.pack.GoodNewsThreshold || bestScore == 0 {
		return domain.GoodNewsItem{}, false
	}
	news := domain.GoodNewsItem{
		Author:     item.msg.Author,
		Content:    item.msg.Body,
		Category:   bestCategory,
		PostedAt:   item.msg.Timestamp,
		Confidence: domain.ConfidenceRule,
	}
	if amount, currency, ok := e.pack.ExtractAmount(item.folded); ok {
		news.Amount = &amount
		news.Currency = currency
		if bestCategory == domain.GoodNewsRevenue {
			news.RevenueLevel = e.pack.RevenueLevel(amount, currency)
		}
	}
	return news, true
}

func (e *Extractor) star(item analyzed, news domain.GoodNewsItem, isNews bool) (domain.StarStudentRecord, bool) {
	record := domain.StarStudentRecord{
		Author:     item.msg.Author,
		Content:    item.msg.Body,
		PostedAt:   item.msg.Timestamp,
		Confidence: domain.ConfidenceRule,
	}
	if isNews {
		if _, ok := e.pack.StarLevels[news.RevenueLevel]; ok && news.RevenueLevel != domain.RevenueNone {
			record.RevenueLevel = news.RevenueLevel
			record.Achievement = string(news.Category)
			return record, true
		}
	}
	if e.pack.Star.Match(item.folded) {
		record.Achievement = "keyword"
		if isNews {
			record.RevenueLevel = news.RevenueLevel
		}
		return record, true
	}
	return domain.StarStudentRecord{}, false
}

// ExtractAmount находит первую сумму с валютой или множителем.
func (p *Pack) ExtractAmount(folded string) (float64, string, bool) {
	m := p.amountRe.FindStringSubmatch(folded)
	if m == nil {
		return 0, "", false
	}
	var numberRaw, mulRaw, curRaw string
	switch {
	case m[2] != "":
		curRaw, numberRaw, mulRaw = m[1], m[2], m[3]
	case m[4] != "":
		numberRaw, mulRaw, curRaw = m[4], m[5], m[6]
	default:
		numberRaw, mulRaw = m[7], m[8]
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(numberRaw, ",", ""), 64)
	if err != nil {
		return 0, "", false
	}
	if mul, ok := p.Multipliers[mulRaw]; ok {
		value *= mul
	}
	currency := p.Currencies[curRaw]
	return value, currency, true
}

// RevenueLevel возвращает уровень по сумме, пересчитанной в юани.
func (p *Pack) RevenueLevel(amount float64, currency string) domain.RevenueLevel {
	if currency == "" {
		currency = p.DefaultCurrency
	}
	rate, ok := p.CNYRates[currency]
	if !ok {
		rate = 1
	}
	cny := amount * rate
	for _, tier := range p.Tiers {
		if cny >= tier.Min {
			return tier.Level
		}
	}
	return domain.RevenueNone
}
