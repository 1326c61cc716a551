package domain

import (
	"errors"
	"strings"
	"time"
)

// Confidence источник извлечённого факта.
type Confidence string

const (
	ConfidenceRule Confidence = "rule"
	ConfidenceLLM  Confidence = "llm"
)

// GoodNewsCategory категория хорошей новости.
type GoodNewsCategory string

const (
	GoodNewsMilestone GoodNewsCategory = "milestone"
	GoodNewsRevenue   GoodNewsCategory = "revenue"
	GoodNewsGrowth    GoodNewsCategory = "growth"
	GoodNewsOther     GoodNewsCategory = "other"
)

// RevenueLevel уровень дохода по сумме в юанях.
type RevenueLevel string

const (
	RevenueNone            RevenueLevel = ""
	RevenueStarter         RevenueLevel = "starter"
	RevenueThousand        RevenueLevel = "thousand"
	RevenueTenThousand     RevenueLevel = "ten_thousand"
	RevenueHundredThousand RevenueLevel = "hundred_thousand"
)

// TagDimension ось таксономии тегов сообщений.
type TagDimension string

const (
	TagNiche     TagDimension = "niche"
	TagStage     TagDimension = "stage"
	TagIntent    TagDimension = "intent"
	TagActivity  TagDimension = "activity"
	TagSentiment TagDimension = "sentiment"
	TagRisk      TagDimension = "risk"
)

// TagDimensions перечисляет допустимые оси тегов.
var TagDimensions = []TagDimension{TagNiche, TagStage, TagIntent, TagActivity, TagSentiment, TagRisk}

// ValidTagDimension сообщает, входит ли ось в таксономию.
func ValidTagDimension(d TagDimension) bool {
	for _, known := range TagDimensions {
		if known == d {
			return true
		}
	}
	return false
}

// ErrUnresolvedAnswer решённый вопрос без отвечающего или времени ответа.
var ErrUnresolvedAnswer = errors.New("решённый вопрос должен содержать автора ответа и время реакции")

// QuestionAnswer вопрос участника и найденный ответ.
type QuestionAnswer struct {
	ID               int64
	SourceLogID      int64
	Question         string
	AskerName        string
	AskerMemberID    int64
	QuestionTime     time.Time
	AnswererName     *string
	AnswererMemberID int64
	Answer           string
	AnswerTime       *time.Time
	IsResolved       bool
	ResponseMinutes  *int
	Confidence       Confidence
	IsVerified       bool
}

// Validate проверяет, что решённый вопрос заполнен полностью.
func (q QuestionAnswer) Validate() error {
	if q.IsResolved && (q.AnswererName == nil || q.ResponseMinutes == nil) {
		return ErrUnresolvedAnswer
	}
	return nil
}

// Key ключ для сопоставления вопросов из разных проходов.
func (q QuestionAnswer) Key() string {
	return NormalizeNickname(q.AskerName) + "|" + q.QuestionTime.UTC().Format(time.RFC3339)
}

// GoodNewsItem хорошая новость участника.
type GoodNewsItem struct {
	ID           int64
	SourceLogID  int64
	Author       string
	MemberID     int64
	Content      string
	Category     GoodNewsCategory
	Amount       *float64
	Currency     string
	RevenueLevel RevenueLevel
	Tags         []string
	PostedAt     time.Time
	Confidence   Confidence
	IsVerified   bool
}

// Key ключ для сопоставления новостей.
func (g GoodNewsItem) Key() string { return FactKey(g.Author, g.Content) }

// KocContribution анкета KOC из структурированного сообщения.
type KocContribution struct {
	ID          int64
	SourceLogID int64
	Author      string
	MemberID    int64
	Content     string
	Model       *string
	CoreDeed    *string
	MemberName  *string
	Niche       *string
	Result      *string
	Link        *string
	Tags        []string
	PostedAt    time.Time
	Confidence  Confidence
	IsVerified  bool
}

// Key ключ для сопоставления анкет.
func (k KocContribution) Key() string { return FactKey(k.Author, k.Content) }

// StarStudentRecord запись о выдающемся участнике.
type StarStudentRecord struct {
	ID           int64
	SourceLogID  int64
	Author       string
	MemberID     int64
	Content      string
	Achievement  string
	RevenueLevel RevenueLevel
	Tags         []string
	PostedAt     time.Time
	Confidence   Confidence
	IsVerified   bool
}

// Key ключ для сопоставления записей.
func (s StarStudentRecord) Key() string { return FactKey(s.Author, s.Content) }

// MessageTag тег сообщения по одной оси таксономии.
type MessageTag struct {
	Ordinal   int
	Dimension TagDimension
	Value     string
}

// ExtractionResult набор фактов по одной выгрузке.
type ExtractionResult struct {
	Confidence Confidence
	Questions  []QuestionAnswer
	GoodNews   []GoodNewsItem
	Koc        []KocContribution
	Stars      []StarStudentRecord
	Tags       []MessageTag
}

// Category ключи категорий в сводках.
const (
	CategoryQuestions = "questions"
	CategoryResolved  = "resolved"
	CategoryGoodNews  = "good_news"
	CategoryKoc       = "koc"
	CategoryStars     = "stars"
	CategoryTags      = "tags"
)

// Totals возвращает количество фактов по категориям.
func (r ExtractionResult) Totals() map[string]int {
	resolved := 0
	for _, q := range r.Questions {
		if q.IsResolved {
			resolved++
		}
	}
	return map[string]int{
		CategoryQuestions: len(r.Questions),
		CategoryResolved:  resolved,
		CategoryGoodNews:  len(r.GoodNews),
		CategoryKoc:       len(r.Koc),
		CategoryStars:     len(r.Stars),
		CategoryTags:      len(r.Tags),
	}
}

// Append дописывает результат другого прохода без дедупликации.
func (r *ExtractionResult) Append(other ExtractionResult) {
	r.Questions = append(r.Questions, other.Questions...)
	r.GoodNews = append(r.GoodNews, other.GoodNews...)
	r.Koc = append(r.Koc, other.Koc...)
	r.Stars = append(r.Stars, other.Stars...)
	r.Tags = append(r.Tags, other.Tags...)
}

// FactKey строит ключ факта из автора и начала текста.
func FactKey(author, content string) string {
	normalized := strings.Join(strings.Fields(FoldText(content)), "")
	runes := []rune(normalized)
	if len(runes) > 64 {
		runes = runes[:64]
	}
	return NormalizeNickname(author) + "|" + string(runes)
}
