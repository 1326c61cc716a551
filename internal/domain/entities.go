package domain

import (
	"fmt"
	"time"
)

// DateLayout формат даты переписки в ключах и именах файлов.
const DateLayout = "2006-01-02"

// IngestionKey естественный ключ выгрузки переписки.
type IngestionKey struct {
	ProductLine string
	Period      string
	Group       string
	Date        time.Time
}

// DateString возвращает дату ключа в формате YYYY-MM-DD.
func (k IngestionKey) DateString() string {
	return k.Date.Format(DateLayout)
}

func (k IngestionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.ProductLine, k.Period, k.Group, k.DateString())
}

// IngestionRecord хранит выгрузку переписки и её статус обработки.
type IngestionRecord struct {
	ID           int64
	Key          IngestionKey
	FileName     string
	RawContent   string
	ContentHash  string
	MessageCount int
	Status       IngestionStatus
	StatusReason string
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MessageType класс сообщения после разбора.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageImage     MessageType = "image"
	MessageLink      MessageType = "link"
	MessageFile      MessageType = "file"
	MessageMerged    MessageType = "merged"
	MessageEmoji     MessageType = "emoji"
	MessageRedPacket MessageType = "red_packet"
	MessageSticker   MessageType = "sticker"
)

// StructuredMessage одно сообщение переписки после разбора.
type StructuredMessage struct {
	Ordinal   int
	Author    string
	AuthorID  string
	Timestamp time.Time
	Body      string
	Type      MessageType
	// Quotes содержит процитированные или пересланные строки.
	Quotes []string
}

// AuditMessage сообщение, сохраняемое в журнал вместе с участником и тегами.
type AuditMessage struct {
	StructuredMessage
	MemberID int64
	Tags     []MessageTag
}

// DailyAggregate дневная сводка по группе.
type DailyAggregate struct {
	Key                IngestionKey
	SourceLogID        int64
	MessageCount       int
	QuestionCount      int
	AnswerCount        int
	GoodNewsCount      int
	KocCount           int
	StarCount          int
	ActiveMembers      int
	AvgResponseMinutes *float64
	UpdatedAt          time.Time
}

// MemberIdentity каноничный участник сообщества.
type MemberIdentity struct {
	ID                 int64
	DisplayName        string
	NormalizedNickname string
	Role               MemberRole
	ProductLine        string
	Period             string
	Active             bool
	CreatedAt          time.Time
}

// MemberAggregateStats счётчики активности участника.
type MemberAggregateStats struct {
	MemberID       int64
	Messages       int
	QuestionsAsked int
	AnswersGiven   int
	GoodNews       int
	KocCount       int
	StarCount      int
	UpdatedAt      time.Time
}

// RetryStatus статус записи очереди повторов.
type RetryStatus string

const (
	RetryPending    RetryStatus = "pending"
	RetryProcessing RetryStatus = "processing"
	RetryDone       RetryStatus = "done"
	RetryFailed     RetryStatus = "failed"
)

// RetryEntry запись очереди повторной обработки.
type RetryEntry struct {
	ID             int64
	SourceRecordID int64
	Status         RetryStatus
	Error          string
	Attempts       int
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
