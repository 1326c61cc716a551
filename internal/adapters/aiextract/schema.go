package aiextract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"chatlog-pipeline/internal/domain"
)

// TimeLayout формат времени в обмене с моделью.
const TimeLayout = "2006-01-02 15:04:05"

type llmResponse struct {
	Questions []llmQuestion `json:"questions" validate:"required,dive"`
	GoodNews  []llmGoodNews `json:"good_news" validate:"required,dive"`
	Koc       []llmKoc      `json:"koc" validate:"required,dive"`
	Stars     []llmStar     `json:"stars" validate:"omitempty,dive"`
	Tags      []llmTag      `json:"tags" validate:"omitempty,dive"`
}

type llmQuestion struct {
	Asker      string  `json:"asker" validate:"required"`
	Question   string  `json:"question" validate:"required"`
	AskedAt    string  `json:"asked_at" validate:"required,datetime=2006-01-02 15:04:05"`
	Resolved   bool    `json:"resolved"`
	Answerer   *string `json:"answerer" validate:"omitempty,min=1"`
	Answer     string  `json:"answer"`
	AnsweredAt *string `json:"answered_at" validate:"omitempty,datetime=2006-01-02 15:04:05"`
}

type llmGoodNews struct {
	Author       string   `json:"author" validate:"required"`
	Content      string   `json:"content" validate:"required"`
	Category     string   `json:"category" validate:"required,oneof=milestone revenue growth other"`
	Amount       *float64 `json:"amount" validate:"omitempty,gte=0"`
	Currency     string   `json:"currency" validate:"omitempty,oneof=CNY USD"`
	RevenueLevel string   `json:"revenue_level" validate:"omitempty,oneof=starter thousand ten_thousand hundred_thousand"`
	Tags         []string `json:"tags"`
	PostedAt     string   `json:"posted_at" validate:"required,datetime=2006-01-02 15:04:05"`
}

type llmKoc struct {
	Author     string   `json:"author" validate:"required"`
	Content    string   `json:"content" validate:"required"`
	Model      *string  `json:"model"`
	CoreDeed   *string  `json:"core_deed"`
	MemberName *string  `json:"member_name"`
	Niche      *string  `json:"niche"`
	Result     *string  `json:"result"`
	Link       *string  `json:"link"`
	Tags       []string `json:"tags"`
	PostedAt   string   `json:"posted_at" validate:"required,datetime=2006-01-02 15:04:05"`
}

type llmStar struct {
	Author       string   `json:"author" validate:"required"`
	Content      string   `json:"content" validate:"required"`
	Achievement  string   `json:"achievement"`
	RevenueLevel string   `json:"revenue_level" validate:"omitempty,oneof=starter thousand ten_thousand hundred_thousand"`
	Tags         []string `json:"tags"`
	PostedAt     string   `json:"posted_at" validate:"required,datetime=2006-01-02 15:04:05"`
}

type llmTag struct {
	MessageID *int   `json:"message_id" validate:"required,gte=0"`
	Dimension string `json:"dimension" validate:"required,taxonomy"`
	Value     string `json:"value" validate:"required"`
}

var (
	vOnce     sync.Once
	validate  *validator.Validate
	fenceTrim = strings.NewReplacer("```json", "", "```JSON", "", "```", "")
)

func schemaValidator() *validator.Validate {
	vOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = v.RegisterValidation("taxonomy", func(fl validator.FieldLevel) bool {
			return domain.ValidTagDimension(domain.TagDimension(fl.Field().String()))
		})
		validate = v
	})
	return validate
}

// stripFences убирает markdown-ограждение, которое модели иногда добавляют вокруг JSON.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = fenceTrim.Replace(content)
	}
	return strings.TrimSpace(content)
}

// decodeResponse разбирает и проверяет ответ модели. Любое несоответствие схеме
// возвращается как *domain.ExtractionSchemaError.
func decodeResponse(content string, loc *time.Location, known map[int]struct{}) (domain.ExtractionResult, error) {
	body := stripFences(content)
	if body == "" {
		return domain.ExtractionResult{}, &domain.ExtractionSchemaError{Reason: "пустой ответ модели"}
	}
	var parsed llmResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return domain.ExtractionResult{}, &domain.ExtractionSchemaError{Reason: "некорректный JSON", Err: err}
	}
	if err := schemaValidator().Struct(parsed); err != nil {
		return domain.ExtractionResult{}, &domain.ExtractionSchemaError{Reason: describeValidation(err)}
	}
	return convert(parsed, loc, known)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if idx := strings.Index(ns, "."); idx >= 0 {
			ns = ns[idx+1:]
		}
		parts = append(parts, fmt.Sprintf("%s: %s", ns, fe.Tag()))
		if len(parts) == 5 {
			break
		}
	}
	return strings.Join(parts, "; ")
}

func convert(parsed llmResponse, loc *time.Location, known map[int]struct{}) (domain.ExtractionResult, error) {
	res := domain.ExtractionResult{Confidence: domain.ConfidenceLLM}
	parse := func(field, value string) (time.Time, error) {
		ts, err := time.ParseInLocation(TimeLayout, value, loc)
		if err != nil {
			return time.Time{}, &domain.ExtractionSchemaError{Reason: field, Err: err}
		}
		return ts, nil
	}

	for i, q := range parsed.Questions {
		askedAt, err := parse(fmt.Sprintf("questions[%d].asked_at", i), q.AskedAt)
		if err != nil {
			return domain.ExtractionResult{}, err
		}
		qa := domain.QuestionAnswer{
			Question:     strings.TrimSpace(q.Question),
			AskerName:    strings.TrimSpace(q.Asker),
			QuestionTime: askedAt,
			Confidence:   domain.ConfidenceLLM,
		}
		if q.Resolved {
			if q.Answerer == nil || q.AnsweredAt == nil {
				return domain.ExtractionResult{}, &domain.ExtractionSchemaError{Reason: fmt.Sprintf("questions[%d]: resolved=true без answerer или answered_at", i)}
			}
			answeredAt, err := parse(fmt.Sprintf("questions[%d].answered_at", i), *q.AnsweredAt)
			if err != nil {
				return domain.ExtractionResult{}, err
			}
			if answeredAt.Before(askedAt) {
				return domain.ExtractionResult{}, &domain.ExtractionSchemaError{Reason: fmt.Sprintf("questions[%d]: answered_at раньше asked_at", i)}
			}
			answerer := strings.TrimSpace(*q.Answerer)
			minutes := int(math.Floor(answeredAt.Sub(askedAt).Minutes()))
			qa.AnswererName = &answerer
			qa.AnswerTime = &answeredAt
			qa.Answer = strings.TrimSpace(q.Answer)
			qa.IsResolved = true
			qa.ResponseMinutes = &minutes
		}
		res.Questions = append(res.Questions, qa)
	}

	for i, g := range parsed.GoodNews {
		postedAt, err := parse(fmt.Sprintf("good_news[%d].posted_at", i), g.PostedAt)
		if err != nil {
			return domain.ExtractionResult{}, err
		}
		res.GoodNews = append(res.GoodNews, domain.GoodNewsItem{
			Author:       strings.TrimSpace(g.Author),
			Content:      strings.TrimSpace(g.Content),
			Category:     domain.GoodNewsCategory(g.Category),
			Amount:       g.Amount,
			Currency:     g.Currency,
			RevenueLevel: domain.RevenueLevel(g.RevenueLevel),
			Tags:         cleanStrings(g.Tags),
			PostedAt:     postedAt,
			Confidence:   domain.ConfidenceLLM,
		})
	}

	for i, k := range parsed.Koc {
		postedAt, err := parse(fmt.Sprintf("koc[%d].posted_at", i), k.PostedAt)
		if err != nil {
			return domain.ExtractionResult{}, err
		}
		res.Koc = append(res.Koc, domain.KocContribution{
			Author:     strings.TrimSpace(k.Author),
			Content:    strings.TrimSpace(k.Content),
			Model:      cleanOptional(k.Model),
			CoreDeed:   cleanOptional(k.CoreDeed),
			MemberName: cleanOptional(k.MemberName),
			Niche:      cleanOptional(k.Niche),
			Result:     cleanOptional(k.Result),
			Link:       cleanOptional(k.Link),
			Tags:       cleanStrings(k.Tags),
			PostedAt:   postedAt,
			Confidence: domain.ConfidenceLLM,
		})
	}

	for i, s := range parsed.Stars {
		postedAt, err := parse(fmt.Sprintf("stars[%d].posted_at", i), s.PostedAt)
		if err != nil {
			return domain.ExtractionResult{}, err
		}
		res.Stars = append(res.Stars, domain.StarStudentRecord{
			Author:       strings.TrimSpace(s.Author),
			Content:      strings.TrimSpace(s.Content),
			Achievement:  strings.TrimSpace(s.Achievement),
			RevenueLevel: domain.RevenueLevel(s.RevenueLevel),
			Tags:         cleanStrings(s.Tags),
			PostedAt:     postedAt,
			Confidence:   domain.ConfidenceLLM,
		})
	}

	for i, tag := range parsed.Tags {
		if _, ok := known[*tag.MessageID]; !ok {
			return domain.ExtractionResult{}, &domain.ExtractionSchemaError{Reason: fmt.Sprintf("tags[%d]: неизвестный message_id %d", i, *tag.MessageID)}
		}
		res.Tags = append(res.Tags, domain.MessageTag{
			Ordinal:   *tag.MessageID,
			Dimension: domain.TagDimension(tag.Dimension),
			Value:     strings.TrimSpace(tag.Value),
		})
	}
	return res, nil
}

func cleanOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cleanStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
