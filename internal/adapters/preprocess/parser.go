// Package preprocess разбирает текстовые выгрузки групповых чатов на сообщения.
package preprocess

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chatlog-pipeline/internal/domain"
)

// headerRe заголовок сообщения: автор, необязательный id в скобках,
// необязательная дата MM-DD и обязательное время HH:MM:SS в конце строки.
var headerRe = regexp.MustCompile(
	`^(?P<author>[^\s:：，。,!?！？()（）]+(?: [^\s:：，。,!?！？()（）]+){0,2})` +
		`(?:\s*[(（](?P<id>[^()（）]{1,64})[)）])?` +
		`\s+(?:(?P<md>\d{2}-\d{2})\s+)?` +
		`(?P<clock>\d{1,2}:\d{2}:\d{2})$`,
)

var monthDayRe = regexp.MustCompile(`^\d{2}-\d{2}$`)

var quotePrefixes = []string{">", "＞", "「", "引用:", "引用：", "【引用】", "[引用]"}

const maxLineBytes = 1024 * 1024

// Parser разбирает выгрузку в указанной временной зоне.
type Parser struct {
	loc *time.Location
}

// New создаёт парсер. При nil используется UTC.
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

var _ domain.Preprocessor = (*Parser)(nil)

type header struct {
	author   string
	authorID string
	at       time.Time
	// dated заголовок содержит явную дату MM-DD.
	dated bool
}

// rolloverGap порог, при котором падение времени между заголовками без даты
// считается переходом через полночь. Заголовки с явной датой на счёт дней не влияют.
const rolloverGap = 12 * time.Hour

// Parse возвращает сообщения в порядке файла.
// Если ни один заголовок не распознан, возвращает *domain.ParseError.
func (p *Parser) Parse(raw string, date time.Time) ([]domain.StructuredMessage, error) {
	raw = strings.TrimPrefix(raw, "\ufeff")
	if strings.TrimSpace(raw) == "" {
		return nil, &domain.ParseError{Reason: "пустая выгрузка"}
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		messages []domain.StructuredMessage
		current  *header
		body     []string
		quotes   []string
		headers  int
		day      = date
		prev     time.Time
	)

	flush := func() {
		if current == nil {
			return
		}
		msg, ok := buildMessage(*current, body, quotes)
		if ok {
			msg.Ordinal = len(messages)
			messages = append(messages, msg)
		}
		body, quotes = nil, nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if h, ok := p.parseHeader(strings.TrimSpace(line), day); ok {
			if !h.dated {
				if !prev.IsZero() && prev.Sub(h.at) > rolloverGap {
					day = day.AddDate(0, 0, 1)
					h.at = h.at.AddDate(0, 0, 1)
				}
				prev = h.at
			}
			flush()
			headers++
			current = &h
			continue
		}
		if current == nil {
			continue
		}
		if quoted, ok := stripQuote(line); ok {
			if quoted != "" {
				quotes = append(quotes, quoted)
			}
			continue
		}
		body = append(body, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, &domain.ParseError{Reason: "чтение строк: " + err.Error()}
	}
	flush()

	if headers == 0 {
		return nil, &domain.ParseError{Reason: "не найдено ни одного заголовка сообщения"}
	}
	return messages, nil
}

func (p *Parser) parseHeader(line string, date time.Time) (header, bool) {
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return header{}, false
	}
	author := m[headerRe.SubexpIndex("author")]
	id := strings.TrimSpace(m[headerRe.SubexpIndex("id")])
	clock := m[headerRe.SubexpIndex("clock")]
	monthDay := m[headerRe.SubexpIndex("md")]
	if monthDay == "" && id == "" {
		if idx := strings.LastIndexByte(author, ' '); idx > 0 && monthDayRe.MatchString(author[idx+1:]) {
			author, monthDay = author[:idx], author[idx+1:]
		}
	}

	hh, mm, ss, ok := parseClock(clock)
	if !ok {
		return header{}, false
	}
	year, month, day := date.Date()
	if monthDay != "" {
		mo, _ := strconv.Atoi(monthDay[:2])
		d, _ := strconv.Atoi(monthDay[3:])
		if mo < 1 || mo > 12 || d < 1 || d > 31 {
			return header{}, false
		}
		month, day = time.Month(mo), d
	}

	full := author
	if id != "" {
		// id остаётся частью ника: по скобкам вида "小王（教练）" определяется роль
		full = author + "（" + id + "）"
	}
	return header{
		author:   full,
		authorID: id,
		at:       time.Date(year, month, day, hh, mm, ss, 0, p.loc),
		dated:    monthDay != "",
	}, true
}

func parseClock(clock string) (int, int, int, bool) {
	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	ss, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	if hh > 23 || mm > 59 || ss > 59 {
		return 0, 0, 0, false
	}
	return hh, mm, ss, true
}

func stripQuote(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range quotePrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			rest = strings.TrimSuffix(rest, "」")
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

func buildMessage(h header, lines, quotes []string) (domain.StructuredMessage, bool) {
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	msg := domain.StructuredMessage{
		Author:    h.author,
		AuthorID:  h.authorID,
		Timestamp: h.at,
		Body:      text,
		Quotes:    quotes,
	}
	if text == "" {
		if len(quotes) == 0 {
			return domain.StructuredMessage{}, false
		}
		msg.Body = strings.Join(quotes, "\n")
		msg.Type = domain.MessageMerged
		return msg, true
	}
	msg.Type = Classify(text)
	return msg, true
}
