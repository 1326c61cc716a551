package preprocess

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chatlog-pipeline/internal/domain"
)

var testDate = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func TestParseBasicTranscript(t *testing.T) {
	raw := strings.Join([]string{
		"导出说明 10:00:00 之后的消息",
		"小王（教练） 10:01:02",
		"大家好",
		"今天讲部署",
		"A 10:05:00",
		"怎么部署？",
		"B(wxid_123) 03-14 23:59:59",
		"[图片]",
		"C 10:20:00",
		"   ",
		"D 10:21:00",
		"> 原消息：怎么部署？",
		"E 10:22:00",
		"> 被引用的内容",
		"我也想知道",
	}, "\n")

	msgs, err := New(time.UTC).Parse(raw, testDate)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("ожидали 5 сообщений, получили %d", len(msgs))
	}

	first := msgs[0]
	if first.Author != "小王（教练）" || first.AuthorID != "教练" {
		t.Fatalf("неожиданный автор: %q / %q", first.Author, first.AuthorID)
	}
	if first.Body != "大家好\n今天讲部署" {
		t.Fatalf("ожидали склейку продолжения, получили %q", first.Body)
	}
	if !first.Timestamp.Equal(time.Date(2024, 3, 15, 10, 1, 2, 0, time.UTC)) {
		t.Fatalf("неожиданное время: %v", first.Timestamp)
	}

	if msgs[1].Type != domain.MessageText || msgs[1].Body != "怎么部署？" {
		t.Fatalf("неожиданное второе сообщение: %+v", msgs[1])
	}

	third := msgs[2]
	if third.Type != domain.MessageImage {
		t.Fatalf("ожидали image, получили %v", third.Type)
	}
	if !third.Timestamp.Equal(time.Date(2024, 3, 14, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("ожидали дату из заголовка, получили %v", third.Timestamp)
	}

	quoteOnly := msgs[3]
	if quoteOnly.Author != "D" || quoteOnly.Type != domain.MessageMerged {
		t.Fatalf("сообщение из одной цитаты должно стать merged: %+v", quoteOnly)
	}

	withQuote := msgs[4]
	if withQuote.Type != domain.MessageText || withQuote.Body != "我也想知道" {
		t.Fatalf("неожиданное тело: %+v", withQuote)
	}
	if len(withQuote.Quotes) != 1 || withQuote.Quotes[0] != "被引用的内容" {
		t.Fatalf("ожидали цитату как вложенное содержимое: %v", withQuote.Quotes)
	}

	for i, msg := range msgs {
		if msg.Ordinal != i {
			t.Fatalf("ожидали ordinal %d, получили %d", i, msg.Ordinal)
		}
	}
}

func TestParsePreservesFileOrder(t *testing.T) {
	raw := "A 12:00:00\nпозже\nB 09:00:00\nраньше\n"
	msgs, err := New(time.UTC).Parse(raw, testDate)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if msgs[0].Author != "A" || msgs[1].Author != "B" {
		t.Fatalf("порядок файла нарушен: %v, %v", msgs[0].Author, msgs[1].Author)
	}
}

func TestParseRollsOverMidnight(t *testing.T) {
	raw := "A 23:50:00\n怎么部署？\nB 03-14 08:00:00\n[图片]\nC 00:05:00\n谢谢，已经部署成功\nD 00:01:00\nещё\n"
	msgs, err := New(time.UTC).Parse(raw, testDate)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 3, 15, 23, 50, 0, 0, time.UTC),
		time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 16, 0, 5, 0, 0, time.UTC),
		time.Date(2024, 3, 16, 0, 1, 0, 0, time.UTC),
	}
	if len(msgs) != len(want) {
		t.Fatalf("ожидали %d сообщения, получили %d", len(want), len(msgs))
	}
	for i, ts := range want {
		if !msgs[i].Timestamp.Equal(ts) {
			t.Fatalf("сообщение %d: ожидали %v, получили %v", i, ts, msgs[i].Timestamp)
		}
	}
}

func TestParseMonthDayWithoutID(t *testing.T) {
	msgs, err := New(time.UTC).Parse("Alice Wang 03-10 09:30:00\nпривет", testDate)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if msgs[0].Author != "Alice Wang" {
		t.Fatalf("дата не должна попадать в автора: %q", msgs[0].Author)
	}
	if msgs[0].Timestamp.Day() != 10 {
		t.Fatalf("ожидали 10 число, получили %v", msgs[0].Timestamp)
	}
}

func TestParseRejectsBodyLookalikes(t *testing.T) {
	raw := strings.Join([]string{
		"A 10:00:00",
		"встреча в 10:30:00, не опаздывайте",
		"счёт 3:2:1",
		"время: 11:00:00",
	}, "\n")
	msgs, err := New(time.UTC).Parse(raw, testDate)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("строки тела не должны считаться заголовками, получили %d сообщений", len(msgs))
	}
}

func TestParseNoHeaders(t *testing.T) {
	tests := []string{"", "просто текст\nбез заголовков", "A 25:00:00\nнет"}
	for _, raw := range tests {
		_, err := New(time.UTC).Parse(raw, testDate)
		var parseErr *domain.ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("ожидали ParseError для %q, получили %v", raw, err)
		}
	}
}

func TestParseUsesLocation(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	msgs, err := New(loc).Parse("A 08:00:00\nдоброе утро", testDate)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := msgs[0].Timestamp.UTC().Hour(); got != 0 {
		t.Fatalf("ожидали 00 UTC, получили %d", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		body string
		want domain.MessageType
	}{
		{body: "[图片]", want: domain.MessageImage},
		{body: "[链接] 部署指南", want: domain.MessageLink},
		{body: "https://example.com/guide", want: domain.MessageLink},
		{body: "看看 https://example.com/guide", want: domain.MessageText},
		{body: "[文件] 方案.pdf", want: domain.MessageFile},
		{body: "[聊天记录]", want: domain.MessageMerged},
		{body: "[红包] 恭喜发财", want: domain.MessageRedPacket},
		{body: "[动画表情]", want: domain.MessageSticker},
		{body: "[强][强]", want: domain.MessageEmoji},
		{body: "👍👍", want: domain.MessageEmoji},
		{body: "好的👍", want: domain.MessageText},
		{body: "[图片][链接]", want: domain.MessageImage},
		{body: "出单了", want: domain.MessageText},
	}
	for _, tt := range tests {
		if got := Classify(tt.body); got != tt.want {
			t.Fatalf("Classify(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}
