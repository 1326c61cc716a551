package domain

import "testing"

func TestParseNickname(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		normalized string
		role       MemberRole
	}{
		{name: "plain", raw: "小王", normalized: "小王", role: RoleMember},
		{name: "fullwidth parens coach", raw: "小王（教练）", normalized: "小王", role: RoleCoach},
		{name: "ascii parens with spaces", raw: " Alice (Coach) ", normalized: "alice", role: RoleCoach},
		{name: "suffix after bar", raw: "阿强 | 深圳 | 电商", normalized: "阿强", role: RoleMember},
		{name: "volunteer bracket", raw: "【志愿者】李雷", normalized: "李雷", role: RoleVolunteer},
		{name: "fullwidth latin", raw: "ＢＯＢ", normalized: "bob", role: RoleMember},
		{name: "only decoration falls back", raw: "(教练)", normalized: "(教练)", role: RoleCoach},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNickname(tt.raw)
			if got.Normalized != tt.normalized {
				t.Fatalf("ParseNickname(%q).Normalized = %q, want %q", tt.raw, got.Normalized, tt.normalized)
			}
			if got.Role != tt.role {
				t.Fatalf("ParseNickname(%q).Role = %v, want %v", tt.raw, got.Role, tt.role)
			}
		})
	}
}

func TestRolePromote(t *testing.T) {
	tests := []struct {
		current MemberRole
		other   MemberRole
		want    MemberRole
	}{
		{current: RoleMember, other: RoleCoach, want: RoleCoach},
		{current: RoleCoach, other: RoleVolunteer, want: RoleCoach},
		{current: "", other: RoleMember, want: RoleMember},
		{current: RoleVolunteer, other: RoleMember, want: RoleVolunteer},
	}
	for _, tt := range tests {
		if got := tt.current.Promote(tt.other); got != tt.want {
			t.Fatalf("%v.Promote(%v) = %v, want %v", tt.current, tt.other, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to IngestionStatus
		want     bool
	}{
		{from: StatusPending, to: StatusProcessing, want: true},
		{from: StatusProcessing, to: StatusProcessed, want: true},
		{from: StatusProcessing, to: StatusFailed, want: true},
		{from: StatusFailed, to: StatusPending, want: true},
		{from: StatusProcessed, to: StatusPending, want: true},
		{from: StatusPending, to: StatusProcessed, want: false},
		{from: StatusProcessed, to: StatusProcessing, want: false},
		{from: StatusFailed, to: StatusProcessing, want: false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatalf("ожидали ошибку для неизвестного статуса")
	}
}

func TestQuestionValidate(t *testing.T) {
	q := QuestionAnswer{IsResolved: true}
	if err := q.Validate(); err == nil {
		t.Fatalf("ожидали ошибку для решённого вопроса без ответа")
	}
	name := "B"
	minutes := 3
	q.AnswererName = &name
	q.ResponseMinutes = &minutes
	if err := q.Validate(); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsTransient(&TransientError{Op: "llm", Err: ErrNotFound}) {
		t.Fatalf("ожидали временную ошибку")
	}
	if IsPermanent(ErrConcurrencyConflict) {
		t.Fatalf("конфликт не должен считаться постоянной ошибкой")
	}
	if !IsPermanent(&ExtractionSchemaError{Reason: "questions"}) {
		t.Fatalf("ошибка схемы должна быть постоянной")
	}
	if !IsPermanent(&ParseError{Reason: "нет заголовков"}) {
		t.Fatalf("ошибка разбора должна быть постоянной")
	}
}
