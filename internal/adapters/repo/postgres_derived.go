package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/metrics"
)

// WithinTx реализует domain.DerivedStore: fn выполняется в одной транзакции,
// любая ошибка откатывает все изменения.
func (p *Postgres) WithinTx(ctx context.Context, fn func(tx domain.DerivedTx) error) error {
	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "derived", start, err)
	if err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "derived", start, err)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

const memberColumns = `id, display_name, normalized_nickname, role, product_line, period, active, created_at`

func scanMember(row pgx.Row) (domain.MemberIdentity, error) {
	var (
		m    domain.MemberIdentity
		role string
	)
	err := row.Scan(&m.ID, &m.DisplayName, &m.NormalizedNickname, &role, &m.ProductLine, &m.Period, &m.Active, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MemberIdentity{}, domain.ErrNotFound
		}
		return domain.MemberIdentity{}, err
	}
	m.Role = domain.MemberRole(role)
	return m, nil
}

func (t *pgTx) ResolveMember(ctx context.Context, member domain.MemberIdentity) (domain.MemberIdentity, error) {
	if member.NormalizedNickname == "" {
		return domain.MemberIdentity{}, fmt.Errorf("пустой ник участника")
	}

	start := time.Now()
	found, err := scanMember(t.tx.QueryRow(ctx, `
SELECT m.id, m.display_name, m.normalized_nickname, m.role, m.product_line, m.period, m.active, m.created_at
FROM member_aliases a
JOIN members m ON m.id = a.member_id
WHERE a.alias = $1
`, member.NormalizedNickname))
	metrics.ObserveNetworkRequest("postgres", "select_member_alias", "member_aliases", start, ignoreNotFound(err))
	if err == nil {
		return t.promote(ctx, found, member.Role)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.MemberIdentity{}, err
	}

	found, err = t.activeMember(ctx, member.NormalizedNickname)
	if err == nil {
		return t.promote(ctx, found, member.Role)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.MemberIdentity{}, err
	}

	// Параллельная транзакция могла создать того же участника: ON CONFLICT ждёт её и не вставляет дубль.
	start = time.Now()
	created, err := scanMember(t.tx.QueryRow(ctx, `
INSERT INTO members (display_name, normalized_nickname, role, product_line, period)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (normalized_nickname) WHERE active DO NOTHING
RETURNING `+memberColumns+`
`, member.DisplayName, member.NormalizedNickname, string(member.Role.Promote(domain.RoleMember)), member.ProductLine, member.Period))
	metrics.ObserveNetworkRequest("postgres", "insert_member", "members", start, ignoreNotFound(err))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.MemberIdentity{}, err
	}
	found, err = t.activeMember(ctx, member.NormalizedNickname)
	if err != nil {
		return domain.MemberIdentity{}, err
	}
	return t.promote(ctx, found, member.Role)
}

func (t *pgTx) activeMember(ctx context.Context, normalized string) (domain.MemberIdentity, error) {
	start := time.Now()
	m, err := scanMember(t.tx.QueryRow(ctx, `
SELECT `+memberColumns+`
FROM members
WHERE normalized_nickname = $1 AND active
`, normalized))
	metrics.ObserveNetworkRequest("postgres", "select_member", "members", start, ignoreNotFound(err))
	return m, err
}

func (t *pgTx) promote(ctx context.Context, m domain.MemberIdentity, role domain.MemberRole) (domain.MemberIdentity, error) {
	promoted := m.Role.Promote(role)
	if promoted == m.Role {
		return m, nil
	}
	start := time.Now()
	_, err := t.tx.Exec(ctx, `UPDATE members SET role = $2 WHERE id = $1`, m.ID, string(promoted))
	metrics.ObserveNetworkRequest("postgres", "update_member_role", "members", start, err)
	if err != nil {
		return domain.MemberIdentity{}, err
	}
	m.Role = promoted
	return m, nil
}

func (t *pgTx) ListFacts(ctx context.Context, sourceID int64) (domain.ExtractionResult, error) {
	var res domain.ExtractionResult
	var err error
	if res.Questions, err = t.listQuestions(ctx, sourceID); err != nil {
		return res, err
	}
	if res.GoodNews, err = t.listGoodNews(ctx, sourceID); err != nil {
		return res, err
	}
	if res.Koc, err = t.listKoc(ctx, sourceID); err != nil {
		return res, err
	}
	if res.Stars, err = t.listStars(ctx, sourceID); err != nil {
		return res, err
	}
	if res.Tags, err = t.listTags(ctx, sourceID); err != nil {
		return res, err
	}
	return res, nil
}

func (t *pgTx) listQuestions(ctx context.Context, sourceID int64) ([]domain.QuestionAnswer, error) {
	start := time.Now()
	rows, err := t.tx.Query(ctx, `
SELECT id, source_log_id, question, asker_name, asker_member_id, question_time, answerer_name,
       answerer_member_id, answer, answer_time, is_resolved, response_minutes, confidence, is_verified
FROM question_answers
WHERE source_log_id = $1
ORDER BY id
`, sourceID)
	metrics.ObserveNetworkRequest("postgres", "list_questions", "question_answers", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QuestionAnswer
	for rows.Next() {
		var (
			q          domain.QuestionAnswer
			asker      sql.NullInt64
			answerer   sql.NullInt64
			confidence string
		)
		if err := rows.Scan(&q.ID, &q.SourceLogID, &q.Question, &q.AskerName, &asker, &q.QuestionTime,
			&q.AnswererName, &answerer, &q.Answer, &q.AnswerTime, &q.IsResolved, &q.ResponseMinutes,
			&confidence, &q.IsVerified); err != nil {
			return nil, err
		}
		q.AskerMemberID = asker.Int64
		q.AnswererMemberID = answerer.Int64
		q.Confidence = domain.Confidence(confidence)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (t *pgTx) listGoodNews(ctx context.Context, sourceID int64) ([]domain.GoodNewsItem, error) {
	start := time.Now()
	rows, err := t.tx.Query(ctx, `
SELECT id, source_log_id, author, member_id, content, category, amount, currency, revenue_level,
       tags, posted_at, confidence, is_verified
FROM good_news
WHERE source_log_id = $1
ORDER BY id
`, sourceID)
	metrics.ObserveNetworkRequest("postgres", "list_good_news", "good_news", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GoodNewsItem
	for rows.Next() {
		var (
			g                           domain.GoodNewsItem
			member                      sql.NullInt64
			category, level, confidence string
		)
		if err := rows.Scan(&g.ID, &g.SourceLogID, &g.Author, &member, &g.Content, &category, &g.Amount,
			&g.Currency, &level, &g.Tags, &g.PostedAt, &confidence, &g.IsVerified); err != nil {
			return nil, err
		}
		g.MemberID = member.Int64
		g.Category = domain.GoodNewsCategory(category)
		g.RevenueLevel = domain.RevenueLevel(level)
		g.Confidence = domain.Confidence(confidence)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *pgTx) listKoc(ctx context.Context, sourceID int64) ([]domain.KocContribution, error) {
	start := time.Now()
	rows, err := t.tx.Query(ctx, `
SELECT id, source_log_id, author, member_id, content, model, core_deed, member_name, niche, result, link,
       tags, posted_at, confidence, is_verified
FROM koc_contributions
WHERE source_log_id = $1
ORDER BY id
`, sourceID)
	metrics.ObserveNetworkRequest("postgres", "list_koc", "koc_contributions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.KocContribution
	for rows.Next() {
		var (
			k          domain.KocContribution
			member     sql.NullInt64
			confidence string
		)
		if err := rows.Scan(&k.ID, &k.SourceLogID, &k.Author, &member, &k.Content, &k.Model, &k.CoreDeed,
			&k.MemberName, &k.Niche, &k.Result, &k.Link, &k.Tags, &k.PostedAt, &confidence, &k.IsVerified); err != nil {
			return nil, err
		}
		k.MemberID = member.Int64
		k.Confidence = domain.Confidence(confidence)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (t *pgTx) listStars(ctx context.Context, sourceID int64) ([]domain.StarStudentRecord, error) {
	start := time.Now()
	rows, err := t.tx.Query(ctx, `
SELECT id, source_log_id, author, member_id, content, achievement, revenue_level, tags, posted_at,
       confidence, is_verified
FROM star_students
WHERE source_log_id = $1
ORDER BY id
`, sourceID)
	metrics.ObserveNetworkRequest("postgres", "list_stars", "star_students", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StarStudentRecord
	for rows.Next() {
		var (
			s                 domain.StarStudentRecord
			member            sql.NullInt64
			level, confidence string
		)
		if err := rows.Scan(&s.ID, &s.SourceLogID, &s.Author, &member, &s.Content, &s.Achievement, &level,
			&s.Tags, &s.PostedAt, &confidence, &s.IsVerified); err != nil {
			return nil, err
		}
		s.MemberID = member.Int64
		s.RevenueLevel = domain.RevenueLevel(level)
		s.Confidence = domain.Confidence(confidence)
		out = append(out, s)
	}
	return out, rows.Err()
}

type tagJSON struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

func (t *pgTx) listTags(ctx context.Context, sourceID int64) ([]domain.MessageTag, error) {
	start := time.Now()
	rows, err := t.tx.Query(ctx, `
SELECT ordinal, tags
FROM chat_messages
WHERE source_log_id = $1 AND tags <> '[]'::jsonb
ORDER BY ordinal
`, sourceID)
	metrics.ObserveNetworkRequest("postgres", "list_tags", "chat_messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MessageTag
	for rows.Next() {
		var (
			ordinal int
			raw     []byte
		)
		if err := rows.Scan(&ordinal, &raw); err != nil {
			return nil, err
		}
		var tags []tagJSON
		if err := json.Unmarshal(raw, &tags); err != nil {
			return nil, fmt.Errorf("теги сообщения %d: %w", ordinal, err)
		}
		for _, tag := range tags {
			out = append(out, domain.MessageTag{Ordinal: ordinal, Dimension: domain.TagDimension(tag.Dimension), Value: tag.Value})
		}
	}
	return out, rows.Err()
}

var factTables = []string{"question_answers", "good_news", "koc_contributions", "star_students"}

func (t *pgTx) DeleteFacts(ctx context.Context, sourceID int64) error {
	for _, table := range factTables {
		start := time.Now()
		_, err := t.tx.Exec(ctx, `DELETE FROM `+table+` WHERE source_log_id = $1`, sourceID)
		metrics.ObserveNetworkRequest("postgres", "delete_facts", table, start, err)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertFacts(ctx context.Context, sourceID int64, result domain.ExtractionResult) error {
	batch := &pgx.Batch{}
	for _, q := range result.Questions {
		if err := q.Validate(); err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO question_answers (source_log_id, question, asker_name, asker_member_id, question_time, answerer_name,
    answerer_member_id, answer, answer_time, is_resolved, response_minutes, confidence, is_verified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`, sourceID, q.Question, q.AskerName, nullID(q.AskerMemberID), q.QuestionTime, q.AnswererName,
			nullID(q.AnswererMemberID), q.Answer, q.AnswerTime, q.IsResolved, q.ResponseMinutes, string(q.Confidence), q.IsVerified)
	}
	for _, g := range result.GoodNews {
		batch.Queue(`
INSERT INTO good_news (source_log_id, author, member_id, content, category, amount, currency, revenue_level,
    tags, posted_at, confidence, is_verified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, sourceID, g.Author, nullID(g.MemberID), g.Content, string(g.Category), g.Amount, g.Currency,
			string(g.RevenueLevel), g.Tags, g.PostedAt, string(g.Confidence), g.IsVerified)
	}
	for _, k := range result.Koc {
		batch.Queue(`
INSERT INTO koc_contributions (source_log_id, author, member_id, content, model, core_deed, member_name, niche,
    result, link, tags, posted_at, confidence, is_verified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`, sourceID, k.Author, nullID(k.MemberID), k.Content, k.Model, k.CoreDeed, k.MemberName, k.Niche,
			k.Result, k.Link, k.Tags, k.PostedAt, string(k.Confidence), k.IsVerified)
	}
	for _, s := range result.Stars {
		batch.Queue(`
INSERT INTO star_students (source_log_id, author, member_id, content, achievement, revenue_level, tags,
    posted_at, confidence, is_verified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, sourceID, s.Author, nullID(s.MemberID), s.Content, s.Achievement, string(s.RevenueLevel), s.Tags,
			s.PostedAt, string(s.Confidence), s.IsVerified)
	}
	return t.sendBatch(ctx, batch, "insert_facts", "facts")
}

func (t *pgTx) sendBatch(ctx context.Context, batch *pgx.Batch, op, table string) error {
	if batch.Len() == 0 {
		return nil
	}
	start := time.Now()
	results := t.tx.SendBatch(ctx, batch)
	var err error
	for i := 0; i < batch.Len(); i++ {
		if _, err = results.Exec(); err != nil {
			break
		}
	}
	if closeErr := results.Close(); err == nil {
		err = closeErr
	}
	metrics.ObserveNetworkRequest("postgres", op, table, start, err)
	return err
}

func (t *pgTx) ReplaceMessages(ctx context.Context, sourceID int64, messages []domain.AuditMessage) error {
	start := time.Now()
	_, err := t.tx.Exec(ctx, `DELETE FROM chat_messages WHERE source_log_id = $1`, sourceID)
	metrics.ObserveNetworkRequest("postgres", "delete_messages", "chat_messages", start, err)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, msg := range messages {
		tags := make([]tagJSON, 0, len(msg.Tags))
		for _, tag := range msg.Tags {
			tags = append(tags, tagJSON{Dimension: string(tag.Dimension), Value: tag.Value})
		}
		payload, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO chat_messages (source_log_id, ordinal, author, author_id, member_id, sent_at, body, message_type,
    quotes, tags)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
`, sourceID, msg.Ordinal, msg.Author, msg.AuthorID, nullID(msg.MemberID), msg.Timestamp, msg.Body,
			string(msg.Type), msg.Quotes, string(payload))
	}
	return t.sendBatch(ctx, batch, "insert_messages", "chat_messages")
}

func (t *pgTx) MessageMembers(ctx context.Context, sourceID int64) ([]int64, error) {
	start := time.Now()
	rows, err := t.tx.Query(ctx, `
SELECT DISTINCT member_id
FROM chat_messages
WHERE source_log_id = $1 AND member_id IS NOT NULL
ORDER BY member_id
`, sourceID)
	metrics.ObserveNetworkRequest("postgres", "list_message_members", "chat_messages", start, err)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (t *pgTx) UpsertDailyAggregate(ctx context.Context, agg domain.DailyAggregate) error {
	start := time.Now()
	_, err := t.tx.Exec(ctx, `
INSERT INTO daily_aggregates (product_line, period, group_name, chat_date, source_log_id, message_count,
    question_count, answer_count, good_news_count, koc_count, star_count, active_members, avg_response_minutes,
    updated_at)
VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
ON CONFLICT (product_line, period, group_name, chat_date) DO UPDATE
SET source_log_id = EXCLUDED.source_log_id,
    message_count = EXCLUDED.message_count,
    question_count = EXCLUDED.question_count,
    answer_count = EXCLUDED.answer_count,
    good_news_count = EXCLUDED.good_news_count,
    koc_count = EXCLUDED.koc_count,
    star_count = EXCLUDED.star_count,
    active_members = EXCLUDED.active_members,
    avg_response_minutes = EXCLUDED.avg_response_minutes,
    updated_at = now()
`, agg.Key.ProductLine, agg.Key.Period, agg.Key.Group, agg.Key.DateString(), agg.SourceLogID, agg.MessageCount,
		agg.QuestionCount, agg.AnswerCount, agg.GoodNewsCount, agg.KocCount, agg.StarCount, agg.ActiveMembers,
		agg.AvgResponseMinutes)
	metrics.ObserveNetworkRequest("postgres", "upsert_daily_aggregate", "daily_aggregates", start, err)
	return err
}

func (t *pgTx) RecomputeMemberStats(ctx context.Context, memberIDs []int64) error {
	if len(memberIDs) == 0 {
		return nil
	}
	start := time.Now()
	_, err := t.tx.Exec(ctx, `
INSERT INTO member_stats (member_id, messages, questions_asked, answers_given, good_news, koc_count, star_count, updated_at)
SELECT m.id,
       (SELECT count(*) FROM chat_messages c WHERE c.member_id = m.id),
       (SELECT count(*) FROM question_answers q WHERE q.asker_member_id = m.id),
       (SELECT count(*) FROM question_answers q WHERE q.is_resolved AND q.answerer_member_id = m.id),
       (SELECT count(*) FROM good_news g WHERE g.member_id = m.id),
       (SELECT count(*) FROM koc_contributions k WHERE k.member_id = m.id),
       (SELECT count(*) FROM star_students s WHERE s.member_id = m.id),
       now()
FROM members m
WHERE m.id = ANY($1)
ON CONFLICT (member_id) DO UPDATE
SET messages = EXCLUDED.messages,
    questions_asked = EXCLUDED.questions_asked,
    answers_given = EXCLUDED.answers_given,
    good_news = EXCLUDED.good_news,
    koc_count = EXCLUDED.koc_count,
    star_count = EXCLUDED.star_count,
    updated_at = now()
`, memberIDs)
	metrics.ObserveNetworkRequest("postgres", "recompute_member_stats", "member_stats", start, err)
	return err
}

func (t *pgTx) CompleteIngestion(ctx context.Context, id int64, messageCount int, processedAt time.Time) error {
	start := time.Now()
	tag, err := t.tx.Exec(ctx, `
UPDATE ingestion_records
SET status = 'processed', status_reason = '', message_count = $2, processed_at = $3, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, id, messageCount, processedAt)
	metrics.ObserveNetworkRequest("postgres", "complete_ingestion", "ingestion_records", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, t.tx, "ingestion_records", id)
	}
	return nil
}

func (t *pgTx) MergeMembers(ctx context.Context, keepID, duplicateID int64) ([]int64, error) {
	if keepID == duplicateID {
		return nil, fmt.Errorf("нельзя объединить участника с самим собой")
	}
	keep, err := scanMember(t.tx.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, keepID))
	if err != nil || !keep.Active {
		if err == nil {
			err = domain.ErrNotFound
		}
		return nil, fmt.Errorf("участник %d: %w", keepID, err)
	}
	dup, err := scanMember(t.tx.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, duplicateID))
	if err != nil {
		return nil, fmt.Errorf("участник %d: %w", duplicateID, err)
	}

	statements := []struct {
		op    string
		table string
		query string
	}{
		{"deactivate_member", "members", `UPDATE members SET active = FALSE WHERE id = $2`},
		{"repoint_aliases", "member_aliases", `UPDATE member_aliases SET member_id = $1 WHERE member_id = $2`},
		{"repoint_askers", "question_answers", `UPDATE question_answers SET asker_member_id = $1 WHERE asker_member_id = $2`},
		{"repoint_answerers", "question_answers", `UPDATE question_answers SET answerer_member_id = $1 WHERE answerer_member_id = $2`},
		{"repoint_good_news", "good_news", `UPDATE good_news SET member_id = $1 WHERE member_id = $2`},
		{"repoint_koc", "koc_contributions", `UPDATE koc_contributions SET member_id = $1 WHERE member_id = $2`},
		{"repoint_stars", "star_students", `UPDATE star_students SET member_id = $1 WHERE member_id = $2`},
		{"repoint_messages", "chat_messages", `UPDATE chat_messages SET member_id = $1 WHERE member_id = $2`},
	}
	for _, st := range statements {
		start := time.Now()
		_, err := t.tx.Exec(ctx, st.query, keepID, duplicateID)
		metrics.ObserveNetworkRequest("postgres", st.op, st.table, start, err)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	_, err = t.tx.Exec(ctx, `
INSERT INTO member_aliases (alias, member_id)
VALUES ($1, $2)
ON CONFLICT (alias) DO UPDATE SET member_id = EXCLUDED.member_id
`, dup.NormalizedNickname, keepID)
	metrics.ObserveNetworkRequest("postgres", "upsert_alias", "member_aliases", start, err)
	if err != nil {
		return nil, err
	}
	if _, err := t.promote(ctx, keep, dup.Role); err != nil {
		return nil, err
	}
	return []int64{keepID, duplicateID}, nil
}
