package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatlog-pipeline/internal/domain"
)

// Memory хранит все данные конвейера в памяти процесса.
// Транзакции сериализуются и применяются целиком либо не применяются вовсе.
type Memory struct {
	mu    sync.Mutex
	state *memState
	fail  map[string]error
	now   func() time.Time
}

type memState struct {
	nextID    int64
	records   map[int64]domain.IngestionRecord
	members   map[int64]domain.MemberIdentity
	aliases   map[string]int64
	questions map[int64][]domain.QuestionAnswer
	goodNews  map[int64][]domain.GoodNewsItem
	koc       map[int64][]domain.KocContribution
	stars     map[int64][]domain.StarStudentRecord
	messages  map[int64][]domain.AuditMessage
	daily     map[string]domain.DailyAggregate
	stats     map[int64]domain.MemberAggregateStats
	retries   map[int64]domain.RetryEntry
	runs      []domain.RunReport
}

var (
	_ domain.IngestionRepo  = (*Memory)(nil)
	_ domain.DerivedStore   = (*Memory)(nil)
	_ domain.RetryQueueRepo = (*Memory)(nil)
	_ domain.RunRepo        = (*Memory)(nil)
)

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			records:   map[int64]domain.IngestionRecord{},
			members:   map[int64]domain.MemberIdentity{},
			aliases:   map[string]int64{},
			questions: map[int64][]domain.QuestionAnswer{},
			goodNews:  map[int64][]domain.GoodNewsItem{},
			koc:       map[int64][]domain.KocContribution{},
			stars:     map[int64][]domain.StarStudentRecord{},
			messages:  map[int64][]domain.AuditMessage{},
			daily:     map[string]domain.DailyAggregate{},
			stats:     map[int64]domain.MemberAggregateStats{},
			retries:   map[int64]domain.RetryEntry{},
		},
		fail: map[string]error{},
		now:  time.Now,
	}
}

// FailOn заставляет операцию op возвращать err. nil снимает сбой.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *Memory) injected(op string) error {
	return m.fail[op]
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memState) clone() *memState {
	out := &memState{
		nextID:    s.nextID,
		records:   cloneMap(s.records),
		members:   cloneMap(s.members),
		aliases:   cloneMap(s.aliases),
		questions: cloneSlices(s.questions),
		goodNews:  cloneSlices(s.goodNews),
		koc:       cloneSlices(s.koc),
		stars:     cloneSlices(s.stars),
		messages:  cloneSlices(s.messages),
		daily:     cloneMap(s.daily),
		stats:     cloneMap(s.stats),
		retries:   cloneMap(s.retries),
		runs:      append([]domain.RunReport(nil), s.runs...),
	}
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSlices[K comparable, V any](in map[K][]V) map[K][]V {
	out := make(map[K][]V, len(in))
	for k, v := range in {
		out[k] = append([]V(nil), v...)
	}
	return out
}

// UpsertIngestion реализует domain.IngestionRepo.
func (m *Memory) UpsertIngestion(_ context.Context, rec domain.IngestionRecord) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("upsert_ingestion"); err != nil {
		return 0, false, err
	}
	now := m.now()
	for id, existing := range m.state.records {
		if existing.Key.String() != rec.Key.String() {
			continue
		}
		if existing.ContentHash == rec.ContentHash {
			return id, false, nil
		}
		existing.FileName = rec.FileName
		existing.RawContent = rec.RawContent
		existing.ContentHash = rec.ContentHash
		existing.MessageCount = 0
		existing.Status = domain.StatusPending
		existing.StatusReason = ""
		existing.ProcessedAt = nil
		existing.UpdatedAt = now
		m.state.records[id] = existing
		return id, true, nil
	}
	rec.ID = m.state.id()
	rec.Status = domain.StatusPending
	rec.StatusReason = ""
	rec.ProcessedAt = nil
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.state.records[rec.ID] = rec
	return rec.ID, true, nil
}

// GetIngestion реализует domain.IngestionRepo.
func (m *Memory) GetIngestion(_ context.Context, id int64) (domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.state.records[id]
	if !ok {
		return domain.IngestionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// FindIngestionByFileName реализует domain.IngestionRepo.
func (m *Memory) FindIngestionByFileName(_ context.Context, fileName string) (domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.IngestionRecord
	for _, rec := range m.state.records {
		if rec.FileName != fileName {
			continue
		}
		if found == nil || rec.ID > found.ID {
			r := rec
			found = &r
		}
	}
	if found == nil {
		return domain.IngestionRecord{}, domain.ErrNotFound
	}
	return *found, nil
}

// ListIngestionsByStatus реализует domain.IngestionRepo.
func (m *Memory) ListIngestionsByStatus(_ context.Context, status domain.IngestionStatus, limit int) ([]domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.IngestionRecord
	for _, rec := range m.state.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TransitionIngestion реализует domain.IngestionRepo.
func (m *Memory) TransitionIngestion(_ context.Context, id int64, from, to domain.IngestionStatus, reason string) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("transition_ingestion"); err != nil {
		return err
	}
	rec, ok := m.state.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status != from {
		return domain.ErrConcurrencyConflict
	}
	rec.Status = to
	rec.StatusReason = reason
	rec.UpdatedAt = m.now()
	m.state.records[id] = rec
	return nil
}

// ListStaleProcessing реализует domain.IngestionRepo.
func (m *Memory) ListStaleProcessing(_ context.Context, before time.Time) ([]domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.IngestionRecord
	for _, rec := range m.state.records {
		if rec.Status == domain.StatusProcessing && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WithinTx выполняет fn на копии состояния и применяет её только при успехе.
func (m *Memory) WithinTx(ctx context.Context, fn func(tx domain.DerivedTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, s: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.s
	return nil
}

type memTx struct {
	m *Memory
	s *memState
}

func (tx *memTx) ResolveMember(_ context.Context, member domain.MemberIdentity) (domain.MemberIdentity, error) {
	if err := tx.m.injected("resolve_member"); err != nil {
		return domain.MemberIdentity{}, err
	}
	if member.NormalizedNickname == "" {
		return domain.MemberIdentity{}, fmt.Errorf("пустой ник участника")
	}
	if id, ok := tx.s.aliases[member.NormalizedNickname]; ok {
		return tx.promote(tx.s.members[id], member.Role), nil
	}
	for _, existing := range tx.s.members {
		if existing.Active && existing.NormalizedNickname == member.NormalizedNickname {
			return tx.promote(existing, member.Role), nil
		}
	}
	member.ID = tx.s.id()
	member.Active = true
	member.Role = member.Role.Promote(domain.RoleMember)
	member.CreatedAt = tx.m.now()
	tx.s.members[member.ID] = member
	return member, nil
}

func (tx *memTx) promote(existing domain.MemberIdentity, role domain.MemberRole) domain.MemberIdentity {
	promoted := existing.Role.Promote(role)
	if promoted != existing.Role {
		existing.Role = promoted
		tx.s.members[existing.ID] = existing
	}
	return existing
}

func (tx *memTx) ListFacts(_ context.Context, sourceID int64) (domain.ExtractionResult, error) {
	res := domain.ExtractionResult{
		Questions: append([]domain.QuestionAnswer(nil), tx.s.questions[sourceID]...),
		GoodNews:  append([]domain.GoodNewsItem(nil), tx.s.goodNews[sourceID]...),
		Koc:       append([]domain.KocContribution(nil), tx.s.koc[sourceID]...),
		Stars:     append([]domain.StarStudentRecord(nil), tx.s.stars[sourceID]...),
	}
	for _, msg := range tx.s.messages[sourceID] {
		res.Tags = append(res.Tags, msg.Tags...)
	}
	return res, nil
}

func (tx *memTx) DeleteFacts(_ context.Context, sourceID int64) error {
	if err := tx.m.injected("delete_facts"); err != nil {
		return err
	}
	delete(tx.s.questions, sourceID)
	delete(tx.s.goodNews, sourceID)
	delete(tx.s.koc, sourceID)
	delete(tx.s.stars, sourceID)
	return nil
}

func (tx *memTx) InsertFacts(_ context.Context, sourceID int64, result domain.ExtractionResult) error {
	if err := tx.m.injected("insert_facts"); err != nil {
		return err
	}
	for _, q := range result.Questions {
		if err := q.Validate(); err != nil {
			return err
		}
		q.ID, q.SourceLogID = tx.s.id(), sourceID
		tx.s.questions[sourceID] = append(tx.s.questions[sourceID], q)
	}
	for _, g := range result.GoodNews {
		g.ID, g.SourceLogID = tx.s.id(), sourceID
		tx.s.goodNews[sourceID] = append(tx.s.goodNews[sourceID], g)
	}
	for _, k := range result.Koc {
		k.ID, k.SourceLogID = tx.s.id(), sourceID
		tx.s.koc[sourceID] = append(tx.s.koc[sourceID], k)
	}
	for _, s := range result.Stars {
		s.ID, s.SourceLogID = tx.s.id(), sourceID
		tx.s.stars[sourceID] = append(tx.s.stars[sourceID], s)
	}
	return nil
}

func (tx *memTx) ReplaceMessages(_ context.Context, sourceID int64, messages []domain.AuditMessage) error {
	if err := tx.m.injected("replace_messages"); err != nil {
		return err
	}
	tx.s.messages[sourceID] = append([]domain.AuditMessage(nil), messages...)
	return nil
}

func (tx *memTx) MessageMembers(_ context.Context, sourceID int64) ([]int64, error) {
	seen := map[int64]struct{}{}
	var out []int64
	for _, msg := range tx.s.messages[sourceID] {
		if _, ok := seen[msg.MemberID]; ok || msg.MemberID == 0 {
			continue
		}
		seen[msg.MemberID] = struct{}{}
		out = append(out, msg.MemberID)
	}
	return out, nil
}

func (tx *memTx) UpsertDailyAggregate(_ context.Context, agg domain.DailyAggregate) error {
	if err := tx.m.injected("upsert_daily_aggregate"); err != nil {
		return err
	}
	agg.UpdatedAt = tx.m.now()
	tx.s.daily[agg.Key.String()] = agg
	return nil
}

func (tx *memTx) RecomputeMemberStats(_ context.Context, memberIDs []int64) error {
	if err := tx.m.injected("recompute_member_stats"); err != nil {
		return err
	}
	for _, id := range memberIDs {
		stats := domain.MemberAggregateStats{MemberID: id, UpdatedAt: tx.m.now()}
		for _, msgs := range tx.s.messages {
			for _, msg := range msgs {
				if msg.MemberID == id {
					stats.Messages++
				}
			}
		}
		for _, qs := range tx.s.questions {
			for _, q := range qs {
				if q.AskerMemberID == id {
					stats.QuestionsAsked++
				}
				if q.IsResolved && q.AnswererMemberID == id {
					stats.AnswersGiven++
				}
			}
		}
		for _, items := range tx.s.goodNews {
			for _, g := range items {
				if g.MemberID == id {
					stats.GoodNews++
				}
			}
		}
		for _, items := range tx.s.koc {
			for _, k := range items {
				if k.MemberID == id {
					stats.KocCount++
				}
			}
		}
		for _, items := range tx.s.stars {
			for _, s := range items {
				if s.MemberID == id {
					stats.StarCount++
				}
			}
		}
		tx.s.stats[id] = stats
	}
	return nil
}

func (tx *memTx) CompleteIngestion(_ context.Context, id int64, messageCount int, processedAt time.Time) error {
	if err := tx.m.injected("complete_ingestion"); err != nil {
		return err
	}
	rec, ok := tx.s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status != domain.StatusProcessing {
		return domain.ErrConcurrencyConflict
	}
	ts := processedAt
	rec.Status = domain.StatusProcessed
	rec.StatusReason = ""
	rec.MessageCount = messageCount
	rec.ProcessedAt = &ts
	rec.UpdatedAt = processedAt
	tx.s.records[id] = rec
	return nil
}

func (tx *memTx) MergeMembers(_ context.Context, keepID, duplicateID int64) ([]int64, error) {
	if keepID == duplicateID {
		return nil, fmt.Errorf("нельзя объединить участника с самим собой")
	}
	keep, ok := tx.s.members[keepID]
	if !ok || !keep.Active {
		return nil, fmt.Errorf("участник %d: %w", keepID, domain.ErrNotFound)
	}
	dup, ok := tx.s.members[duplicateID]
	if !ok {
		return nil, fmt.Errorf("участник %d: %w", duplicateID, domain.ErrNotFound)
	}
	tx.s.aliases[dup.NormalizedNickname] = keepID
	for alias, target := range tx.s.aliases {
		if target == duplicateID {
			tx.s.aliases[alias] = keepID
		}
	}
	repoint := func(id *int64) {
		if *id == duplicateID {
			*id = keepID
		}
	}
	for src := range tx.s.questions {
		for i := range tx.s.questions[src] {
			repoint(&tx.s.questions[src][i].AskerMemberID)
			repoint(&tx.s.questions[src][i].AnswererMemberID)
		}
	}
	for src := range tx.s.goodNews {
		for i := range tx.s.goodNews[src] {
			repoint(&tx.s.goodNews[src][i].MemberID)
		}
	}
	for src := range tx.s.koc {
		for i := range tx.s.koc[src] {
			repoint(&tx.s.koc[src][i].MemberID)
		}
	}
	for src := range tx.s.stars {
		for i := range tx.s.stars[src] {
			repoint(&tx.s.stars[src][i].MemberID)
		}
	}
	for src := range tx.s.messages {
		for i := range tx.s.messages[src] {
			repoint(&tx.s.messages[src][i].MemberID)
		}
	}
	dup.Active = false
	tx.s.members[duplicateID] = dup
	keep.Role = keep.Role.Promote(dup.Role)
	tx.s.members[keepID] = keep
	return []int64{keepID, duplicateID}, nil
}

// EnqueueRetry реализует domain.RetryQueueRepo.
func (m *Memory) EnqueueRetry(_ context.Context, sourceID int64, reason string, nextAttempt time.Time) (domain.RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("enqueue_retry"); err != nil {
		return domain.RetryEntry{}, err
	}
	now := m.now()
	for id, entry := range m.state.retries {
		if entry.SourceRecordID != sourceID {
			continue
		}
		if entry.Status != domain.RetryPending && entry.Status != domain.RetryProcessing {
			continue
		}
		entry.Status = domain.RetryPending
		entry.Error = reason
		entry.NextAttemptAt = nextAttempt
		entry.UpdatedAt = now
		m.state.retries[id] = entry
		return entry, nil
	}
	entry := domain.RetryEntry{
		ID:             m.state.id(),
		SourceRecordID: sourceID,
		Status:         domain.RetryPending,
		Error:          reason,
		NextAttemptAt:  nextAttempt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.state.retries[entry.ID] = entry
	return entry, nil
}

// ListDueRetries реализует domain.RetryQueueRepo.
func (m *Memory) ListDueRetries(_ context.Context, now time.Time, limit int) ([]domain.RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RetryEntry
	for _, entry := range m.state.retries {
		if entry.Status == domain.RetryPending && !entry.NextAttemptAt.After(now) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRetries реализует domain.RetryQueueRepo. Пустой статус возвращает все записи.
func (m *Memory) ListRetries(_ context.Context, status domain.RetryStatus, limit int) ([]domain.RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RetryEntry
	for _, entry := range m.state.retries {
		if status == "" || entry.Status == status {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) updateRetry(id int64, fn func(*domain.RetryEntry) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.state.retries[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := fn(&entry); err != nil {
		return err
	}
	entry.UpdatedAt = m.now()
	m.state.retries[id] = entry
	return nil
}

// ClaimRetry реализует domain.RetryQueueRepo.
func (m *Memory) ClaimRetry(_ context.Context, id int64) error {
	return m.updateRetry(id, func(e *domain.RetryEntry) error {
		if e.Status != domain.RetryPending {
			return domain.ErrConcurrencyConflict
		}
		e.Status = domain.RetryProcessing
		return nil
	})
}

// CompleteRetry реализует domain.RetryQueueRepo.
func (m *Memory) CompleteRetry(_ context.Context, id int64) error {
	return m.updateRetry(id, func(e *domain.RetryEntry) error {
		e.Status = domain.RetryDone
		return nil
	})
}

// RescheduleRetry реализует domain.RetryQueueRepo.
func (m *Memory) RescheduleRetry(_ context.Context, id int64, reason string, nextAttempt time.Time) error {
	return m.updateRetry(id, func(e *domain.RetryEntry) error {
		e.Status = domain.RetryPending
		e.Attempts++
		e.Error = reason
		e.NextAttemptAt = nextAttempt
		return nil
	})
}

// FailRetry реализует domain.RetryQueueRepo.
func (m *Memory) FailRetry(_ context.Context, id int64, reason string) error {
	return m.updateRetry(id, func(e *domain.RetryEntry) error {
		e.Status = domain.RetryFailed
		e.Attempts++
		e.Error = reason
		return nil
	})
}

// RecordRun реализует domain.RunRepo.
func (m *Memory) RecordRun(_ context.Context, run domain.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.runs = append(m.state.runs, run)
	return nil
}

// ListRuns реализует domain.RunRepo, последние запуски первыми.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]domain.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RunReport, 0, len(m.state.runs))
	for i := len(m.state.runs) - 1; i >= 0; i-- {
		out = append(out, m.state.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Facts возвращает сохранённые факты выгрузки.
func (m *Memory) Facts(sourceID int64) domain.ExtractionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, s: m.state}
	res, _ := tx.ListFacts(context.Background(), sourceID)
	return res
}

// UpdateFacts изменяет сохранённые факты выгрузки на месте, как ручная правка оператора.
func (m *Memory) UpdateFacts(sourceID int64, fn func(res *domain.ExtractionResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := domain.ExtractionResult{
		Questions: m.state.questions[sourceID],
		GoodNews:  m.state.goodNews[sourceID],
		Koc:       m.state.koc[sourceID],
		Stars:     m.state.stars[sourceID],
	}
	fn(&res)
	m.state.questions[sourceID] = res.Questions
	m.state.goodNews[sourceID] = res.GoodNews
	m.state.koc[sourceID] = res.Koc
	m.state.stars[sourceID] = res.Stars
}

// Messages возвращает журнал сообщений выгрузки.
func (m *Memory) Messages(sourceID int64) []domain.AuditMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditMessage(nil), m.state.messages[sourceID]...)
}

// DailyAggregates возвращает все дневные сводки.
func (m *Memory) DailyAggregates() []domain.DailyAggregate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DailyAggregate, 0, len(m.state.daily))
	for _, agg := range m.state.daily {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Members возвращает всех участников по возрастанию id.
func (m *Memory) Members() []domain.MemberIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.MemberIdentity, 0, len(m.state.members))
	for _, member := range m.state.members {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MemberStats возвращает счётчики участника.
func (m *Memory) MemberStats(memberID int64) (domain.MemberAggregateStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.state.stats[memberID]
	return stats, ok
}

// SetClock подменяет источник времени.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
