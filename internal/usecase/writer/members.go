package writer

import (
	"context"
	"fmt"

	"chatlog-pipeline/internal/domain"
)

// resolver сопоставляет авторов каноничным участникам в пределах одной транзакции.
type resolver struct {
	tx    domain.DerivedTx
	key   domain.IngestionKey
	cache map[string]int64
}

func newResolver(tx domain.DerivedTx, key domain.IngestionKey) *resolver {
	return &resolver{tx: tx, key: key, cache: map[string]int64{}}
}

func (r *resolver) resolve(ctx context.Context, author string) (int64, error) {
	nick := domain.ParseNickname(author)
	if nick.Normalized == "" {
		return 0, nil
	}
	if id, ok := r.cache[nick.Normalized]; ok && nick.Role == domain.RoleMember {
		return id, nil
	}
	member, err := r.tx.ResolveMember(ctx, domain.MemberIdentity{
		DisplayName:        nick.Display,
		NormalizedNickname: nick.Normalized,
		Role:               nick.Role,
		ProductLine:        r.key.ProductLine,
		Period:             r.key.Period,
	})
	if err != nil {
		return 0, fmt.Errorf("участник %q: %w", author, err)
	}
	r.cache[nick.Normalized] = member.ID
	return member.ID, nil
}

func (r *resolver) resolveFacts(ctx context.Context, facts *domain.ExtractionResult) error {
	var err error
	for i := range facts.Questions {
		q := &facts.Questions[i]
		if q.AskerMemberID, err = r.resolve(ctx, q.AskerName); err != nil {
			return err
		}
		q.AnswererMemberID = 0
		if q.AnswererName != nil {
			if q.AnswererMemberID, err = r.resolve(ctx, *q.AnswererName); err != nil {
				return err
			}
		}
	}
	for i := range facts.GoodNews {
		if facts.GoodNews[i].MemberID, err = r.resolve(ctx, facts.GoodNews[i].Author); err != nil {
			return err
		}
	}
	for i := range facts.Koc {
		if facts.Koc[i].MemberID, err = r.resolve(ctx, facts.Koc[i].Author); err != nil {
			return err
		}
	}
	for i := range facts.Stars {
		if facts.Stars[i].MemberID, err = r.resolve(ctx, facts.Stars[i].Author); err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) resolveMessages(ctx context.Context, messages []domain.StructuredMessage, tags []domain.MessageTag) ([]domain.AuditMessage, error) {
	byOrdinal := map[int][]domain.MessageTag{}
	for _, tag := range tags {
		byOrdinal[tag.Ordinal] = append(byOrdinal[tag.Ordinal], tag)
	}
	out := make([]domain.AuditMessage, 0, len(messages))
	for _, msg := range messages {
		id, err := r.resolve(ctx, msg.Author)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.AuditMessage{
			StructuredMessage: msg,
			MemberID:          id,
			Tags:              byOrdinal[msg.Ordinal],
		})
	}
	return out, nil
}
