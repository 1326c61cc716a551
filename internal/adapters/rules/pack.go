// Package rules содержит детерминированный извлекатель фактов
// на основе версионированного набора правил rules.yaml.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"chatlog-pipeline/internal/domain"
)

// SupportedVersion версия формата rules.yaml.
const SupportedVersion = 1

//go:embed rules.yaml
var embedded []byte

type rawPattern struct {
	Pattern string  `yaml:"pattern"`
	Weight  float64 `yaml:"weight"`
	Regex   bool    `yaml:"regex"`
}

type rawCategory struct {
	Threshold float64      `yaml:"threshold"`
	Patterns  []rawPattern `yaml:"patterns"`
}

type rawGoodNews struct {
	Threshold float64      `yaml:"threshold"`
	Revenue   []rawPattern `yaml:"revenue"`
	Milestone []rawPattern `yaml:"milestone"`
	Growth    []rawPattern `yaml:"growth"`
}

type rawTier struct {
	Level string  `yaml:"level"`
	Min   float64 `yaml:"min"`
}

type rawPack struct {
	Version                 int               `yaml:"version"`
	Meta                    map[string]string `yaml:"meta"`
	ResolutionWindowMinutes int               `yaml:"resolution_window_minutes"`
	Question                rawCategory       `yaml:"question"`
	Thanks                  rawCategory       `yaml:"thanks"`
	GoodNews                rawGoodNews       `yaml:"good_news"`
	Noise                   rawCategory       `yaml:"noise"`
	Star                    rawCategory       `yaml:"star"`
	CoachMarkers            []string          `yaml:"coach_markers"`
	Koc                     struct {
		MinFields int               `yaml:"min_fields"`
		Keys      map[string]string `yaml:"keys"`
	} `yaml:"koc"`
	Amount struct {
		Multipliers     map[string]float64 `yaml:"multipliers"`
		Currencies      map[string]string  `yaml:"currencies"`
		DefaultCurrency string             `yaml:"default_currency"`
		CNYRates        map[string]float64 `yaml:"cny_rates"`
	} `yaml:"amount"`
	RevenueTiers []rawTier `yaml:"revenue_tiers"`
	StarLevels   []string  `yaml:"star_levels"`
}

// Rule скомпилированный шаблон с весом.
type Rule struct {
	Pattern string
	Weight  float64
	re      *regexp.Regexp
}

func (r Rule) match(folded string) bool {
	if r.re != nil {
		return r.re.MatchString(folded)
	}
	return strings.Contains(folded, r.Pattern)
}

// Category набор правил и порог срабатывания.
type Category struct {
	Threshold float64
	Rules     []Rule
}

// Score суммирует веса совпавших правил.
func (c Category) Score(folded string) float64 {
	var score float64
	for _, r := range c.Rules {
		if r.match(folded) {
			score += r.Weight
		}
	}
	return score
}

// Match сообщает, что текст набрал порог категории.
func (c Category) Match(folded string) bool {
	return len(c.Rules) > 0 && c.Score(folded) >= c.Threshold
}

// Tier уровень дохода от минимальной суммы в юанях.
type Tier struct {
	Level domain.RevenueLevel
	Min   float64
}

// Pack скомпилированный набор правил.
type Pack struct {
	Version          int
	Meta             map[string]string
	ResolutionWindow int

	Question Category
	Thanks   Category
	Noise    Category
	Star     Category

	GoodNewsThreshold float64
	// GoodNews по категориям в порядке приоритета при равном счёте.
	GoodNews []GoodNewsList

	CoachMarkers []string

	KocMinFields int
	KocKeys      map[string]string

	Multipliers     map[string]float64
	Currencies      map[string]string
	DefaultCurrency string
	CNYRates        map[string]float64
	amountRe        *regexp.Regexp

	Tiers      []Tier
	StarLevels map[domain.RevenueLevel]struct{}
}

// GoodNewsList правила одной категории хороших новостей.
type GoodNewsList struct {
	Category domain.GoodNewsCategory
	Rules    Category
}

// Load возвращает набор правил, встроенный в бинарник.
func Load() (*Pack, error) {
	return Parse(embedded)
}

// LoadFile читает набор правил из файла. Пустой путь означает встроенный набор.
func LoadFile(path string) (*Pack, error) {
	if strings.TrimSpace(path) == "" {
		return Load()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: чтение %s: %w", path, err)
	}
	return Parse(data)
}

// Parse разбирает и компилирует rules.yaml.
func Parse(data []byte) (*Pack, error) {
	var rp rawPack
	if err := yaml.Unmarshal(data, &rp); err != nil {
		return nil, fmt.Errorf("rules: разбор yaml: %w", err)
	}
	if rp.Version != SupportedVersion {
		return nil, fmt.Errorf("rules: неподдерживаемая версия %d", rp.Version)
	}

	p := &Pack{
		Version:           rp.Version,
		Meta:              rp.Meta,
		ResolutionWindow:  rp.ResolutionWindowMinutes,
		GoodNewsThreshold: rp.GoodNews.Threshold,
		KocMinFields:      rp.Koc.MinFields,
		KocKeys:           make(map[string]string, len(rp.Koc.Keys)),
		Multipliers:       make(map[string]float64, len(rp.Amount.Multipliers)),
		Currencies:        make(map[string]string, len(rp.Amount.Currencies)),
		DefaultCurrency:   rp.Amount.DefaultCurrency,
		CNYRates:          rp.Amount.CNYRates,
		StarLevels:        make(map[domain.RevenueLevel]struct{}, len(rp.StarLevels)),
	}
	if p.ResolutionWindow <= 0 {
		p.ResolutionWindow = 60
	}
	if p.KocMinFields <= 0 {
		p.KocMinFields = 2
	}

	var err error
	if p.Question, err = compileCategory("question", rp.Question.Threshold, rp.Question.Patterns); err != nil {
		return nil, err
	}
	if p.Thanks, err = compileCategory("thanks", rp.Thanks.Threshold, rp.Thanks.Patterns); err != nil {
		return nil, err
	}
	if p.Noise, err = compileCategory("noise", rp.Noise.Threshold, rp.Noise.Patterns); err != nil {
		return nil, err
	}
	if p.Star, err = compileCategory("star", rp.Star.Threshold, rp.Star.Patterns); err != nil {
		return nil, err
	}
	lists := []struct {
		category domain.GoodNewsCategory
		patterns []rawPattern
	}{
		{domain.GoodNewsRevenue, rp.GoodNews.Revenue},
		{domain.GoodNewsMilestone, rp.GoodNews.Milestone},
		{domain.GoodNewsGrowth, rp.GoodNews.Growth},
	}
	for _, l := range lists {
		cat, err := compileCategory("good_news."+string(l.category), rp.GoodNews.Threshold, l.patterns)
		if err != nil {
			return nil, err
		}
		p.GoodNews = append(p.GoodNews, GoodNewsList{Category: l.category, Rules: cat})
	}

	for _, marker := range rp.CoachMarkers {
		if folded := domain.FoldText(strings.TrimSpace(marker)); folded != "" {
			p.CoachMarkers = append(p.CoachMarkers, folded)
		}
	}
	for key, field := range rp.Koc.Keys {
		p.KocKeys[domain.FoldText(strings.TrimSpace(key))] = field
	}
	for token, mul := range rp.Amount.Multipliers {
		p.Multipliers[domain.FoldText(token)] = mul
	}
	for token, currency := range rp.Amount.Currencies {
		p.Currencies[domain.FoldText(token)] = currency
	}
	if p.DefaultCurrency == "" {
		p.DefaultCurrency = "CNY"
	}
	p.amountRe = buildAmountRegexp(p.Multipliers, p.Currencies)

	for _, t := range rp.RevenueTiers {
		p.Tiers = append(p.Tiers, Tier{Level: domain.RevenueLevel(t.Level), Min: t.Min})
	}
	sort.SliceStable(p.Tiers, func(i, j int) bool { return p.Tiers[i].Min > p.Tiers[j].Min })
	for _, level := range rp.StarLevels {
		p.StarLevels[domain.RevenueLevel(level)] = struct{}{}
	}
	return p, nil
}

func compileCategory(name string, threshold float64, patterns []rawPattern) (Category, error) {
	if threshold <= 0 {
		threshold = 1
	}
	cat := Category{Threshold: threshold}
	for i, raw := range patterns {
		if strings.TrimSpace(raw.Pattern) == "" {
			return Category{}, fmt.Errorf("rules: %s[%d]: пустой шаблон", name, i)
		}
		weight := raw.Weight
		if weight == 0 {
			weight = 1
		}
		rule := Rule{Pattern: domain.FoldText(raw.Pattern), Weight: weight}
		if raw.Regex {
			re, err := regexp.Compile(raw.Pattern)
			if err != nil {
				return Category{}, fmt.Errorf("rules: %s[%d]: %w", name, i, err)
			}
			rule.Pattern = raw.Pattern
			rule.re = re
		}
		cat.Rules = append(cat.Rules, rule)
	}
	return cat, nil
}

// buildAmountRegexp собирает шаблон "число [множитель] [валюта]" или "валюта число [множитель]".
func buildAmountRegexp(multipliers map[string]float64, currencies map[string]string) *regexp.Regexp {
	mul := alternation(keys(multipliers))
	cur := alternation(keys(currencies))
	number := `(\d+(?:[.,]\d+)*)`
	expr := `(?:(` + cur + `)\s*` + number + `\s*(` + mul + `)?)` +
		`|(?:` + number + `\s*(` + mul + `)?\s*(` + cur + `))` +
		`|(?:` + number + `\s*(` + mul + `))`
	return regexp.MustCompile(expr)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// длинные токены первыми, чтобы "美金" не уступал "美"
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

func alternation(tokens []string) string {
	if len(tokens) == 0 {
		return `\b\B`
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return strings.Join(quoted, "|")
}
