// Package catalog は質問・キャリアカタログのYAMLシードファイルを読み込み、データベースへ反映する。
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/careerlens/internal/model"
	"github.com/hitoshi/careerlens/internal/repository"
	"github.com/hitoshi/careerlens/internal/scoring"
)

// File はシードファイルの構造。
type File struct {
	Questions []QuestionEntry `yaml:"questions"`
	Careers   []CareerEntry   `yaml:"careers"`
}

// QuestionEntry はシードファイル上の質問。activeを省略した場合は有効とする。
type QuestionEntry struct {
	ID     int64  `yaml:"id"`
	Text   string `yaml:"text"`
	Trait  string `yaml:"trait"`
	Active *bool  `yaml:"active"`
}

// CareerEntry はシードファイル上のキャリア。
// profileは外部管理のデータのため型を強制せず、そのままJSONとして保存する。
type CareerEntry struct {
	ID          int64       `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Profile     interface{} `yaml:"profile"`
	JobZone     int         `yaml:"job_zone"`
	Tags        []string    `yaml:"tags"`
	ONetCode    string      `yaml:"onet_code"`
	Active      *bool       `yaml:"active"`
}

// Catalog は検証済みのカタログ。
type Catalog struct {
	Questions []*model.Question
	Careers   []*model.CareerProfile
}

// LoadFile はパスからシードファイルを読み込む。
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("シードファイルを開けませんでした: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load はシードファイルを解析し、検証済みのカタログを返す。
// 違反は最初の1件で打ち切らずにまとめて返す。
func Load(r io.Reader) (*Catalog, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("シードファイルの解析に失敗しました: %w", err)
	}

	var violations []string
	cat := &Catalog{}

	seenQuestions := make(map[int64]bool, len(file.Questions))
	for i, q := range file.Questions {
		trait, ok := model.ParseTrait(strings.ToUpper(strings.TrimSpace(q.Trait)))
		switch {
		case q.ID <= 0:
			violations = append(violations, fmt.Sprintf("questions[%d]: id must be positive", i))
			continue
		case seenQuestions[q.ID]:
			violations = append(violations, fmt.Sprintf("questions[%d]: duplicate id %d", i, q.ID))
			continue
		case strings.TrimSpace(q.Text) == "":
			violations = append(violations, fmt.Sprintf("question %d: text is required", q.ID))
			continue
		case !ok:
			violations = append(violations, fmt.Sprintf("question %d: unknown trait %q", q.ID, q.Trait))
			continue
		}
		seenQuestions[q.ID] = true
		cat.Questions = append(cat.Questions, &model.Question{
			ID:     q.ID,
			Text:   strings.TrimSpace(q.Text),
			Trait:  trait,
			Active: activeOrDefault(q.Active),
		})
	}

	seenCareers := make(map[int64]bool, len(file.Careers))
	for i, c := range file.Careers {
		switch {
		case c.ID <= 0:
			violations = append(violations, fmt.Sprintf("careers[%d]: id must be positive", i))
			continue
		case seenCareers[c.ID]:
			violations = append(violations, fmt.Sprintf("careers[%d]: duplicate id %d", i, c.ID))
			continue
		case strings.TrimSpace(c.Name) == "":
			violations = append(violations, fmt.Sprintf("career %d: name is required", c.ID))
			continue
		case c.JobZone < 1 || c.JobZone > 5:
			violations = append(violations, fmt.Sprintf("career %d: job_zone must be between 1 and 5", c.ID))
			continue
		case c.Profile == nil:
			violations = append(violations, fmt.Sprintf("career %d: profile is required", c.ID))
			continue
		}
		raw, err := json.Marshal(c.Profile)
		if err != nil {
			violations = append(violations, fmt.Sprintf("career %d: profile cannot be stored as JSON: %v", c.ID, err))
			continue
		}
		seenCareers[c.ID] = true
		tags := c.Tags
		if tags == nil {
			tags = []string{}
		}
		cat.Careers = append(cat.Careers, &model.CareerProfile{
			ID:          c.ID,
			Name:        strings.TrimSpace(c.Name),
			Description: strings.TrimSpace(c.Description),
			Profile:     raw,
			JobZone:     c.JobZone,
			Tags:        tags,
			ONetCode:    strings.TrimSpace(c.ONetCode),
			Active:      activeOrDefault(c.Active),
		})
	}

	if len(violations) > 0 {
		return nil, fmt.Errorf("シードファイルが不正です: %s", strings.Join(violations, "; "))
	}
	return cat, nil
}

func activeOrDefault(b *bool) bool {
	return b == nil || *b
}

// ActiveQuestions は有効な質問の数を返す。
func (c *Catalog) ActiveQuestions() int {
	n := 0
	for _, q := range c.Questions {
		if q.Active {
			n++
		}
	}
	return n
}

// Seeder はカタログをリポジトリへ反映する。
type Seeder struct {
	questions repository.QuestionRepository
	careers   repository.CareerRepository
	logger    *slog.Logger
}

// NewSeeder はSeederを生成する。
func NewSeeder(questions repository.QuestionRepository, careers repository.CareerRepository, logger *slog.Logger) *Seeder {
	return &Seeder{questions: questions, careers: careers, logger: logger}
}

// SeedResult は反映した件数。
type SeedResult struct {
	Questions int
	Careers   int
}

// Seed はカタログの全エントリをUpsertする。同じファイルで繰り返し実行しても結果は変わらない。
func (s *Seeder) Seed(ctx context.Context, cat *Catalog) (*SeedResult, error) {
	res := &SeedResult{}
	for _, q := range cat.Questions {
		if err := s.questions.Upsert(ctx, q); err != nil {
			return res, fmt.Errorf("質問 %d の保存に失敗しました: %w", q.ID, err)
		}
		res.Questions++
	}
	for _, c := range cat.Careers {
		if err := s.careers.Upsert(ctx, c); err != nil {
			return res, fmt.Errorf("キャリア %d の保存に失敗しました: %w", c.ID, err)
		}
		res.Careers++
	}

	s.logger.Info("catalog seeded",
		slog.Int("questions", res.Questions),
		slog.Int("careers", res.Careers),
		slog.Int("active_questions", cat.ActiveQuestions()),
	)
	if active := cat.ActiveQuestions(); active > 0 && active < scoring.QuestionCount {
		s.logger.Warn("fewer active questions than a test draws",
			slog.Int("active_questions", active),
			slog.Int("required", scoring.QuestionCount),
		)
	}
	return res, nil
}
