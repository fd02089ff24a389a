package access

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/careerlens/internal/model"
	"github.com/hitoshi/careerlens/internal/repository"
)

// memoryStore はトークンと利用台帳のインメモリ実装。
// InsertFirstUnlockはmutexで直列化し、PostgreSQLの一意制約と同じ「先勝ち」を再現する。
type memoryStore struct {
	mu      sync.Mutex
	grants  map[string]*model.AccessGrant // token → grant
	records map[string]*model.UsageRecord // grantID|sessionToken → record

	createErrs []error // Createが順に返すエラー
	// beforeInsert はInsertFirstUnlockのロック取得前に呼ばれる（競合の再現用）
	beforeInsert func()
}

func newMemoryStore(grants ...*model.AccessGrant) *memoryStore {
	s := &memoryStore{
		grants:  map[string]*model.AccessGrant{},
		records: map[string]*model.UsageRecord{},
	}
	for _, g := range grants {
		s.grants[g.Token] = g
	}
	return s
}

func key(grantID, sessionToken string) string { return grantID + "|" + sessionToken }

func (s *memoryStore) Create(ctx context.Context, g *model.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := s.grants[g.Token]; ok {
		return repository.ErrDuplicateToken
	}
	cp := *g
	s.grants[g.Token] = &cp
	return nil
}

func (s *memoryStore) FindByToken(ctx context.Context, token string) (*model.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[token]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *memoryStore) TransitionStatus(ctx context.Context, id string, from []model.GrantStatus, to model.GrantStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.ID != id {
			continue
		}
		for _, f := range from {
			if g.Status == f {
				g.Status = to
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func (s *memoryStore) Find(ctx context.Context, grantID, sessionToken string) (*model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key(grantID, sessionToken)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memoryStore) RecordView(ctx context.Context, grantID, sessionToken string, at time.Time) (*model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key(grantID, sessionToken)]
	if !ok {
		return nil, nil
	}
	r.ViewCount++
	r.LastViewedAt = at
	cp := *r
	return &cp, nil
}

func (s *memoryStore) InsertFirstUnlock(ctx context.Context, rec *model.UsageRecord) (*model.AccessGrant, error) {
	if s.beforeInsert != nil {
		s.beforeInsert()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rec.GrantID, rec.SessionToken)
	if _, ok := s.records[k]; ok {
		return nil, repository.ErrUsageConflict
	}
	var grant *model.AccessGrant
	for _, g := range s.grants {
		if g.ID == rec.GrantID {
			grant = g
		}
	}
	if grant == nil || grant.Status != model.GrantStatusActive || grant.UsageCount >= grant.MaxUsage {
		return nil, repository.ErrGrantExhausted
	}

	cp := *rec
	s.records[k] = &cp
	grant.UsageCount++
	if grant.UsageCount >= grant.MaxUsage {
		grant.Status = model.GrantStatusUsed
	}
	if grant.FirstUsedAt == nil {
		at := rec.UnlockedAt
		grant.FirstUsedAt = &at
	}
	at := rec.UnlockedAt
	grant.LastUsedAt = &at
	out := *grant
	return &out, nil
}

func (s *memoryStore) ListByGrant(ctx context.Context, grantID string) ([]*model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.UsageRecord
	for _, r := range s.records {
		if r.GrantID == grantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryStore) grant(token string) model.AccessGrant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.grants[token]
}

var (
	_ repository.GrantRepository       = (*memoryStore)(nil)
	_ repository.UsageLedgerRepository = (*memoryStore)(nil)
)

// mockNotifier はTokenNotifierのモック。
type mockNotifier struct {
	sendFn func(ctx context.Context, grant *model.AccessGrant) error
	calls  int
}

func (m *mockNotifier) SendAccessToken(ctx context.Context, grant *model.AccessGrant) error {
	m.calls++
	if m.sendFn != nil {
		return m.sendFn(ctx, grant)
	}
	return nil
}

func newTestService(store *memoryStore, now time.Time) (*Service, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := NewService(store, store, nil, nil, logger)
	svc.now = func() time.Time { return now }
	return svc, &buf
}

var viewer = model.Viewer{FirstName: "Ada", LastName: "Obi", ClassName: "SS1A"}

func grantReason(t *testing.T, err error) string {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeGrantInvalid {
		t.Fatalf("GRANT_INVALID を期待したが %v", err)
	}
	return apiErr.Reason
}

func TestUnlock_SequentialCallsConsumeOnce(t *testing.T) {
	store := newMemoryStore(activeGrant(5))
	svc, _ := newTestService(store, baseTime.Add(time.Hour))
	ctx := context.Background()

	const n = 4
	var first time.Time
	for i := 1; i <= n; i++ {
		out, err := svc.Unlock(ctx, "LINCO-A3F8", "session-a", viewer)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if out.FirstUnlock != (i == 1) {
			t.Errorf("call %d: FirstUnlock = %v", i, out.FirstUnlock)
		}
		if out.ViewCount != i {
			t.Errorf("call %d: ViewCount = %d, want %d", i, out.ViewCount, i)
		}
		if out.RemainingUsage != 4 {
			t.Errorf("call %d: RemainingUsage = %d, want 4", i, out.RemainingUsage)
		}
		if i == 1 {
			first = out.UnlockedAt
		} else if !out.UnlockedAt.Equal(first) {
			t.Errorf("call %d: UnlockedAt が変化した", i)
		}
	}

	if g := store.grant("LINCO-A3F8"); g.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", g.UsageCount)
	}
	rec, _ := store.Find(ctx, "grant-1", "session-a")
	if rec.ViewCount != n {
		t.Errorf("ViewCount = %d, want %d", rec.ViewCount, n)
	}
}

func TestUnlock_ConcurrentFirstUnlocksCountOnce(t *testing.T) {
	store := newMemoryStore(activeGrant(10))
	svc, _ := newTestService(store, baseTime.Add(time.Hour))

	const m = 16
	// 全ゴルーチンが台帳未作成を観測してから挿入に進むようにする
	var arrived sync.WaitGroup
	arrived.Add(m)
	store.beforeInsert = func() {
		arrived.Done()
		arrived.Wait()
	}

	var wg sync.WaitGroup
	results := make([]*UnlockOutcome, m)
	errs := make([]error, m)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Unlock(context.Background(), "LINCO-A3F8", "session-a", viewer)
		}(i)
	}
	wg.Wait()

	firsts, reviews := 0, 0
	for i := 0; i < m; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: unexpected error: %v", i, errs[i])
		}
		if results[i].FirstUnlock {
			firsts++
		} else {
			reviews++
		}
	}
	if firsts != 1 || reviews != m-1 {
		t.Errorf("first = %d, review = %d, want 1 and %d", firsts, reviews, m-1)
	}
	if g := store.grant("LINCO-A3F8"); g.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", g.UsageCount)
	}
	records, _ := store.ListByGrant(context.Background(), "grant-1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].ViewCount != m {
		t.Errorf("ViewCount = %d, want %d", records[0].ViewCount, m)
	}
}

func TestUnlock_EnterpriseGrantWithTwoUses(t *testing.T) {
	store := newMemoryStore(activeGrant(2))
	svc, _ := newTestService(store, baseTime.Add(time.Hour))
	ctx := context.Background()

	out, err := svc.Unlock(ctx, "LINCO-A3F8", "session-a", viewer)
	if err != nil || !out.FirstUnlock {
		t.Fatalf("session A: out=%+v err=%v", out, err)
	}
	if g := store.grant("LINCO-A3F8"); g.UsageCount != 1 || g.Status != model.GrantStatusActive {
		t.Fatalf("session A 後: %+v", g)
	}

	out, err = svc.Unlock(ctx, "LINCO-A3F8", "session-b", viewer)
	if err != nil || !out.FirstUnlock {
		t.Fatalf("session B: out=%+v err=%v", out, err)
	}
	if out.RemainingUsage != 0 {
		t.Errorf("RemainingUsage = %d, want 0", out.RemainingUsage)
	}
	if g := store.grant("LINCO-A3F8"); g.UsageCount != 2 || g.Status != model.GrantStatusUsed {
		t.Fatalf("session B 後: %+v", g)
	}

	_, err = svc.Unlock(ctx, "LINCO-A3F8", "session-c", viewer)
	if reason := grantReason(t, err); reason != "usage limit exceeded" {
		t.Errorf("reason = %q", reason)
	}

	out, err = svc.Unlock(ctx, "LINCO-A3F8", "session-a", viewer)
	if err != nil {
		t.Fatalf("session A 再閲覧: unexpected error: %v", err)
	}
	if out.FirstUnlock || out.ViewCount != 2 {
		t.Errorf("session A 再閲覧: %+v", out)
	}
	if g := store.grant("LINCO-A3F8"); g.UsageCount != 2 {
		t.Errorf("UsageCount = %d, want 2", g.UsageCount)
	}
}

func TestUnlock_RejectsInvalidGrants(t *testing.T) {
	now := baseTime.Add(time.Hour)

	revoked := activeGrant(3)
	revoked.Token = "REVOK-0001"
	revoked.Status = model.GrantStatusRevoked

	tests := []struct {
		name   string
		store  *memoryStore
		token  string
		reason string
	}{
		{"未検出", newMemoryStore(), "NOPE-0000", "not found"},
		{"失効済み", newMemoryStore(revoked), "REVOK-0001", "REVOKED is not active"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(tt.store, now)
			_, err := svc.Unlock(context.Background(), tt.token, "session-a", viewer)
			if reason := grantReason(t, err); reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestUnlock_ExpiresLazily(t *testing.T) {
	g := activeGrant(3)
	store := newMemoryStore(g)
	svc, _ := newTestService(store, g.ExpiresAt.Add(time.Minute))

	_, err := svc.Unlock(context.Background(), g.Token, "session-a", viewer)
	if reason := grantReason(t, err); reason != "expired" {
		t.Errorf("reason = %q, want expired", reason)
	}
	if got := store.grant(g.Token).Status; got != model.GrantStatusExpired {
		t.Errorf("Status = %s, want EXPIRED", got)
	}
	if records, _ := store.ListByGrant(context.Background(), g.ID); len(records) != 0 {
		t.Errorf("期限切れで台帳が作成された: %d", len(records))
	}
}

func TestUnlock_StoresContactEmail(t *testing.T) {
	store := newMemoryStore(activeGrant(3))
	svc, _ := newTestService(store, baseTime.Add(time.Hour))

	v := viewer
	v.ContactEmail = "parent@example.com"
	if _, err := svc.Unlock(context.Background(), "LINCO-A3F8", "session-a", v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, _ := store.Find(context.Background(), "grant-1", "session-a")
	if rec.ContactEmail == nil || *rec.ContactEmail != "parent@example.com" {
		t.Errorf("ContactEmail = %v", rec.ContactEmail)
	}
	if rec.FirstName != "Ada" || rec.ClassName != "SS1A" {
		t.Errorf("record = %+v", rec)
	}
}

func TestValidateToken(t *testing.T) {
	store := newMemoryStore(activeGrant(3))
	svc, _ := newTestService(store, baseTime.Add(time.Hour))

	v, err := svc.ValidateToken(context.Background(), "LINCO-A3F8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Valid || v.RemainingUsage != 3 || v.Type != model.GrantTypeEnterprise {
		t.Errorf("validation = %+v", v)
	}
	if store.grant("LINCO-A3F8").UsageCount != 0 {
		t.Error("検証で利用回数が消費された")
	}

	v, err = svc.ValidateToken(context.Background(), "MISSING")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Valid || v.Reason != "not found" {
		t.Errorf("validation = %+v", v)
	}
}

func TestIssue_RetriesOnDuplicateToken(t *testing.T) {
	store := newMemoryStore()
	store.createErrs = []error{repository.ErrDuplicateToken, repository.ErrDuplicateToken}
	notifier := &mockNotifier{}

	svc, _ := newTestService(store, baseTime)
	svc.notifier = notifier

	res, err := svc.Issue(context.Background(), IssueRequest{
		Email: "head@lincoln.example", Name: "Head", Institution: "Lincoln High",
		Type: model.GrantTypeEnterprise, MaxUsage: 30,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Grant.MaxUsage != 30 || res.Grant.Status != model.GrantStatusActive {
		t.Errorf("grant = %+v", res.Grant)
	}
	if len(res.Grant.Token) != 10 || res.Grant.Token[:6] != "LINCO-" {
		t.Errorf("Token = %q", res.Grant.Token)
	}
	if !res.EmailSent || notifier.calls != 1 {
		t.Errorf("EmailSent = %v, calls = %d", res.EmailSent, notifier.calls)
	}
}

func TestIssue_EmailFailureIsNotFatal(t *testing.T) {
	store := newMemoryStore()
	notifier := &mockNotifier{sendFn: func(ctx context.Context, grant *model.AccessGrant) error {
		return errors.New("smtp down")
	}}
	svc, buf := newTestService(store, baseTime)
	svc.notifier = notifier

	res, err := svc.Issue(context.Background(), IssueRequest{
		Email: "a@example.com", Institution: "Lincoln", Type: model.GrantTypeIndividual,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EmailSent {
		t.Error("EmailSent = true")
	}
	if !bytes.Contains(buf.Bytes(), []byte("failed to send access token email")) {
		t.Error("送信失敗がログに記録されていない")
	}
}

func TestIssue_GivesUpAfterRepeatedCollisions(t *testing.T) {
	store := newMemoryStore()
	for i := 0; i < maxTokenAttempts; i++ {
		store.createErrs = append(store.createErrs, repository.ErrDuplicateToken)
	}
	svc, _ := newTestService(store, baseTime)

	_, err := svc.Issue(context.Background(), IssueRequest{
		Email: "a@example.com", Institution: "Lincoln", Type: model.GrantTypeIndividual,
	})
	if err == nil {
		t.Fatal("衝突が続いた場合はエラーになるべき")
	}
}

func TestRevoke(t *testing.T) {
	g := activeGrant(3)
	g.Status = model.GrantStatusUsed
	store := newMemoryStore(g)
	svc, _ := newTestService(store, baseTime.Add(time.Hour))

	revoked, err := svc.Revoke(context.Background(), g.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revoked.Status != model.GrantStatusRevoked || store.grant(g.Token).Status != model.GrantStatusRevoked {
		t.Errorf("Status = %s", revoked.Status)
	}

	// 冪等
	if _, err := svc.Revoke(context.Background(), g.Token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = svc.Revoke(context.Background(), "MISSING")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeGrantNotFound {
		t.Errorf("err = %v, want GRANT_NOT_FOUND", err)
	}
}

func TestUsageReportAndByClass(t *testing.T) {
	store := newMemoryStore(activeGrant(10))
	svc, _ := newTestService(store, baseTime.Add(time.Hour))
	ctx := context.Background()

	unlock := func(session, class string, times int) {
		for i := 0; i < times; i++ {
			v := viewer
			v.ClassName = class
			if _, err := svc.Unlock(ctx, "LINCO-A3F8", session, v); err != nil {
				t.Fatalf("unlock %s: %v", session, err)
			}
		}
	}
	unlock("s1", "SS2B", 2)
	unlock("s2", "SS1A", 1)
	unlock("s3", "SS1A", 3)

	report, err := svc.UsageReport(ctx, "LINCO-A3F8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Students) != 3 || report.TotalViews != 6 || report.RemainingUsage != 7 {
		t.Errorf("report = students %d, views %d, remaining %d", len(report.Students), report.TotalViews, report.RemainingUsage)
	}

	classes, err := svc.UsageByClass(ctx, "LINCO-A3F8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []ClassUsage{{"SS1A", 2, 4}, {"SS2B", 1, 2}}
	if len(classes) != len(want) {
		t.Fatalf("classes = %+v", classes)
	}
	for i := range want {
		if classes[i] != want[i] {
			t.Errorf("classes[%d] = %+v, want %+v", i, classes[i], want[i])
		}
	}
}
