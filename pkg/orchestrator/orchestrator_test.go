package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vyvo/appbuilder/pkg/generator"
	"github.com/vyvo/appbuilder/pkg/jobs"
	"github.com/vyvo/appbuilder/pkg/publisher"
)

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordingLogger) Info(string, ...any) {}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func (l *recordingLogger) warned(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.warns {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

type fakeGenerator struct {
	mu    sync.Mutex
	files map[string]string
	err   error
	panic bool
	reqs  []generator.Request
}

func (g *fakeGenerator) Generate(ctx context.Context, req generator.Request) (generator.Output, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.panic {
		panic("model exploded")
	}
	if g.err != nil {
		return generator.Output{}, g.err
	}
	saved, skipped, err := generator.Materialize(ctx, req.WorkDir, req.Attachments)
	if err != nil {
		return generator.Output{}, err
	}
	return generator.Output{Files: g.files, Attachments: saved, Skipped: skipped}, nil
}

type fakePublisher struct {
	mu          sync.Mutex
	repos       map[string]map[string][]byte
	failWrites  map[string]bool
	createErr   error
	hostingErr  error
	commitErr   error
	enableCalls int
	writes      []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{repos: map[string]map[string][]byte{}, failWrites: map[string]bool{}}
}

func (p *fakePublisher) repo(name string) publisher.Repo {
	return publisher.Repo{Name: name, Owner: "octo", HTMLURL: "https://github.com/octo/" + name}
}

func (p *fakePublisher) LookupRepo(_ context.Context, name string) (publisher.Repo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.repos[name]; !ok {
		return publisher.Repo{}, publisher.ErrRepoNotFound
	}
	return p.repo(name), nil
}

func (p *fakePublisher) CreateOrGetRepo(_ context.Context, name, _ string) (publisher.Repo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return publisher.Repo{}, p.createErr
	}
	if _, ok := p.repos[name]; !ok {
		p.repos[name] = map[string][]byte{}
	}
	return p.repo(name), nil
}

func (p *fakePublisher) WriteTextFile(ctx context.Context, repo publisher.Repo, path, content, message string) error {
	return p.WriteBinaryFile(ctx, repo, path, []byte(content), message)
}

func (p *fakePublisher) WriteBinaryFile(_ context.Context, repo publisher.Repo, path string, data []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWrites[path] {
		return fmt.Errorf("write %s refused", path)
	}
	p.repos[repo.Name][path] = data
	p.writes = append(p.writes, path)
	return nil
}

func (p *fakePublisher) EnableStaticHosting(context.Context, publisher.Repo) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enableCalls++
	if p.hostingErr != nil {
		return false, p.hostingErr
	}
	return true, nil
}

func (p *fakePublisher) LatestCommitID(context.Context, publisher.Repo) (string, error) {
	if p.commitErr != nil {
		return "", p.commitErr
	}
	return "abc123", nil
}

func (p *fakePublisher) FileContent(_ context.Context, repo publisher.Repo, path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.repos[repo.Name][path]
	if !ok {
		return "", publisher.ErrFileNotFound
	}
	return string(data), nil
}

func (p *fakePublisher) SiteURL(repo publisher.Repo) string {
	return "https://octo.github.io/" + repo.Name + "/"
}

func (p *fakePublisher) file(repo, path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.repos[repo][path]
	return string(data), ok
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []jobs.Result
	urls     []string
	err      error
}

func (n *recordingNotifier) Deliver(_ context.Context, url string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	n.payloads = append(n.payloads, payload.(jobs.Result))
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

type recordingHub struct {
	mu     sync.Mutex
	events []map[string]any
}

func (h *recordingHub) BroadcastToTask(_ context.Context, _ string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, data.(map[string]any))
}

func (h *recordingHub) BroadcastGlobal(context.Context, any) {}

func (h *recordingHub) statuses() []jobs.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]jobs.Status, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e["status"].(jobs.Status))
	}
	return out
}

type harness struct {
	store    *jobs.MemStore
	gen      *fakeGenerator
	pub      *fakePublisher
	notifier *recordingNotifier
	hub      *recordingHub
	logger   *recordingLogger
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    jobs.NewMemStore(),
		gen:      &fakeGenerator{files: map[string]string{"index.html": "<h1>app</h1>", "README.md": "# app"}},
		pub:      newFakePublisher(),
		notifier: &recordingNotifier{},
		hub:      &recordingHub{},
		logger:   &recordingLogger{},
	}
	h.orch = New(Deps{
		Store:     h.store,
		Generator: h.gen,
		Publisher: h.pub,
		Notifier:  h.notifier,
		Hub:       h.hub,
		Logger:    h.logger,
	}, Options{
		Timeout:       time.Minute,
		WorkDir:       t.TempDir(),
		LicenseHolder: "Test Holder",
		Now:           func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	return h
}

func (h *harness) submit(t *testing.T, round int, attachments ...jobs.Attachment) (jobs.Job, error) {
	t.Helper()
	job := jobs.Job{
		ID:            fmt.Sprintf("job-%d", round),
		Key:           jobs.Key{Email: "student@example.com", Task: "captcha-solver", Round: round, Nonce: fmt.Sprintf("n%d", round)},
		Brief:         "Solve captchas",
		Checks:        []string{"has index"},
		Attachments:   attachments,
		EvaluationURL: "https://eval.example.com/notify",
		Status:        jobs.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	err := h.orch.Submit(job).Wait()
	stored, getErr := h.store.GetByID(context.Background(), job.ID)
	if getErr != nil {
		t.Fatalf("get job: %v", getErr)
	}
	return stored, err
}

func TestRoundOneCompletes(t *testing.T) {
	h := newHarness(t)
	job, err := h.submit(t, 1,
		jobs.Attachment{Name: "sample.png", URL: "data:image/png;base64,iVBORw0KGgo="},
		jobs.Attachment{Name: "notes.md", URL: "data:text/markdown,hello"},
	)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if job.Status != jobs.StatusCompleted || job.CompletedAt == nil {
		t.Fatalf("expected completed job, got %#v", job)
	}
	if job.Result == nil || job.Result.PagesURL == nil || *job.Result.PagesURL != "https://octo.github.io/captcha-solver/" {
		t.Fatalf("unexpected result %#v", job.Result)
	}
	if job.Result.CommitSHA == nil || *job.Result.CommitSHA != "abc123" {
		t.Fatalf("unexpected commit %#v", job.Result.CommitSHA)
	}
	if job.RepoURL != "https://github.com/octo/captcha-solver" {
		t.Fatalf("repo url not recorded: %q", job.RepoURL)
	}

	for _, path := range []string{"sample.png", "notes.md", "index.html", "README.md", "LICENSE"} {
		if _, ok := h.pub.file("captcha-solver", path); !ok {
			t.Fatalf("%s not published", path)
		}
	}
	license, _ := h.pub.file("captcha-solver", "LICENSE")
	if !strings.Contains(license, "2025 Test Holder") {
		t.Fatalf("unexpected license text %q", license)
	}
	if h.pub.enableCalls != 1 {
		t.Fatalf("expected hosting enabled once, got %d", h.pub.enableCalls)
	}

	if h.notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", h.notifier.count())
	}
	got := h.notifier.payloads[0]
	if got.Email != "student@example.com" || got.Task != "captcha-solver" || got.Round != 1 || got.Nonce != "n1" {
		t.Fatalf("unexpected payload %#v", got)
	}
	if h.notifier.urls[0] != "https://eval.example.com/notify" {
		t.Fatalf("unexpected notify url %s", h.notifier.urls[0])
	}

	statuses := h.hub.statuses()
	if statuses[0] != jobs.StatusProcessing || statuses[len(statuses)-1] != jobs.StatusCompleted {
		t.Fatalf("unexpected event order %v", statuses)
	}
}

func TestGenerationFailureDoesNotNotify(t *testing.T) {
	h := newHarness(t)
	h.gen.err = errors.New("model quota exceeded")

	job, err := h.submit(t, 1)
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepGenerate || !stepErr.Fatal {
		t.Fatalf("expected fatal generate step error, got %#v", err)
	}
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "model quota exceeded") {
		t.Fatalf("expected failed job with detail, got %#v", job)
	}
	if h.notifier.count() != 0 {
		t.Fatalf("failed job must not notify, got %d", h.notifier.count())
	}
	if len(h.pub.repos) != 0 {
		t.Fatalf("no repository should be created after a generation failure")
	}
	statuses := h.hub.statuses()
	if statuses[len(statuses)-1] != jobs.StatusFailed {
		t.Fatalf("expected failure broadcast, got %v", statuses)
	}
}

func TestGeneratorPanicFailsJob(t *testing.T) {
	h := newHarness(t)
	h.gen.panic = true

	job, err := h.submit(t, 1)
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	if job.Status != jobs.StatusFailed || h.notifier.count() != 0 {
		t.Fatalf("expected failed job without notification, got %s/%d", job.Status, h.notifier.count())
	}
}

func TestRepositoryFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.pub.createErr = errors.New("bad credentials")

	job, err := h.submit(t, 1)
	if !errors.Is(err, ErrRepository) || job.Status != jobs.StatusFailed {
		t.Fatalf("expected repository failure, got %v %s", err, job.Status)
	}
	if h.notifier.count() != 0 {
		t.Fatalf("failed job must not notify")
	}
}

func TestGeneratedFileFailureIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.pub.failWrites["index.html"] = true
	h.pub.failWrites["LICENSE"] = true

	job, err := h.submit(t, 1)
	if err != nil || job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %v %s", err, job.Status)
	}
	if _, ok := h.pub.file("captcha-solver", "README.md"); !ok {
		t.Fatalf("remaining files should still be published")
	}
	if !h.logger.warned("file commit failed") || !h.logger.warned("license commit failed") {
		t.Fatalf("expected publish failures to be logged, got %v", h.logger.warns)
	}
}

func TestNoPublishedFilesIsFatal(t *testing.T) {
	h := newHarness(t)
	h.pub.failWrites["index.html"] = true
	h.pub.failWrites["README.md"] = true

	job, err := h.submit(t, 1)
	if !errors.Is(err, ErrPublish) || job.Status != jobs.StatusFailed {
		t.Fatalf("expected publish failure, got %v %s", err, job.Status)
	}
	if _, ok := h.pub.file("captcha-solver", "LICENSE"); ok {
		t.Fatalf("later steps must not run after a fatal failure")
	}
	if h.notifier.count() != 0 {
		t.Fatalf("failed job must not notify")
	}
}

func TestAttachmentFailureIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.pub.failWrites["bad.png"] = true

	job, err := h.submit(t, 1,
		jobs.Attachment{Name: "bad.png", URL: "data:image/png;base64,iVBORw0KGgo="},
		jobs.Attachment{Name: "good.csv", URL: "data:text/csv,a,b"},
	)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if _, ok := h.pub.file("captcha-solver", "good.csv"); !ok {
		t.Fatalf("remaining attachments should still be published")
	}
	if !h.logger.warned("attachment commit failed") {
		t.Fatalf("expected attachment failure to be logged")
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected notification, got %d", h.notifier.count())
	}
}

func TestHostingAndCommitFailuresRecordNull(t *testing.T) {
	h := newHarness(t)
	h.pub.hostingErr = errors.New("pages unavailable")
	h.pub.commitErr = errors.New("commits unavailable")

	job, err := h.submit(t, 1)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if job.Result.PagesURL != nil || job.Result.CommitSHA != nil {
		t.Fatalf("expected null pages url and commit, got %#v", job.Result)
	}
	if h.notifier.payloads[0].PagesURL != nil {
		t.Fatalf("notification should carry null pages url")
	}
}

func TestRoundTwoRevisesExistingRepository(t *testing.T) {
	h := newHarness(t)
	if _, err := h.submit(t, 1, jobs.Attachment{Name: "data.csv", URL: "data:text/csv,a"}); err != nil {
		t.Fatalf("round 1: %v", err)
	}
	round1Pages := *h.notifier.payloads[0].PagesURL

	h.gen.files = map[string]string{"index.html": "<h1>v2</h1>", "README.md": "# v2"}
	job, err := h.submit(t, 2, jobs.Attachment{Name: "extra.csv", URL: "data:text/csv,b"})
	if err != nil {
		t.Fatalf("round 2: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if got := h.gen.reqs[1].PrevContext; got != "# app" {
		t.Fatalf("expected round 1 README as context, got %q", got)
	}
	if content, _ := h.pub.file("captcha-solver", "index.html"); content != "<h1>v2</h1>" {
		t.Fatalf("round 2 should overwrite index.html, got %q", content)
	}
	if _, ok := h.pub.file("captcha-solver", "extra.csv"); ok {
		t.Fatalf("attachments are only published in round 1")
	}
	if h.pub.enableCalls != 1 {
		t.Fatalf("round 2 must not re-enable hosting, got %d calls", h.pub.enableCalls)
	}
	if *job.Result.PagesURL != round1Pages {
		t.Fatalf("round 2 pages url %q differs from round 1 %q", *job.Result.PagesURL, round1Pages)
	}
	if h.notifier.count() != 2 {
		t.Fatalf("expected two notifications, got %d", h.notifier.count())
	}
}

func TestRoundTwoWithoutRepositoryIsFlagged(t *testing.T) {
	h := newHarness(t)
	job, err := h.submit(t, 2)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if !h.logger.warned("before its repository exists") {
		t.Fatalf("expected precondition warning, got %v", h.logger.warns)
	}
	if h.gen.reqs[0].PrevContext != "" {
		t.Fatalf("expected empty context")
	}
}

func TestNotificationFailureKeepsCompletion(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("callback down")

	job, err := h.submit(t, 1)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
}

func TestSubmitTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t)
	job, err := h.submit(t, 1)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	err = h.orch.Submit(job).Wait()
	if !errors.Is(err, jobs.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	stored, _ := h.store.GetByID(context.Background(), job.ID)
	if stored.Status != jobs.StatusCompleted || h.notifier.count() != 1 {
		t.Fatalf("completed job must stay untouched, got %s/%d", stored.Status, h.notifier.count())
	}
}

func TestReplayRedeliversStoredResult(t *testing.T) {
	h := newHarness(t)
	job, err := h.submit(t, 1)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	if err := h.orch.Replay(job).Wait(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if h.notifier.count() != 2 {
		t.Fatalf("expected replayed notification, got %d", h.notifier.count())
	}
	first, replayed := h.notifier.payloads[0], h.notifier.payloads[1]
	if replayed.Nonce != first.Nonce || replayed.RepoURL != first.RepoURL ||
		*replayed.PagesURL != *first.PagesURL || *replayed.CommitSHA != *first.CommitSHA {
		t.Fatalf("replayed payload differs: %#v vs %#v", replayed, first)
	}

	pending := jobs.Job{ID: "pending"}
	if err := h.orch.Replay(pending).Wait(); err != nil || h.notifier.count() != 2 {
		t.Fatalf("replay without a result must not notify")
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.orch.Submit(jobs.Job{ID: "late"}).Wait(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestFailInterruptedMarksUnfinishedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	done, err := h.submit(t, 1)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	for i, status := range []jobs.Status{jobs.StatusPending, jobs.StatusProcessing} {
		job := jobs.Job{
			ID:        fmt.Sprintf("stale-%d", i),
			Key:       jobs.Key{Email: "student@example.com", Task: "stale", Round: 1, Nonce: fmt.Sprintf("s%d", i)},
			Status:    status,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.store.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}

	n, err := h.orch.FailInterrupted(ctx)
	if err != nil {
		t.Fatalf("fail interrupted: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 interrupted jobs, got %d", n)
	}
	for _, id := range []string{"stale-0", "stale-1"} {
		job, err := h.store.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.Status != jobs.StatusFailed || job.Error != interruptedMessage {
			t.Fatalf("%s: expected failed with interruption detail, got %s %q", id, job.Status, job.Error)
		}
	}
	after, _ := h.store.GetByID(ctx, done.ID)
	if after.Status != jobs.StatusCompleted || after.Error != "" {
		t.Fatalf("completed job must stay untouched, got %s %q", after.Status, after.Error)
	}
	if n, err := h.orch.FailInterrupted(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep should find nothing, got %d %v", n, err)
	}
}

func TestUnreachableRemoteAttachmentIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	h := newHarness(t)

	job, err := h.submit(t, 1,
		jobs.Attachment{Name: "good.csv", URL: "data:text/csv,a,b"},
		jobs.Attachment{Name: "gone.png", URL: srv.URL + "/gone.png"},
	)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s (%s)", job.Status, job.Error)
	}
	if content, ok := h.pub.file("captcha-solver", "good.csv"); !ok || content != "a,b" {
		t.Fatalf("data URI attachment should be published, got %q %v", content, ok)
	}
	if _, ok := h.pub.file("captcha-solver", "gone.png"); ok {
		t.Fatalf("unreachable attachment must not be published")
	}
	if !h.logger.warned("attachment fetch failed") {
		t.Fatalf("expected fetch failure to be logged, got %v", h.logger.warns)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected notification, got %d", h.notifier.count())
	}
}

func TestRoundTwoRepublishesUnchangedFiles(t *testing.T) {
	h := newHarness(t)
	if _, err := h.submit(t, 1); err != nil {
		t.Fatalf("round 1: %v", err)
	}
	h.pub.mu.Lock()
	round1Writes := len(h.pub.writes)
	h.pub.mu.Unlock()

	job, err := h.submit(t, 2)
	if err != nil {
		t.Fatalf("round 2: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}

	h.pub.mu.Lock()
	round2 := append([]string(nil), h.pub.writes[round1Writes:]...)
	h.pub.mu.Unlock()
	for _, path := range []string{"LICENSE", "index.html", "README.md"} {
		found := false
		for _, w := range round2 {
			if w == path {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("round 2 should write %s even when unchanged, wrote %v", path, round2)
		}
	}
	if h.notifier.count() != 2 {
		t.Fatalf("expected two notifications, got %d", h.notifier.count())
	}
}
