package unsubscribe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailtriage/internal/llm"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
	"github.com/nhle/mailtriage/internal/testutil"
)

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name string
		msg  model.Message
		want string
	}{
		{
			name: "html anchor wins",
			msg: model.Message{
				BodyHTML:        `<p>Hi</p><a href="https://a.example/home">home</a><a href="https://a.example/Unsubscribe?u=1&amp;t=2">stop</a>`,
				BodyText:        "https://b.example/unsubscribe",
				ListUnsubscribe: "https://c.example/unsub",
			},
			want: "https://a.example/Unsubscribe?u=1&t=2",
		},
		{
			name: "first matching anchor",
			msg: model.Message{
				BodyHTML: `<a href='https://x.example/unsubscribe/1'>a</a><a href="https://x.example/unsubscribe/2">b</a>`,
			},
			want: "https://x.example/unsubscribe/1",
		},
		{
			name: "plain text when html has none",
			msg: model.Message{
				BodyHTML: `<a href="https://a.example/prefs">prefs</a>`,
				BodyText: "Manage: https://b.example/prefs or HTTPS://b.example/UNSUBSCRIBE?id=9 now",
			},
			want: "HTTPS://b.example/UNSUBSCRIBE?id=9",
		},
		{
			name: "list-unsubscribe fallback",
			msg: model.Message{
				BodyText:        "no links here",
				ListUnsubscribe: "https://c.example/unsub",
			},
			want: "https://c.example/unsub",
		},
		{
			name: "nothing",
			msg:  model.Message{BodyHTML: "<b>unsubscribe</b>", BodyText: "unsubscribe by replying"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(&tt.msg); got != tt.want {
				t.Errorf("Resolve = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestParsePlan(t *testing.T) {
	long := `{"actions":[` + strings.Repeat(`{"type":"wait","time":1},`, 14) + `{"type":"wait"}]}`

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		steps   int
	}{
		{"valid", `{"actions":[{"type":"click","selector":"#go"}],"description":"one click"}`, false, 1},
		{"fenced", "```json\n{\"actions\":[]}\n```", false, 0},
		{"truncated", long, false, 10},
		{"not json", `click the button`, true, 0},
		{"missing actions", `{"description":"x"}`, true, 0},
		{"actions not array", `{"actions":{"type":"click"}}`, true, 0},
		{"null actions", `{"actions":null}`, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ParsePlan(tt.raw, 10)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", plan)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePlan: %v", err)
			}
			if len(plan.Actions) != tt.steps {
				t.Errorf("steps = %d; want %d", len(plan.Actions), tt.steps)
			}
		})
	}
}

// fakeSession scripts page text and records calls.
type fakeSession struct {
	mu sync.Mutex

	navErr     error
	texts      []string
	clickErr   error
	calls      []string
	closed     int

	// unbounded lists step calls whose context carried no deadline.
	unbounded []string

	// blockNavigate holds Navigate until ctx is done, closing navigating
	// once it starts waiting.
	blockNavigate bool
	navigating    chan struct{}
}

func (s *fakeSession) record(c string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.record("navigate " + url)
	if s.blockNavigate {
		close(s.navigating)
		<-ctx.Done()
		return ctx.Err()
	}
	return s.navErr
}

func (s *fakeSession) VisibleText(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return "", nil
	}
	t := s.texts[0]
	if len(s.texts) > 1 {
		s.texts = s.texts[1:]
	}
	return t, nil
}

func (s *fakeSession) checkDeadline(ctx context.Context, step string) {
	if _, ok := ctx.Deadline(); !ok {
		s.mu.Lock()
		s.unbounded = append(s.unbounded, step)
		s.mu.Unlock()
	}
}

func (s *fakeSession) Click(ctx context.Context, sel string) error {
	s.checkDeadline(ctx, "click")
	s.record("click " + sel)
	return s.clickErr
}

func (s *fakeSession) ClickText(ctx context.Context, text string) error {
	s.checkDeadline(ctx, "clicktext")
	s.record("clicktext " + text)
	return nil
}

func (s *fakeSession) Fill(ctx context.Context, sel, val string) error {
	s.checkDeadline(ctx, "fill")
	s.record("fill " + sel + "=" + val)
	return nil
}

func (s *fakeSession) Select(ctx context.Context, sel, val string) error {
	s.checkDeadline(ctx, "select")
	s.record("select " + sel + "=" + val)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type fakeBrowser struct {
	sess     *fakeSession
	err      error
	sessions int
}

func (b *fakeBrowser) NewSession(context.Context) (Session, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.sessions++
	return b.sess, nil
}

type engineFixture struct {
	store   *store.SQLiteStore
	browser *fakeBrowser
	model   *testutil.FakeModel
	engine  *Engine
	msg     *model.Message
	sleeps  []time.Duration
}

func newEngineFixture(t *testing.T, sess *fakeSession, answer string) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:   testutil.NewTestStore(t),
		browser: &fakeBrowser{sess: sess},
		model:   &testutil.FakeModel{Replies: []string{answer}},
	}
	acct := testutil.SeedAccount(t, f.store, "u1", "a@example.com")
	f.msg = testutil.SeedMessage(t, f.store, acct, model.Message{
		ProviderMessageID: "g1",
		BodyHTML:          `<a href="https://news.example/unsubscribe?id=1">Unsubscribe</a>`,
	})
	f.engine = NewEngine(f.store, f.browser, f.model, Options{
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		},
	}, zap.NewNop().Sugar())
	return f
}

func (f *engineFixture) stored(t *testing.T) *model.Message {
	t.Helper()
	m, err := f.store.GetMessage(context.Background(), f.msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	return m
}

func TestAttemptSucceeded(t *testing.T) {
	sess := &fakeSession{
		texts:    []string{"Click below to stop emails", "You have been Unsubscribed."},
		clickErr: errors.New("no node"),
	}
	plan := `{"actions":[
		{"type":"fill","selector":"#email","value":"a@example.com"},
		{"type":"select","selector":"#why","value":"too-many"},
		{"type":"click","selector":"Unsubscribe me"},
		{"type":"wait","time":60000},
		{"type":"scroll"}
	],"description":"confirm form"}`
	f := newEngineFixture(t, sess, plan)

	out := f.engine.Attempt(context.Background(), f.msg)
	if out.Status != model.UnsubscribeSucceeded || out.Reason != ReasonNone {
		t.Fatalf("outcome = %+v", out)
	}

	want := []string{
		"navigate https://news.example/unsubscribe?id=1",
		"fill #email=a@example.com",
		"select #why=too-many",
		"click Unsubscribe me",
		"clicktext Unsubscribe me",
	}
	if strings.Join(sess.calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v", sess.calls)
	}
	// Wait capped at 10s, then the 2s settle.
	if len(f.sleeps) != 2 || f.sleeps[0] != 10*time.Second || f.sleeps[1] != 2*time.Second {
		t.Errorf("sleeps = %v", f.sleeps)
	}
	if sess.closed != 1 {
		t.Errorf("session closed %d times", sess.closed)
	}

	req := f.model.Requests[0]
	if !req.JSON || !strings.Contains(req.Messages[0].Content, "Click below to stop emails") {
		t.Errorf("plan request = %+v", req)
	}

	m := f.stored(t)
	if !m.Deleted || m.UnsubscribeOutcome != model.UnsubscribeSucceeded || m.UnsubscribedAt == nil {
		t.Errorf("stored = deleted %v outcome %q at %v", m.Deleted, m.UnsubscribeOutcome, m.UnsubscribedAt)
	}
}

func TestAttemptBoundsEveryStep(t *testing.T) {
	sess := &fakeSession{
		texts:    []string{"Stop emails", "Done"},
		clickErr: errors.New("no node"),
	}
	plan := `{"actions":[
		{"type":"fill","selector":"#missing","value":"x"},
		{"type":"select","selector":"#nope","value":"y"},
		{"type":"click","selector":"#c"}
	]}`
	f := newEngineFixture(t, sess, plan)

	// No deadline on the caller's context, as from the CLI.
	f.engine.Attempt(context.Background(), f.msg)

	if len(sess.unbounded) != 0 {
		t.Errorf("steps without a deadline: %v", sess.unbounded)
	}
	if len(sess.calls) != 5 {
		t.Errorf("calls = %v", sess.calls)
	}
}

func TestAttemptUnconfirmed(t *testing.T) {
	sess := &fakeSession{texts: []string{"Manage preferences", "Please sign in"}}
	f := newEngineFixture(t, sess, `{"actions":[{"type":"click","selector":"#go"},{"type":"wait"}]}`)

	out := f.engine.Attempt(context.Background(), f.msg)
	if out.Status != model.UnsubscribeUnconfirmed {
		t.Fatalf("outcome = %+v", out)
	}
	if f.sleeps[0] != time.Second {
		t.Errorf("default wait = %v", f.sleeps[0])
	}
	if sess.closed != 1 {
		t.Errorf("session closed %d times", sess.closed)
	}

	m := f.stored(t)
	if m.Deleted {
		t.Error("unconfirmed attempt marked message deleted")
	}
	if m.UnsubscribeOutcome != model.UnsubscribeUnconfirmed || m.UnsubscribeDetail == "" {
		t.Errorf("stored outcome = %q / %q", m.UnsubscribeOutcome, m.UnsubscribeDetail)
	}
}

func TestAttemptFailures(t *testing.T) {
	t.Run("no link", func(t *testing.T) {
		f := newEngineFixture(t, &fakeSession{}, `{}`)
		f.msg.BodyHTML = ""
		out := f.engine.Attempt(context.Background(), f.msg)
		if out.Status != model.UnsubscribeFailed || out.Reason != ReasonNoLink {
			t.Errorf("outcome = %+v", out)
		}
		if f.browser.sessions != 0 {
			t.Error("browser session opened without a link")
		}
	})

	t.Run("navigation", func(t *testing.T) {
		sess := &fakeSession{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
		f := newEngineFixture(t, sess, `{}`)
		out := f.engine.Attempt(context.Background(), f.msg)
		if out.Reason != ReasonNavigation || sess.closed != 1 {
			t.Errorf("outcome = %+v closed = %d", out, sess.closed)
		}
		if len(f.model.Requests) != 0 {
			t.Error("model called after navigation failure")
		}
	})

	t.Run("plan invalid", func(t *testing.T) {
		sess := &fakeSession{texts: []string{"page"}}
		f := newEngineFixture(t, sess, `{"steps":[]}`)
		out := f.engine.Attempt(context.Background(), f.msg)
		if out.Status != model.UnsubscribeFailed || out.Reason != ReasonPlanInvalid || sess.closed != 1 {
			t.Errorf("outcome = %+v closed = %d", out, sess.closed)
		}
		if len(sess.calls) != 1 {
			t.Errorf("actions ran on invalid plan: %v", sess.calls)
		}
		m := f.stored(t)
		if m.Deleted || m.UnsubscribeOutcome != model.UnsubscribeFailed {
			t.Errorf("stored = %+v", m)
		}
	})

	t.Run("model error", func(t *testing.T) {
		sess := &fakeSession{texts: []string{"page"}}
		f := newEngineFixture(t, sess, "")
		f.model.Reply = func(llm.Request) (string, error) { return "", errors.New("rate limited") }
		out := f.engine.Attempt(context.Background(), f.msg)
		if out.Reason != ReasonPlanInvalid || !strings.Contains(out.Detail, "rate limited") {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("browser", func(t *testing.T) {
		f := newEngineFixture(t, &fakeSession{}, `{}`)
		f.browser.err = errors.New("chrome not found")
		out := f.engine.Attempt(context.Background(), f.msg)
		if out.Reason != ReasonBrowser {
			t.Errorf("outcome = %+v", out)
		}
	})
}

func TestAttemptCancelClosesSession(t *testing.T) {
	sess := &fakeSession{blockNavigate: true, navigating: make(chan struct{})}
	f := newEngineFixture(t, sess, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- f.engine.Attempt(ctx, f.msg) }()

	select {
	case <-sess.navigating:
	case <-time.After(2 * time.Second):
		t.Fatal("navigation never started")
	}
	cancel()

	select {
	case out := <-done:
		if out.Status != model.UnsubscribeFailed {
			t.Errorf("outcome = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not stop after cancel")
	}
	if sess.closed != 1 {
		t.Errorf("session closed %d times", sess.closed)
	}
	if m := f.stored(t); m.UnsubscribeOutcome != model.UnsubscribeFailed {
		t.Errorf("outcome not recorded after cancel: %q", m.UnsubscribeOutcome)
	}
}

func TestKeywordVerifier(t *testing.T) {
	if !DefaultVerifier.Verify("Your preferences were REMOVED") {
		t.Error("expected match")
	}
	if DefaultVerifier.Verify("Are you sure?") {
		t.Error("unexpected match")
	}
}
