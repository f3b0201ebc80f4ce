package approvals_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/audit"
	"github.com/Treynis/ejbca/internal/kessai/caselock"
	"github.com/Treynis/ejbca/internal/kessai/config"
	"github.com/Treynis/ejbca/internal/kessai/profile"
	"github.com/Treynis/ejbca/internal/kessai/store"
)

const issuer = "CN=ManagementCA,O=Example"

var (
	requester = admin.Identity{IssuerDN: issuer, Serial: "aa", SubjectDN: "CN=Requester"}
	adminX    = admin.Identity{IssuerDN: issuer, Serial: "01", SubjectDN: "CN=X"}
	adminY    = admin.Identity{IssuerDN: issuer, Serial: "02", SubjectDN: "CN=Y"}
	adminZ    = admin.Identity{IssuerDN: issuer, Serial: "03", SubjectDN: "CN=Z"}
	adminW    = admin.Identity{IssuerDN: issuer, Serial: "04", SubjectDN: "CN=W"}
)

const profilesYAML = `
profiles:
  - id: single
    type: accumulative
    required_approvals: 1
  - id: pair
    type: accumulative
    required_approvals: 2
  - id: two-vetoes
    type: partitioned
    steps:
      - id: 1
        partitions:
          - {id: 1, name: security, required_approvals: 2, rejections_required: 2}
  - id: many
    type: accumulative
    required_approvals: 50
  - id: two-step
    type: partitioned
    steps:
      - id: 1
        partitions:
          - {id: 1, name: security, required_approvals: 2}
      - id: 2
        partitions:
          - {id: 1, name: operations, required_approvals: 1}
`

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAuthz allows everything except the listed (identity, resource) pairs.
type fakeAuthz struct {
	mu   sync.Mutex
	deny map[string]bool
}

func (a *fakeAuthz) Deny(who admin.Identity, resource string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deny == nil {
		a.deny = make(map[string]bool)
	}
	a.deny[who.Key()+" "+resource] = true
}

func (a *fakeAuthz) IsAuthorized(_ context.Context, who admin.Identity, resource string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.deny[who.Key()+" "+resource]
}

// fakeExecutors counts calls per kind and fails when err is set.
type fakeExecutors struct {
	mu    sync.Mutex
	calls map[approvals.Kind]int
	err   error
	delay time.Duration
}

func (f *fakeExecutors) run(kind approvals.Kind) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[approvals.Kind]int)
	}
	f.calls[kind]++
	return f.err
}

func (f *fakeExecutors) Calls(kind approvals.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeExecutors) ActivateCAToken(context.Context, *approvals.CAKeyActivation) error {
	return f.run(approvals.KindActivateCAKey)
}

func (f *fakeExecutors) AddEndEntity(context.Context, *approvals.EndEntity) error {
	return f.run(approvals.KindAddEndEntity)
}

func (f *fakeExecutors) EditEndEntity(context.Context, *approvals.EndEntity) error {
	return f.run(approvals.KindEditEndEntity)
}

func (f *fakeExecutors) ChangeEndEntityStatus(context.Context, *approvals.StatusChange) error {
	return f.run(approvals.KindChangeEndEntityStatus)
}

func (f *fakeExecutors) MarkForKeyRecovery(context.Context, *approvals.KeyRecovery) error {
	return f.run(approvals.KindRecoverKey)
}

func (f *fakeExecutors) RevokeCertificate(context.Context, *approvals.Revocation) error {
	return f.run(approvals.KindRevoke)
}

type settingsSource struct {
	mu sync.Mutex
	s  config.Settings
}

func (s *settingsSource) Current() config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

func (s *settingsSource) Set(fn func(*config.Settings)) {
	s.mu.Lock()
	fn(&s.s)
	s.mu.Unlock()
}

type recordedNotifications struct {
	mu   sync.Mutex
	sent []approvals.Notification
}

func (r *recordedNotifications) Notify(_ context.Context, n approvals.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

func (r *recordedNotifications) All() []approvals.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]approvals.Notification(nil), r.sent...)
}

type recordedAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordedAudit) Log(_ context.Context, e audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordedAudit) All() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

type harness struct {
	t        *testing.T
	db       *store.Store
	cases    *approvals.Store
	engine   *approvals.Engine
	clock    *clock
	authz    *fakeAuthz
	exec     *fakeExecutors
	generic  map[string]int
	settings *settingsSource
	notes    *recordedNotifications
	audit    *recordedAudit
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "kessai.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		t:       t,
		db:      db,
		cases:   approvals.NewStore(db),
		clock:   &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		authz:   &fakeAuthz{},
		exec:    &fakeExecutors{},
		generic: make(map[string]int),
		settings: &settingsSource{s: config.Settings{
			Notifications: true,
			AdminEmail:    "ca-admins@example.org",
			FromAddress:   "kessai@example.org",
			BaseURL:       "https://ca.example.org/",
		}},
		notes: &recordedNotifications{},
		audit: &recordedAudit{},
	}
	h.engine = h.newEngine(caselock.NewLocal())
	return h
}

// newEngine builds another engine over the same store, as a second process
// would.
func (h *harness) newEngine(locker approvals.Locker) *approvals.Engine {
	h.t.Helper()
	var mu sync.Mutex
	e, err := approvals.NewEngine(approvals.Config{
		Store:      h.cases,
		Authorizer: h.authz,
		Profiles:   mustProfiles(h.t),
		Executors: approvals.Executors{
			CAToken:     h.exec,
			EndEntities: h.exec,
			Generic: map[string]approvals.GenericRunner{
				"publish-crl": func(_ context.Context, params map[string]string) error {
					mu.Lock()
					defer mu.Unlock()
					h.generic[params["ca"]]++
					return nil
				},
			},
		},
		Locker:   locker,
		Settings: h.settings,
		Notifier: h.notes,
		Audit:    h.audit,
		Now:      h.clock.Now,
	})
	if err != nil {
		h.t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func mustProfiles(t *testing.T) *profile.Registry {
	t.Helper()
	reg, err := profile.Parse([]byte(profilesYAML), nil)
	if err != nil {
		t.Fatalf("profile.Parse: %v", err)
	}
	return reg
}

func activateCA(code string) approvals.GatedAction {
	return approvals.GatedAction{
		Kind:             approvals.KindActivateCAKey,
		Executable:       true,
		ValidityDuration: time.Hour,
		ActivateCAKey:    &approvals.CAKeyActivation{CAID: 3, AuthenticationCode: code},
	}
}

func addEndEntity(username string, executable bool) approvals.GatedAction {
	return approvals.GatedAction{
		Kind:             approvals.KindAddEndEntity,
		Executable:       executable,
		ValidityDuration: 2 * time.Hour,
		EndEntity: &approvals.EndEntity{
			Username:             username,
			SubjectDN:            "CN=" + username,
			CAID:                 3,
			EndEntityProfileID:   5,
			CertificateProfileID: 1,
			Password:             "enroll-secret",
		},
	}
}

func (h *harness) submit(profileID string, caID, eepID int, action approvals.GatedAction) *approvals.Case {
	h.t.Helper()
	c, err := h.engine.Submit(context.Background(), requester, approvals.SubmitRequest{
		ProfileID:          profileID,
		CAID:               caID,
		EndEntityProfileID: eepID,
		Action:             action,
		TTL:                time.Hour,
	})
	if err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
	return c
}

func (h *harness) load(id string) *approvals.Case {
	h.t.Helper()
	c, err := h.cases.Load(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Load(%s): %v", id, err)
	}
	return c
}

func (h *harness) approve(who admin.Identity, id string, step, part int) (*approvals.Result, error) {
	return h.engine.Approve(context.Background(), who, id, approvals.Vote{StepID: step, PartitionID: part})
}

func (h *harness) reject(who admin.Identity, id string, step, part int) (*approvals.Result, error) {
	return h.engine.Reject(context.Background(), who, id, approvals.Vote{StepID: step, PartitionID: part, Comment: "no"})
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("err = %v, want %v", err, target)
	}
}
