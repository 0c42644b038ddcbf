package agreement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/apperr"
	"dealflow/audit"
	"dealflow/lifecycle"
	"dealflow/tenant"
	"dealflow/test/fakes"
)

var scope = tenant.Scope{TenantID: "tenant-1", ActorID: "user-1"}

type harness struct {
	svc    *Service
	repo   *memRepo
	keys   *memKeys
	pool   *fakes.Pool
	events *audit.Memory
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:   newMemRepo(),
		keys:   &memKeys{},
		pool:   &fakes.Pool{},
		events: &audit.Memory{},
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	n := 0
	h.svc = NewService(h.pool, h.repo, h.events, h.keys).
		WithClock(func() time.Time { return h.now }).
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		})
	return h
}

func (h *harness) day(offset int) *time.Time {
	d := h.now.Truncate(24*time.Hour).AddDate(0, 0, offset)
	return &d
}

func (h *harness) createMSA(t *testing.T) Agreement {
	t.Helper()
	a, err := h.svc.Create(context.Background(), scope, CreateParams{
		Title:         "Master services",
		Type:          lifecycle.AgreementMSA,
		EffectiveDate: h.day(0),
		ExpiryDate:    h.day(365),
		Terms:         "Net 30.",
	})
	require.NoError(t, err)
	return a
}

func (h *harness) pendingMSA(t *testing.T) Agreement {
	t.Helper()
	a := h.createMSA(t)
	a, err := h.svc.SubmitForSignature(context.Background(), scope, a.ID)
	require.NoError(t, err)
	return a
}

func (h *harness) activeMSA(t *testing.T) Agreement {
	t.Helper()
	a := h.pendingMSA(t)
	_, err := h.svc.RecordClientSignature(context.Background(), scope, a.ID, ClientSignatureParams{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	a, err = h.svc.RecordProviderSignature(context.Background(), scope, a.ID, ProviderSignatureParams{Name: "Grace"})
	require.NoError(t, err)
	require.Equal(t, lifecycle.AgreementActive, a.Status)
	return a
}

func requireKind(t *testing.T, err error, kind apperr.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
	if code != "" {
		assert.Equal(t, code, apperr.CodeOf(err), "error: %v", err)
	}
}

func TestCreate_Defaults(t *testing.T) {
	h := newHarness(t)

	a, err := h.svc.Create(context.Background(), scope, CreateParams{Title: "  NDA  "})
	require.NoError(t, err)

	assert.Equal(t, "AGR-000001", a.Reference)
	assert.Equal(t, "NDA", a.Title)
	assert.Equal(t, lifecycle.AgreementOther, a.Type)
	assert.Equal(t, lifecycle.AgreementDraft, a.Status)
	assert.Equal(t, 1, a.Version)
	assert.Regexp(t, `^ag_[0-9a-f]{64}$`, a.PublicToken)
	assert.Equal(t, []string{"agreement.created"}, h.events.Topics())
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Create(context.Background(), scope, CreateParams{
		Type:          "lease",
		EffectiveDate: h.day(10),
		ExpiryDate:    h.day(1),
	})

	requireKind(t, err, apperr.KindValidation, "invalid_input")
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "required", appErr.Fields["title"])
	assert.Equal(t, "invalid", appErr.Fields["agreement_type"])
	assert.Equal(t, "before_effective_date", appErr.Fields["expiry_date"])
	assert.Zero(t, h.pool.Committed())
}

func TestSubmitForSignature_RequiresEffectiveDate(t *testing.T) {
	h := newHarness(t)
	a, err := h.svc.Create(context.Background(), scope, CreateParams{Title: "SOW", Type: lifecycle.AgreementSOW})
	require.NoError(t, err)

	_, err = h.svc.SubmitForSignature(context.Background(), scope, a.ID)
	requireKind(t, err, apperr.KindValidation, "invalid_input")
	assert.Equal(t, lifecycle.AgreementDraft, h.repo.status(a.ID))

	effective := h.day(0)
	_, err = h.svc.Update(context.Background(), scope, a.ID, UpdateParams{EffectiveDate: effective})
	require.NoError(t, err)

	pending, err := h.svc.SubmitForSignature(context.Background(), scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.AgreementPendingSignature, pending.Status)
	assert.NotNil(t, pending.SubmittedAt)
}

func TestSignatures_ActivateOnlyWhenBothPresent(t *testing.T) {
	h := newHarness(t)
	a := h.pendingMSA(t)

	signed, err := h.svc.RecordClientSignature(context.Background(), scope, a.ID, ClientSignatureParams{
		Name: "Ada", Email: "ada@example.com", Title: "CFO", IP: "203.0.113.9",
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.AgreementPendingSignature, signed.Status)
	require.NotNil(t, signed.ClientSignature)
	assert.Nil(t, signed.ActivatedAt)

	active, err := h.svc.RecordProviderSignature(context.Background(), scope, a.ID, ProviderSignatureParams{Name: "Grace", Title: "COO"})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.AgreementActive, active.Status)
	assert.True(t, active.FullySigned())
	assert.Equal(t, "user-1", active.ProviderSignature.SignatoryID)
	require.NotNil(t, active.ActivatedAt)
	assert.Equal(t, h.now, *active.ActivatedAt)

	assert.Equal(t, []string{
		"agreement.created",
		"agreement.pending_signature",
		"agreement.signed_client",
		"agreement.signed_provider",
		"agreement.active",
	}, h.events.Topics())

	_, err = h.svc.RecordClientSignature(context.Background(), scope, a.ID, ClientSignatureParams{Name: "Ada", Email: "ada@example.com"})
	requireKind(t, err, apperr.KindBusinessRule, "not_awaiting_signature")
}

func TestSignatures_SamePartyOverwrites(t *testing.T) {
	h := newHarness(t)
	a := h.pendingMSA(t)

	_, err := h.svc.RecordClientSignature(context.Background(), scope, a.ID, ClientSignatureParams{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	h.now = h.now.Add(time.Hour)
	again, err := h.svc.RecordClientSignature(context.Background(), scope, a.ID, ClientSignatureParams{Name: "Ada Lovelace", Email: "ada@example.com"})
	require.NoError(t, err)

	assert.Equal(t, lifecycle.AgreementPendingSignature, again.Status)
	assert.Equal(t, "Ada Lovelace", again.ClientSignature.Name)
	assert.Equal(t, h.now, again.ClientSignature.SignedAt)
	assert.Equal(t, true, h.events.Events[len(h.events.Events)-1].Payload["resigned"])
}

func TestRecordClientSignature_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t)
	a := h.pendingMSA(t)
	params := ClientSignatureParams{Name: "Ada", Email: "ada@example.com", IdempotencyKey: "envelope-42"}

	first, err := h.svc.RecordClientSignature(context.Background(), scope, a.ID, params)
	require.NoError(t, err)
	h.now = h.now.Add(time.Minute)
	second, err := h.svc.RecordClientSignature(context.Background(), scope, a.ID, params)
	require.NoError(t, err)

	assert.Equal(t, first.ClientSignature.SignedAt, second.ClientSignature.SignedAt)
	signedEvents := 0
	for _, topic := range h.events.Topics() {
		if topic == "agreement.signed_client" {
			signedEvents++
		}
	}
	assert.Equal(t, 1, signedEvents)
}

func TestRecordClientSignature_KeyFromOtherAgreementConflicts(t *testing.T) {
	h := newHarness(t)
	first := h.pendingMSA(t)
	other := h.pendingMSA(t)
	params := ClientSignatureParams{Name: "Ada", Email: "ada@example.com", IdempotencyKey: "envelope-42"}

	_, err := h.svc.RecordClientSignature(context.Background(), scope, first.ID, params)
	require.NoError(t, err)
	_, err = h.svc.RecordClientSignature(context.Background(), scope, other.ID, params)

	requireKind(t, err, apperr.KindConflict, "idempotency_key_reused")
	stored, err := h.svc.Get(context.Background(), scope, other.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ClientSignature)
	assert.Equal(t, lifecycle.AgreementPendingSignature, stored.Status)
}

func TestRecordClientSignature_Validation(t *testing.T) {
	h := newHarness(t)
	a := h.pendingMSA(t)

	_, err := h.svc.RecordClientSignature(context.Background(), scope, a.ID, ClientSignatureParams{Name: "Ada", Email: "not-an-email"})
	requireKind(t, err, apperr.KindValidation, "invalid_input")

	draft := h.createMSA(t)
	_, err = h.svc.RecordProviderSignature(context.Background(), scope, draft.ID, ProviderSignatureParams{Name: "Grace"})
	requireKind(t, err, apperr.KindBusinessRule, "not_awaiting_signature")
}

func TestPublicSign(t *testing.T) {
	h := newHarness(t)
	a := h.pendingMSA(t)
	_, err := h.svc.RecordProviderSignature(context.Background(), scope, a.ID, ProviderSignatureParams{Name: "Grace"})
	require.NoError(t, err)

	active, err := h.svc.PublicSign(context.Background(), a.PublicToken, ClientSignatureParams{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.AgreementActive, active.Status)
	assert.Equal(t, "public:ada@example.com", h.events.Events[len(h.events.Events)-1].ActorID)

	_, err = h.svc.PublicSign(context.Background(), a.PublicToken, ClientSignatureParams{Name: "Ada", Email: "ada@example.com"})
	requireKind(t, err, apperr.KindBusinessRule, "invalid_state")

	viewed, err := h.svc.PublicView(context.Background(), a.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, a.ID, viewed.ID)
	require.Len(t, h.events.BestEffort, 1)
}

func TestPublicSign_TokenFailures(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.PublicSign(context.Background(), "ag_nope", ClientSignatureParams{Name: "Ada", Email: "ada@example.com"})
	requireKind(t, err, apperr.KindNotFound, "token_not_found")

	draft := h.createMSA(t)
	_, err = h.svc.PublicSign(context.Background(), draft.PublicToken, ClientSignatureParams{Name: "Ada", Email: "ada@example.com"})
	requireKind(t, err, apperr.KindBusinessRule, "invalid_state")

	lapsed := h.pendingMSA(t)
	stored := h.repo.agreements[lapsed.ID]
	stored.EffectiveDate = h.day(-30)
	stored.ExpiryDate = h.day(-1)
	h.repo.seed(stored)
	_, err = h.svc.PublicSign(context.Background(), lapsed.PublicToken, ClientSignatureParams{Name: "Ada", Email: "ada@example.com"})
	requireKind(t, err, apperr.KindExpired, "token_expired")

	deleted := h.pendingMSA(t)
	require.NoError(t, h.svc.SoftDelete(context.Background(), scope, deleted.ID, "sent to wrong client"))
	_, err = h.svc.PublicView(context.Background(), deleted.PublicToken)
	requireKind(t, err, apperr.KindNotFound, "token_not_found")
}

func TestTerminate(t *testing.T) {
	h := newHarness(t)
	a := h.activeMSA(t)

	_, err := h.svc.Terminate(context.Background(), scope, a.ID, "  ")
	requireKind(t, err, apperr.KindValidation, "invalid_input")

	terminated, err := h.svc.Terminate(context.Background(), scope, a.ID, "client churned")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.AgreementTerminated, terminated.Status)
	require.NotNil(t, terminated.TerminationReason)
	assert.Equal(t, "client churned", *terminated.TerminationReason)
	assert.NotNil(t, terminated.TerminatedAt)

	_, err = h.svc.Terminate(context.Background(), scope, a.ID, "again")
	requireKind(t, err, apperr.KindBusinessRule, "invalid_transition")

	draft := h.createMSA(t)
	_, err = h.svc.Terminate(context.Background(), scope, draft.ID, "never signed")
	requireKind(t, err, apperr.KindBusinessRule, "invalid_transition")
}

func TestNewVersion_SupersedesParent(t *testing.T) {
	h := newHarness(t)
	parent := h.activeMSA(t)
	orderID := "order-9"
	stored := h.repo.agreements[parent.ID]
	stored.OrderID = &orderID
	h.repo.seed(stored)

	child, err := h.svc.NewVersion(context.Background(), scope, parent.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, "AGR-000001-V2", child.Reference)
	assert.Equal(t, 2, child.Version)
	assert.Equal(t, lifecycle.AgreementDraft, child.Status)
	require.NotNil(t, child.SupersedesID)
	assert.Equal(t, parent.ID, *child.SupersedesID)
	assert.Equal(t, parent.Terms, child.Terms)
	assert.Equal(t, &orderID, child.OrderID)
	assert.Nil(t, child.ClientSignature)
	assert.Nil(t, child.ProviderSignature)
	assert.NotEqual(t, parent.PublicToken, child.PublicToken)
	assert.Equal(t, lifecycle.AgreementSuperseded, h.repo.status(parent.ID))

	lineage, err := h.svc.ListLineage(context.Background(), scope, child.ID)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, parent.ID, lineage[0].ID)

	_, err = h.svc.NewVersion(context.Background(), scope, parent.ID, nil)
	requireKind(t, err, apperr.KindBusinessRule, "invalid_transition")
}

func TestNewVersion_StaleVersionConflicts(t *testing.T) {
	h := newHarness(t)
	a := h.createMSA(t)
	stale := 3

	_, err := h.svc.NewVersion(context.Background(), scope, a.ID, &stale)
	requireKind(t, err, apperr.KindConflict, "version_mismatch")

	h.repo.beforeTransition = func(t Transition) {
		h.repo.mu.Lock()
		cur := h.repo.agreements[t.ID]
		cur.Status = lifecycle.AgreementSuperseded
		h.repo.agreements[t.ID] = cur
		h.repo.mu.Unlock()
	}
	_, err = h.svc.NewVersion(context.Background(), scope, a.ID, nil)
	requireKind(t, err, apperr.KindConflict, "concurrent_update")
	assert.Len(t, h.repo.agreements, 1)
}

func TestExpireDue(t *testing.T) {
	h := newHarness(t)
	lapsed := h.activeMSA(t)
	current := h.activeMSA(t)

	stored := h.repo.agreements[lapsed.ID]
	stored.EffectiveDate = h.day(-365)
	stored.ExpiryDate = h.day(-1)
	h.repo.seed(stored)
	stored = h.repo.agreements[current.ID]
	stored.ExpiryDate = h.day(0)
	h.repo.seed(stored)

	n, err := h.svc.ExpireDue(context.Background(), h.now, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, lifecycle.AgreementExpired, h.repo.status(lapsed.ID))
	assert.Equal(t, lifecycle.AgreementActive, h.repo.status(current.ID))
	last := h.events.Events[len(h.events.Events)-1]
	assert.Equal(t, "agreement.expired", last.Topic())
	assert.Equal(t, SweeperActor, last.ActorID)

	_, err = h.svc.PublicView(context.Background(), lapsed.PublicToken)
	requireKind(t, err, apperr.KindExpired, "token_expired")

	n, err = h.svc.ExpireDue(context.Background(), h.now, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAttachTx(t *testing.T) {
	h := newHarness(t)
	a := h.createMSA(t)
	tx, err := h.pool.Begin(context.Background())
	require.NoError(t, err)

	attached, err := h.svc.AttachTx(context.Background(), tx, scope, a.ID, "order-1")
	require.NoError(t, err)
	require.NotNil(t, attached.OrderID)
	assert.Equal(t, "order-1", *attached.OrderID)

	_, err = h.svc.AttachTx(context.Background(), tx, scope, a.ID, "order-1")
	require.NoError(t, err)

	_, err = h.svc.AttachTx(context.Background(), tx, scope, a.ID, "order-2")
	requireKind(t, err, apperr.KindConflict, "agreement_attached")

	active := h.activeMSA(t)
	_, err = h.svc.Terminate(context.Background(), scope, active.ID, "replaced")
	require.NoError(t, err)
	_, err = h.svc.AttachTx(context.Background(), tx, scope, active.ID, "order-1")
	requireKind(t, err, apperr.KindBusinessRule, "agreement_not_attachable")
}

func TestSoftDelete_OnlyBeforeActive(t *testing.T) {
	h := newHarness(t)
	active := h.activeMSA(t)

	err := h.svc.SoftDelete(context.Background(), scope, active.ID, "")
	requireKind(t, err, apperr.KindBusinessRule, "agreement_not_deletable")

	draft := h.createMSA(t)
	require.NoError(t, h.svc.SoftDelete(context.Background(), scope, draft.ID, "duplicate"))
	_, err = h.svc.Get(context.Background(), scope, draft.ID)
	requireKind(t, err, apperr.KindNotFound, "agreement_not_found")
}

func TestUpdate_DraftOnly(t *testing.T) {
	h := newHarness(t)
	a := h.pendingMSA(t)
	title := "Renamed"

	_, err := h.svc.Update(context.Background(), scope, a.ID, UpdateParams{Title: &title})
	requireKind(t, err, apperr.KindBusinessRule, "agreement_not_editable")
}

func TestGet_OtherTenantIsNotFound(t *testing.T) {
	h := newHarness(t)
	a := h.createMSA(t)

	_, err := h.svc.Get(context.Background(), tenant.Scope{TenantID: "tenant-2", ActorID: "user-9"}, a.ID)
	requireKind(t, err, apperr.KindNotFound, "agreement_not_found")
}

func TestList_FiltersAndValidation(t *testing.T) {
	h := newHarness(t)
	h.createMSA(t)
	_, err := h.svc.Create(context.Background(), scope, CreateParams{Title: "DPA", Type: lifecycle.AgreementDPA})
	require.NoError(t, err)

	res, err := h.svc.List(context.Background(), scope, Filters{Type: lifecycle.AgreementDPA})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "DPA", res.Items[0].Title)

	_, err = h.svc.List(context.Background(), scope, Filters{Status: "signed"})
	requireKind(t, err, apperr.KindValidation, "invalid_input")
}
