package obligations

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/allocation"
	"github.com/brokerdesk/bankrecon/internal/references"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

var testNow = time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fixture struct {
	repo    *memoryRepo
	service *Service
	audit   *auditSpy
	metrics *observerSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	repo.ledger.Now = func() time.Time { return testNow }
	svc := NewService(repo, allocation.NewEngine(allocation.InputOrder{}), slog.Default())
	svc.WithNow(func() time.Time { return testNow })
	audit := &auditSpy{}
	metrics := &observerSpy{}
	svc.WithAudit(audit)
	svc.WithObserver(metrics)
	return &fixture{repo: repo, service: svc, audit: audit, metrics: metrics}
}

func (f *fixture) seed(ref, amount string) {
	f.repo.ledger.Seed(ref, dec(amount), decimal.Zero)
}

func (f *fixture) bank(t *testing.T, client, amount string, refs ...ReferenceInput) (Obligation, error) {
	t.Helper()
	res, err := f.service.Create(context.Background(), CreateInput{
		FundingInput: FundingInput{
			Funding:     FundingBankOnly,
			AmountToPay: dec(amount),
			References:  refs,
		},
		ClientName: client,
		Purpose:    OtherPurpose("premium"),
		Actor:      "ops",
	})
	if err != nil {
		return Obligation{}, err
	}
	return res.Obligations[0], res.Warning
}

func ref(number string) ReferenceInput { return ReferenceInput{ReferenceNumber: number} }

func refAmount(number, requested string) ReferenceInput {
	return ReferenceInput{ReferenceNumber: number, Requested: decp(requested)}
}

type auditSpy struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, log.Action)
	return nil
}

type observerSpy struct {
	mu      sync.Mutex
	commits map[string]int
	short   int
}

func (o *observerSpy) ObserveCommit(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.commits == nil {
		o.commits = make(map[string]int)
	}
	o.commits[result]++
}

func (o *observerSpy) ObserveShortAllocation() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.short++
}

func TestCreateBankFundedObligation(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "600")
	f.seed("REF-2", "700")

	o, err := f.bank(t, "ACME", "1000", ref("REF-1"), ref("REF-2"))
	require.NoError(t, err)
	require.Len(t, o.References, 2)
	require.True(t, o.BankFunded().Equal(dec("1000")))
	require.True(t, o.CanBePaid)
	require.Equal(t, StateConciled, f.service.State(o))
	for _, r := range o.References {
		require.True(t, r.ExistsInBank)
		require.NotNil(t, r.Date)
	}
	// ledger is untouched until payment
	require.True(t, f.repo.ledger.MustGet("REF-1").UsedAmount.IsZero())
	require.Equal(t, []string{"obligation.create"}, f.audit.actions)
}

func TestCreateShortAllocationPersistsBlocked(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "300")

	o, err := f.bank(t, "ACME", "1000", ref("REF-1"))
	require.ErrorIs(t, err, shared.ErrShortAllocation)
	require.True(t, o.BankFunded().Equal(dec("300")))
	require.True(t, o.BankFunded().LessThan(o.AmountToPay))
	require.False(t, o.CanBePaid)
	require.Equal(t, StateBlocked, f.service.State(o))
	require.Equal(t, 1, f.metrics.short)

	stored := f.repo.obligation(o.ID)
	require.Equal(t, o.ID, stored.ID)
}

func TestCreateUnknownReferenceNeedsManualAmount(t *testing.T) {
	f := newFixture(t)

	_, err := f.bank(t, "ACME", "100", ref("NOPE"))
	require.ErrorIs(t, err, shared.ErrValidation)

	date := testNow.AddDate(0, 0, -1)
	o, err := f.bank(t, "ACME", "100", ReferenceInput{ReferenceNumber: "NOPE", Amount: decp("100"), Date: &date})
	require.NoError(t, err)
	require.False(t, o.References[0].ExistsInBank)
	require.False(t, o.CanBePaid)
	require.Equal(t, StateBlocked, f.service.State(o))
}

func TestReservationScenario(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "1000")
	validator := references.NewValidator(f.repo.ledger, f.service, slog.Default())
	ctx := context.Background()

	a, err := f.bank(t, "A", "600", ref("REF-1"))
	require.NoError(t, err)

	report, err := validator.Validate(ctx, "REF-1", dec("500"), nil)
	require.NoError(t, err)
	require.True(t, report.AvailableAfterPending.Equal(dec("400")))
	require.False(t, report.Covers)

	_, err = f.bank(t, "B", "500", refAmount("REF-1", "500"))
	var blocked *references.BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.Blocking, 1)
	require.Equal(t, a.ID, blocked.Blocking[0].ObligationID)

	b, err := f.bank(t, "B", "400", refAmount("REF-1", "400"))
	require.NoError(t, err)
	require.True(t, b.BankFunded().Equal(dec("400")))

	report, err = validator.Validate(ctx, "REF-1", decimal.Zero, nil)
	require.NoError(t, err)
	require.Equal(t, references.StatusBlocked, report.Status)

	// editing A must not see its own reservation
	report, err = validator.Validate(ctx, "REF-1", dec("600"), &a.ID)
	require.NoError(t, err)
	require.True(t, report.Covers)
}

func TestBlockedUntilClaimantDeleted(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "500")
	validator := references.NewValidator(f.repo.ledger, f.service, slog.Default())
	ctx := context.Background()

	a, err := f.bank(t, "A", "500", ref("REF-1"))
	require.NoError(t, err)
	report, err := validator.Validate(ctx, "REF-1", decimal.Zero, nil)
	require.NoError(t, err)
	require.Equal(t, references.StatusBlocked, report.Status)

	require.NoError(t, f.service.Delete(ctx, a.ID, "ops"))
	require.True(t, f.repo.ledger.MustGet("REF-1").UsedAmount.IsZero())

	report, err = validator.Validate(ctx, "REF-1", decimal.Zero, nil)
	require.NoError(t, err)
	require.Equal(t, references.StatusAvailable, report.Status)
}

func TestCreateRejectsExhaustedReference(t *testing.T) {
	f := newFixture(t)
	f.repo.ledger.Seed("REF-1", dec("100"), dec("100"))

	_, err := f.bank(t, "A", "100", ref("REF-1"))
	require.ErrorIs(t, err, shared.ErrInsufficientBalance)
	all, err := f.service.List(context.Background(), ListFilter{IncludePaid: true})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCreateDivisionsSplitFunding(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "700")
	f.seed("REF-2", "500")

	res, err := f.service.Create(context.Background(), CreateInput{
		FundingInput: FundingInput{
			Funding:     FundingBankOnly,
			AmountToPay: dec("1000"),
			References:  []ReferenceInput{ref("REF-1"), ref("REF-2")},
		},
		ClientName: "ACME",
		Purpose:    PolicyPurpose("POL-1", uuid.New()),
		Divisions: []DivisionInput{
			{Amount: dec("400")},
			{Amount: dec("600"), Purpose: PolicyPurpose("POL-2", uuid.New())},
		},
	})
	require.NoError(t, err)
	require.NoError(t, res.Warning)
	require.Len(t, res.Obligations, 2)

	first, second := res.Obligations[0], res.Obligations[1]
	require.Equal(t, *first.DivisionGroupID, *second.DivisionGroupID)
	require.True(t, first.BankFunded().Equal(dec("400")))
	require.True(t, second.BankFunded().Equal(dec("600")))
	require.Equal(t, "POL-2", second.Purpose.PolicyNumber)
	require.Equal(t, "POL-1", first.Purpose.PolicyNumber)

	perRef := map[string]decimal.Decimal{}
	for _, o := range res.Obligations {
		require.True(t, o.CanBePaid)
		for _, r := range o.References {
			perRef[r.ReferenceNumber] = perRef[r.ReferenceNumber].Add(r.AmountToUse)
		}
	}
	require.True(t, perRef["REF-1"].Equal(dec("700")))
	require.True(t, perRef["REF-2"].Equal(dec("300")))
}

func TestCreateDivisionsMustSumToAmount(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "1000")
	_, err := f.service.Create(context.Background(), CreateInput{
		FundingInput: FundingInput{Funding: FundingBankOnly, AmountToPay: dec("1000"), References: []ReferenceInput{ref("REF-1")}},
		ClientName:   "ACME",
		Purpose:      OtherPurpose("split"),
		Divisions:    []DivisionInput{{Amount: dec("400")}, {Amount: dec("500")}},
	})
	require.ErrorIs(t, err, ErrDivisionSum)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateExcludesOwnReservation(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "500")
	ctx := context.Background()

	o, err := f.bank(t, "ACME", "500", ref("REF-1"))
	require.NoError(t, err)

	res, err := f.service.Update(ctx, UpdateInput{
		ID:           o.ID,
		FundingInput: FundingInput{Funding: FundingBankOnly, AmountToPay: dec("450"), References: []ReferenceInput{ref("REF-1")}},
		ClientName:   "ACME Corp",
		Purpose:      OtherPurpose("premium"),
	})
	require.NoError(t, err)
	updated := res.Obligations[0]
	require.Equal(t, "ACME Corp", updated.ClientName)
	require.True(t, updated.BankFunded().Equal(dec("450")))
	require.Equal(t, StateConciled, f.service.State(updated))
}

func TestUpdatePaidObligationIsImmutable(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "500")
	ctx := context.Background()
	o, err := f.bank(t, "ACME", "500", ref("REF-1"))
	require.NoError(t, err)
	require.NoError(t, f.service.MarkPaid(ctx, []uuid.UUID{o.ID}, "ops")[0].Err)

	_, err = f.service.Update(ctx, UpdateInput{
		ID:           o.ID,
		FundingInput: FundingInput{Funding: FundingBankOnly, AmountToPay: dec("500"), References: []ReferenceInput{ref("REF-1")}},
		ClientName:   "ACME",
		Purpose:      OtherPurpose("premium"),
	})
	require.ErrorIs(t, err, ErrAlreadyPaid)
	require.ErrorIs(t, f.service.Delete(ctx, o.ID, "ops"), shared.ErrImmutable)
}

func deductionInput(broker uuid.UUID, amount string) CreateInput {
	return CreateInput{
		FundingInput: FundingInput{Funding: FundingDeductionOnly, BrokerID: &broker, AmountToPay: dec(amount)},
		ClientName:   "ACME",
		Purpose:      RefundPurpose(RefundToBroker),
	}
}

func TestDeductionFundingCreatesPendingAdvance(t *testing.T) {
	f := newFixture(t)
	broker := uuid.New()

	res, err := f.service.Create(context.Background(), deductionInput(broker, "500"))
	require.NoError(t, err)
	o := res.Obligations[0]
	require.NotNil(t, o.Advance)
	require.Equal(t, advances.StatusPending, o.Advance.Status)
	require.True(t, o.Advance.Amount.Equal(dec("500")))
	require.Empty(t, o.References)
	require.False(t, o.CanBePaid)
	require.Equal(t, StateBlocked, f.service.State(o))
	require.Len(t, f.repo.advances.All(), 1)
}

func TestHybridFundingAllocatesBankRemainder(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "1000")
	broker := uuid.New()

	res, err := f.service.Create(context.Background(), CreateInput{
		FundingInput: FundingInput{
			Funding:       FundingHybrid,
			BrokerID:      &broker,
			AmountToPay:   dec("1000"),
			AdvanceAmount: dec("250"),
			References:    []ReferenceInput{ref("REF-1")},
		},
		ClientName: "ACME",
		Purpose:    OtherPurpose("premium"),
	})
	require.NoError(t, err)
	o := res.Obligations[0]
	require.True(t, o.BankFunded().Equal(dec("750")))
	require.True(t, o.Funded().Equal(dec("1000")))
	require.False(t, o.CanBePaid, "advance still pending")
}

func TestSwitchToBankNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "500")
	ctx := context.Background()
	res, err := f.service.Create(ctx, deductionInput(uuid.New(), "500"))
	require.NoError(t, err)
	o := res.Obligations[0]

	_, err = f.service.SwitchToBankFunding(ctx, o.ID, []ReferenceInput{ref("REF-1")}, false, "ops")
	require.ErrorIs(t, err, ErrConfirmationRequired)

	_, err = f.service.Update(ctx, UpdateInput{
		ID:           o.ID,
		FundingInput: FundingInput{Funding: FundingBankOnly, AmountToPay: dec("500"), References: []ReferenceInput{ref("REF-1")}},
		ClientName:   "ACME",
		Purpose:      RefundPurpose(RefundToBroker),
	})
	require.ErrorIs(t, err, ErrConfirmationRequired)

	res, err = f.service.SwitchToBankFunding(ctx, o.ID, []ReferenceInput{ref("REF-1")}, true, "ops")
	require.NoError(t, err)
	switched := res.Obligations[0]
	require.Equal(t, FundingBankOnly, switched.Funding)
	require.Nil(t, switched.Advance)
	require.True(t, switched.CanBePaid)

	all := f.repo.advances.All()
	require.Len(t, all, 1)
	require.Equal(t, advances.StatusCancelled, all[0].Status)
	require.Contains(t, f.audit.actions, "obligation.switch_to_bank")
}

func TestSwitchAfterDeductionOrphansAdvance(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "500")
	ctx := context.Background()
	broker := uuid.New()
	res, err := f.service.Create(ctx, deductionInput(broker, "500"))
	require.NoError(t, err)
	o := res.Obligations[0]

	adv := advances.NewService(f.repo.advances, slog.Default())
	adv.SetDeductionListener(f.service)
	_, err = adv.MarkDeducted(ctx, o.Advance.ID)
	require.NoError(t, err)

	_, err = f.service.SwitchToBankFunding(ctx, o.ID, []ReferenceInput{ref("REF-1")}, true, "ops")
	require.NoError(t, err)

	orphans, err := adv.FindOrphanAdvances(ctx, broker)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, o.Advance.ID, orphans[0].ID)
}

func TestChangingPendingAdvanceReplacesIt(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "1000")
	ctx := context.Background()
	broker := uuid.New()
	in := CreateInput{
		FundingInput: FundingInput{
			Funding: FundingHybrid, BrokerID: &broker, AmountToPay: dec("1000"), AdvanceAmount: dec("200"),
			References: []ReferenceInput{ref("REF-1")},
		},
		ClientName: "ACME",
		Purpose:    OtherPurpose("premium"),
	}
	res, err := f.service.Create(ctx, in)
	require.NoError(t, err)
	o := res.Obligations[0]

	upd := UpdateInput{ID: o.ID, FundingInput: in.FundingInput, ClientName: "ACME", Purpose: in.Purpose}
	upd.AdvanceAmount = dec("300")
	res, err = f.service.Update(ctx, upd)
	require.NoError(t, err)
	updated := res.Obligations[0]
	require.True(t, updated.Advance.Amount.Equal(dec("300")))
	require.True(t, updated.BankFunded().Equal(dec("700")))

	statuses := map[advances.Status]int{}
	for _, a := range f.repo.advances.All() {
		statuses[a.Status]++
	}
	require.Equal(t, map[advances.Status]int{advances.StatusCancelled: 1, advances.StatusPending: 1}, statuses)
}

func TestDeleteDeductedAdvanceBecomesOrphanAndIsRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broker := uuid.New()
	res, err := f.service.Create(ctx, deductionInput(broker, "500"))
	require.NoError(t, err)
	original := res.Obligations[0]

	adv := advances.NewService(f.repo.advances, slog.Default())
	_, err = adv.MarkDeducted(ctx, original.Advance.ID)
	require.NoError(t, err)
	require.NoError(t, f.service.Delete(ctx, original.ID, "ops"))

	orphans, err := adv.FindOrphanAdvances(ctx, broker)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	in := deductionInput(broker, "500")
	in.RecoverAdvanceID = &orphans[0].ID
	res, err = f.service.Create(ctx, in)
	require.NoError(t, err)
	o := res.Obligations[0]
	require.Equal(t, orphans[0].ID, o.Advance.ID)
	require.Equal(t, advances.StatusRecovered, o.Advance.Status)
	require.True(t, o.CanBePaid)

	all := f.repo.advances.All()
	require.Len(t, all, 1, "recovery must not mint a second deduction")
	require.Equal(t, o.ID, *all[0].LinkedPaymentID)

	_, err = f.service.Create(ctx, in)
	require.ErrorIs(t, err, shared.ErrAlreadyLinked)
}

func TestRecoverOrphanRejectsMismatchedAmount(t *testing.T) {
	f := newFixture(t)
	broker := uuid.New()
	orphan := f.repo.advances.Put(advances.Advance{BrokerID: broker, Amount: dec("500"), Status: advances.StatusOrphaned, CreatedAt: testNow})

	in := deductionInput(broker, "450")
	in.RecoverAdvanceID = &orphan.ID
	_, err := f.service.Create(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.True(t, f.repo.advances.All()[0].Orphan())
}

func TestRecoverOrphanIntoExistingObligation(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "1000")
	ctx := context.Background()
	broker := uuid.New()
	orphan := f.repo.advances.Put(advances.Advance{BrokerID: broker, Amount: dec("300"), Status: advances.StatusOrphaned, CreatedAt: testNow})

	o, err := f.bank(t, "ACME", "700", ref("REF-1"))
	require.NoError(t, err)
	_, err = f.service.RecoverOrphanAdvance(ctx, orphan.ID, o.ID, "ops")
	require.ErrorIs(t, err, shared.ErrValidation, "bank funded obligations take no advance")

	// a hybrid obligation whose pending advance was cancelled by an edit can take the orphan
	stored := f.repo.obligation(o.ID)
	err = f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stored.Funding = FundingHybrid
		stored.AmountToPay = dec("1000")
		stored.BrokerID = &broker
		return tx.UpdateObligation(ctx, stored)
	})
	require.NoError(t, err)

	recovered, err := f.service.RecoverOrphanAdvance(ctx, orphan.ID, o.ID, "ops")
	require.NoError(t, err)
	require.Equal(t, orphan.ID, recovered.Advance.ID)
	require.True(t, recovered.CanBePaid)

	_, err = f.service.RecoverOrphanAdvance(ctx, orphan.ID, o.ID, "ops")
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestRecoverOrphanStaysWithItsBroker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	orphan := f.repo.advances.Put(advances.Advance{BrokerID: owner, Amount: dec("500"), Status: advances.StatusOrphaned, CreatedAt: testNow})

	in := deductionInput(other, "500")
	in.RecoverAdvanceID = &orphan.ID
	_, err := f.service.Create(ctx, in)
	require.ErrorIs(t, err, advances.ErrBrokerMismatch)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.True(t, f.repo.advances.All()[0].Orphan())

	// without a broker the obligation adopts the orphan's
	anonymous := CreateInput{
		FundingInput: FundingInput{Funding: FundingDeductionOnly, AmountToPay: dec("500"), RecoverAdvanceID: &orphan.ID},
		ClientName:   "ACME",
		Purpose:      OtherPurpose("premium"),
	}
	res, err := f.service.Create(ctx, anonymous)
	require.NoError(t, err)
	o := res.Obligations[0]
	require.NotNil(t, o.BrokerID)
	require.Equal(t, owner, *o.BrokerID)
	require.Equal(t, advances.StatusRecovered, o.Advance.Status)
	require.Equal(t, owner, *f.repo.obligation(o.ID).BrokerID)
}

func TestRecoverOrphanIntoAnotherBrokersObligation(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "1000")
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	orphan := f.repo.advances.Put(advances.Advance{BrokerID: owner, Amount: dec("300"), Status: advances.StatusOrphaned, CreatedAt: testNow})

	o, err := f.bank(t, "ACME", "700", ref("REF-1"))
	require.NoError(t, err)
	stored := f.repo.obligation(o.ID)
	err = f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stored.Funding = FundingHybrid
		stored.AmountToPay = dec("1000")
		stored.BrokerID = &other
		return tx.UpdateObligation(ctx, stored)
	})
	require.NoError(t, err)

	_, err = f.service.RecoverOrphanAdvance(ctx, orphan.ID, o.ID, "ops")
	require.ErrorIs(t, err, advances.ErrBrokerMismatch)
	require.True(t, f.repo.advances.All()[0].Orphan())
	require.Equal(t, other, *f.repo.obligation(o.ID).BrokerID)
}

func TestImportMarksReferencesInBank(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.bank(t, "ACME", "100", ReferenceInput{ReferenceNumber: "LATE-1", Amount: decp("100")})
	require.NoError(t, err)
	require.False(t, o.CanBePaid)

	f.seed("LATE-1", "100")
	require.NoError(t, f.service.HandleTransfersImported(ctx, []string{"LATE-1", "OTHER"}))

	refreshed := f.repo.obligation(o.ID)
	require.True(t, refreshed.References[0].ExistsInBank)
	require.True(t, refreshed.CanBePaid)
	require.Equal(t, StateConciled, f.service.State(refreshed))
}

func TestImportCutsManualClaimsToTheTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.bank(t, "ACME", "1000", ReferenceInput{ReferenceNumber: "REF-X", Amount: decp("1000")})
	require.NoError(t, err)
	f.service.WithNow(func() time.Time { return testNow.Add(time.Minute) })
	second, err := f.bank(t, "GLOBEX", "1000", ReferenceInput{ReferenceNumber: "REF-X", Amount: decp("1000")})
	require.NoError(t, err)

	f.seed("REF-X", "600")
	require.NoError(t, f.service.HandleTransfersImported(ctx, []string{"REF-X"}))

	a := f.repo.obligation(first.ID)
	require.True(t, a.References[0].ExistsInBank)
	require.True(t, a.References[0].Amount.Equal(dec("600")), "reference takes the transfer's face amount")
	require.True(t, a.References[0].AmountToUse.Equal(dec("600")))
	require.False(t, a.CanBePaid)
	require.Equal(t, StateBlocked, f.service.State(a))

	b := f.repo.obligation(second.ID)
	require.True(t, b.References[0].AmountToUse.IsZero())
	require.False(t, b.CanBePaid)
	require.Equal(t, StateBlocked, f.service.State(b))

	claimed := a.BankFunded().Add(b.BankFunded())
	require.True(t, claimed.LessThanOrEqual(dec("600")), "claims %s exceed the transfer", claimed)
	require.Equal(t, 2, f.metrics.short)

	outcomes := f.service.MarkPaid(ctx, []uuid.UUID{first.ID}, "ops")
	require.ErrorIs(t, outcomes[0].Err, shared.ErrBlocked)
}

func TestImportKeepsManualClaimsThatFit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.bank(t, "ACME", "400", ReferenceInput{ReferenceNumber: "REF-X", Amount: decp("1000"), Requested: decp("400")})
	require.NoError(t, err)
	second, err := f.bank(t, "GLOBEX", "200", ReferenceInput{ReferenceNumber: "REF-X", Amount: decp("1000"), Requested: decp("200")})
	require.NoError(t, err)

	f.seed("REF-X", "600")
	require.NoError(t, f.service.HandleTransfersImported(ctx, []string{"REF-X"}))

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		o := f.repo.obligation(id)
		require.True(t, o.References[0].Amount.Equal(dec("600")))
		require.True(t, o.CanBePaid)
		require.Equal(t, StateConciled, f.service.State(o))
	}
	require.Zero(t, f.metrics.short)
}

func TestCreateLeavesCallerReferencesUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "100")
	refs := []ReferenceInput{{ReferenceNumber: " REF-1 "}}

	o, err := f.bank(t, "ACME", "100", refs...)
	require.NoError(t, err)
	require.Equal(t, "REF-1", o.References[0].ReferenceNumber)
	require.Equal(t, " REF-1 ", refs[0].ReferenceNumber)
}

func TestListReadyHidesDeferred(t *testing.T) {
	f := newFixture(t)
	f.seed("REF-1", "1000")
	ctx := context.Background()
	later := testNow.Add(72 * time.Hour)

	_, err := f.bank(t, "NOW", "100", refAmount("REF-1", "100"))
	require.NoError(t, err)
	res, err := f.service.Create(ctx, CreateInput{
		FundingInput: FundingInput{Funding: FundingBankOnly, AmountToPay: dec("100"), References: []ReferenceInput{refAmount("REF-1", "100")}},
		ClientName:   "LATER",
		Purpose:      OtherPurpose("premium"),
		DeferUntil:   &later,
	})
	require.NoError(t, err)
	require.Equal(t, StateDeferred, f.service.State(res.Obligations[0]))

	ready, err := f.service.ListReady(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "NOW", ready[0].ClientName)

	all, err := f.service.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broker := uuid.New()
	cases := map[string]CreateInput{
		"no references": {FundingInput: FundingInput{Funding: FundingBankOnly, AmountToPay: dec("10")}, ClientName: "A", Purpose: OtherPurpose("x")},
		"zero amount":   {FundingInput: FundingInput{Funding: FundingBankOnly, References: []ReferenceInput{ref("R")}}, ClientName: "A", Purpose: OtherPurpose("x")},
		"deduction with references": {FundingInput: FundingInput{
			Funding: FundingDeductionOnly, BrokerID: &broker, AmountToPay: dec("10"), References: []ReferenceInput{ref("R")},
		}, ClientName: "A", Purpose: OtherPurpose("x")},
		"deduction without broker": {FundingInput: FundingInput{Funding: FundingDeductionOnly, AmountToPay: dec("10")}, ClientName: "A", Purpose: OtherPurpose("x")},
		"hybrid advance too large": {FundingInput: FundingInput{
			Funding: FundingHybrid, BrokerID: &broker, AmountToPay: dec("10"), AdvanceAmount: dec("10"), References: []ReferenceInput{ref("R")},
		}, ClientName: "A", Purpose: OtherPurpose("x")},
		"broker refund without broker": {FundingInput: FundingInput{Funding: FundingBankOnly, AmountToPay: dec("10"), References: []ReferenceInput{ref("R")}}, ClientName: "A", Purpose: RefundPurpose(RefundToBroker)},
		"bad purpose":                  {FundingInput: FundingInput{Funding: FundingBankOnly, AmountToPay: dec("10"), References: []ReferenceInput{ref("R")}}, ClientName: "A"},
	}
	for name, in := range cases {
		_, err := f.service.Create(ctx, in)
		require.True(t, errors.Is(err, shared.ErrValidation), "%s: %v", name, err)
	}
}

func newBroker() uuid.UUID { return uuid.New() }
