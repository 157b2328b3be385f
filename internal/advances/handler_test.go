package advances_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/advances/advancestest"
)

func TestHandlerOrphansAndDeduction(t *testing.T) {
	store := advancestest.New()
	svc := newService(store)
	r := chi.NewRouter()
	advances.NewHandler(slog.Default(), svc).MountRoutes(r)

	broker := uuid.New()
	store.Put(advances.Advance{BrokerID: broker, Amount: decimal.NewFromInt(500), Status: advances.StatusOrphaned, CreatedAt: fixedNow})
	pending := createAdvance(t, store, broker, uuid.New(), "120")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/brokers/"+broker.String()+"/orphan-advances", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var views []advances.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, advances.StatusOrphaned, views[0].Status)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/advances/"+pending.ID.String()+"/deduction", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := svc.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	require.Equal(t, advances.StatusPaid, got.Status)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/advances/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/brokers/not-a-uuid/orphan-advances", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
