package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/feedesk/backend/internal/domain/shared"
	"github.com/feedesk/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, status int, resp dto.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestHTTPStore(t *testing.T, handler http.HandlerFunc, opts ...HTTPStoreOption) *HTTPStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := NewHTTPStore(srv.URL, opts...)
	require.NoError(t, err)
	return store
}

func TestNewHTTPStore(t *testing.T) {
	t.Run("rejects non http urls", func(t *testing.T) {
		_, err := NewHTTPStore("ftp://authority")
		assert.Error(t, err)
	})

	t.Run("accepts a trailing slash", func(t *testing.T) {
		store, err := NewHTTPStore("http://authority:8080/")
		require.NoError(t, err)
		assert.Equal(t, "http://authority:8080", store.baseURL.String())
	})
}

func TestHTTPStore_Requests(t *testing.T) {
	ctx := context.Background()
	scope := fee.Scope{SchoolID: "s 1", DocumentType: fee.DocumentTypeInstallmentReceipt, Year: 2026}

	t.Run("list sends normalized filters", func(t *testing.T) {
		var gotQuery string
		store := newTestHTTPStore(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/installments", r.URL.Path)
			gotQuery = r.URL.RawQuery
			writeEnvelope(w, http.StatusOK, dto.NewSuccessResponse([]fee.Installment{{SchoolID: "s1", StudentID: "stu-1"}}))
		})

		out, err := store.ListInstallments(ctx, fee.Query{
			Collection: fee.CollectionInstallments,
			StudentID:  "stu-1",
			SchoolID:   "s1",
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "school_id=s1&student_id=stu-1", gotQuery)
	})

	t.Run("increment posts to the scoped counter path", func(t *testing.T) {
		store := newTestHTTPStore(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/counters/s 1/installment_receipt/2026/increment", r.URL.Path)
			assert.Equal(t, "device-7", r.Header.Get("X-Device-ID"))
			c := fee.NewReceiptCounter(scope)
			c.Counter = 6
			writeEnvelope(w, http.StatusOK, dto.NewSuccessResponse(c))
		}, WithDeviceID("device-7"))

		c, err := store.IncrementCounter(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(6), c.Counter)
		assert.Equal(t, scope, c.Scope)
	})

	t.Run("create sends the installment as json", func(t *testing.T) {
		store := newTestHTTPStore(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var inst fee.Installment
			require.NoError(t, json.NewDecoder(r.Body).Decode(&inst))
			inst.SyncStatus = fee.SyncStatusSynced
			writeEnvelope(w, http.StatusCreated, dto.NewSuccessResponse(inst))
		})

		inst := unpaidInstallment(t, "s1", "stu-1", 1000)
		got, err := store.CreateInstallment(ctx, inst)
		require.NoError(t, err)
		assert.Equal(t, inst.ID, got.ID)
		assert.Equal(t, fee.SyncStatusSynced, got.SyncStatus)
	})

	t.Run("ping hits healthz", func(t *testing.T) {
		store := newTestHTTPStore(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/healthz", r.URL.Path)
			writeEnvelope(w, http.StatusOK, dto.NewSuccessResponse(map[string]string{"status": "ok"}))
		})
		assert.NoError(t, store.Ping(ctx))
	})
}

func TestHTTPStore_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	scope := fee.Scope{SchoolID: "s1", DocumentType: fee.DocumentTypeReceipt, Year: 2026}

	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"counter conflict by code", http.StatusConflict, dto.ErrCodeCounterConflict, shared.ErrCounterConflict},
		{"already exists shares 409", http.StatusConflict, dto.ErrCodeAlreadyExists, shared.ErrAlreadyExists},
		{"bare 409 is a counter conflict", http.StatusConflict, "", shared.ErrCounterConflict},
		{"validation rejected", http.StatusUnprocessableEntity, dto.ErrCodeValidationRejected, shared.ErrValidationRejected},
		{"bare 422 is a rejection", http.StatusUnprocessableEntity, "", shared.ErrValidationRejected},
		{"not found", http.StatusNotFound, dto.ErrCodeNotFound, shared.ErrNotFound},
		{"bad gateway is unreachable", http.StatusBadGateway, "", shared.ErrRemoteUnreachable},
		{"unavailable is unreachable", http.StatusServiceUnavailable, "", shared.ErrRemoteUnreachable},
		{"gateway timeout is unreachable", http.StatusGatewayTimeout, dto.ErrCodeInternal, shared.ErrRemoteUnreachable},
		{"coded 500 keeps its domain error", http.StatusInternalServerError, dto.ErrCodeValidationRejected, shared.ErrValidationRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestHTTPStore(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.code == "" {
					w.WriteHeader(tt.status)
					return
				}
				writeEnvelope(w, tt.status, dto.NewErrorResponse(tt.code, "refused"))
			})

			_, err := store.IncrementCounter(ctx, scope)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	for _, status := range []int{http.StatusInternalServerError, http.StatusNotImplemented} {
		t.Run(fmt.Sprintf("status %d is an authority failure, not an outage", status), func(t *testing.T) {
			store := newTestHTTPStore(t, func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, status, dto.NewErrorResponse(dto.ErrCodeInternal, "boom"))
			})

			_, err := store.IncrementCounter(ctx, scope)
			require.Error(t, err)
			assert.NotErrorIs(t, err, shared.ErrRemoteUnreachable)
			assert.Contains(t, err.Error(), "boom")
		})
	}

	t.Run("timeout is unreachable", func(t *testing.T) {
		release := make(chan struct{})
		store := newTestHTTPStore(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}, WithTimeout(30*time.Millisecond))
		defer close(release)

		_, err := store.GetCounter(ctx, scope)
		assert.ErrorIs(t, err, shared.ErrRemoteUnreachable)
	})

	t.Run("closed server is unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		store, err := NewHTTPStore(srv.URL)
		require.NoError(t, err)

		assert.ErrorIs(t, store.Ping(ctx), shared.ErrRemoteUnreachable)
	})
}
