package statement

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func upload(t *testing.T, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := chi.NewRouter()
	NewHandler(slog.Default(), NewNormalizer(Options{})).MountRoutes(r)
	req := httptest.NewRequest(http.MethodPost, "/statements/preview", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPreviewUpload(t *testing.T) {
	rec := upload(t, "enero.csv", sampleCSV)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Rows, 2)
	require.Len(t, res.Dropped, 4)

	rec = upload(t, "enero.pdf", sampleCSV)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
