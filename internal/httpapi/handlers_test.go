package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bulkjobs/internal/httpapi"
	"github.com/jonesrussell/bulkjobs/internal/jobs"
	"github.com/jonesrussell/bulkjobs/internal/objectstorage"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
	"github.com/jonesrussell/bulkjobs/internal/queue"
)

type fakeStorage struct{}

func (fakeStorage) PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (objectstorage.PutResult, error) {
	n, _ := io.Copy(io.Discard, r)
	return objectstorage.PutResult{Key: key, Size: n}, nil
}

func (fakeStorage) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewBufferString("{}")), nil
}

func (fakeStorage) PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	return "https://example.com/" + key, nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.New(context.Background(), client, "test-consumer", logger.NewNop())
	require.NoError(t, err)
	return q
}

func importColumns() []string {
	return []string{
		"id", "idempotency_key", "resource_type", "status", "version",
		"locked_by", "locked_at", "started_at", "completed_at",
		"file_url", "storage_key", "file_name", "file_size", "file_format",
		"total_rows", "processed_rows", "successful_rows", "failed_rows", "skipped_rows",
		"errors", "metrics", "error_message", "created_at", "updated_at",
	}
}

func TestCreateImportEnqueuesAndReturnsJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO import_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))

	store := jobs.NewStore(db, logger.NewNop())
	q := newTestQueue(t)
	handler := httpapi.NewHandler(store, q, fakeStorage{}, logger.NewNop())
	router := httpapi.NewRouter(handler, nil, logger.NewNop())

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("resource_type", "users"))
	part, err := w.CreateFormFile("file", "users.ndjson")
	require.NoError(t, err)
	_, _ = part.Write([]byte(`{"email":"a@example.com"}` + "\n"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp httpapi.ImportJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, jobs.ResourceUsers, resp.ResourceType)
	require.Equal(t, jobs.StatusPending, resp.Status)
}

func TestCreateImportRejectsUnknownResourceType(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := jobs.NewStore(db, logger.NewNop())
	q := newTestQueue(t)
	handler := httpapi.NewHandler(store, q, fakeStorage{}, logger.NewNop())
	router := httpapi.NewRouter(handler, nil, logger.NewNop())

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("resource_type", "widgets"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateImportReturnsExistingJobForKnownIdempotencyKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`FROM import_jobs WHERE idempotency_key = \$1`).
		WithArgs("key-123").
		WillReturnRows(sqlmock.NewRows(importColumns()).AddRow(
			id, "key-123", string(jobs.ResourceUsers), string(jobs.StatusCompleted), int64(3),
			nil, nil, nil, nil,
			"", "imports/x", "f.ndjson", int64(5), "ndjson",
			1, 1, 1, 0, 0,
			[]byte("[]"), []byte("{}"), nil, time.Now().UTC(), time.Now().UTC(),
		))

	store := jobs.NewStore(db, logger.NewNop())
	q := newTestQueue(t)
	handler := httpapi.NewHandler(store, q, fakeStorage{}, logger.NewNop())
	router := httpapi.NewRouter(handler, nil, logger.NewNop())

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("resource_type", "users"))
	require.NoError(t, w.WriteField("idempotency_key", "key-123"))
	part, err := w.CreateFormFile("file", "users.ndjson")
	require.NoError(t, err)
	_, _ = part.Write([]byte("{}\n"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp httpapi.ImportJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, jobs.StatusCompleted, resp.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetImportReturnsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`FROM import_jobs WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(importColumns()))

	store := jobs.NewStore(db, logger.NewNop())
	q := newTestQueue(t)
	handler := httpapi.NewHandler(store, q, fakeStorage{}, logger.NewNop())
	router := httpapi.NewRouter(handler, nil, logger.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/imports/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateExportRejectsFilterNotApplicableToResource(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := jobs.NewStore(db, logger.NewNop())
	q := newTestQueue(t)
	handler := httpapi.NewHandler(store, q, fakeStorage{}, logger.NewNop())
	router := httpapi.NewRouter(handler, nil, logger.NewNop())

	reqBody := `{"resource_type":"users","format":"ndjson","filters":{"article_id":"` + uuid.New().String() + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", bytes.NewBufferString(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateExportHappyPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO export_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))

	store := jobs.NewStore(db, logger.NewNop())
	q := newTestQueue(t)
	handler := httpapi.NewHandler(store, q, fakeStorage{}, logger.NewNop())
	router := httpapi.NewRouter(handler, nil, logger.NewNop())

	reqBody := `{"resource_type":"users","format":"ndjson","filters":{"active":true}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", bytes.NewBufferString(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp httpapi.ExportJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, jobs.StatusPending, resp.Status)
}
