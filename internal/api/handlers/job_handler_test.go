package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/service"
	"github.com/jar-obfuscator/jobf-go/internal/storage"
)

// MockJobService Mock Service
type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) CreateJob(ctx context.Context, inputName string, content []byte) (*domain.Job, error) {
	args := m.Called(inputName, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Job), args.Error(1)
}

func (m *MockJobService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Job), args.Error(1)
}

func (m *MockJobService) ListJobs(ctx context.Context, page int, pageSize int, status string) ([]*domain.Job, int64, error) {
	args := m.Called(page, pageSize, status)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Job), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) CancelJob(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *MockJobService) RetryJob(ctx context.Context, id string) (*domain.Job, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Job), args.Error(1)
}

func (m *MockJobService) DeleteJob(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *MockJobService) GetArtifact(ctx context.Context, id string, name string) ([]byte, error) {
	args := m.Called(id, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockJobService) ListMappings(ctx context.Context, id string, kind domain.MappingKind, page int, pageSize int) ([]*domain.MappingEntry, int64, error) {
	args := m.Called(id, kind, page, pageSize)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.MappingEntry), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) RequeuePending(ctx context.Context) (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

// setupTestRouter 设置测试路由
func setupTestRouter(svc service.JobService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := NewJobHandler(svc, 1, logger)
	r := gin.New()
	r.POST("/api/jobs", h.UploadJar)
	r.GET("/api/jobs", h.ListJobs)
	r.GET("/api/jobs/:id", h.GetJob)
	r.DELETE("/api/jobs/:id", h.DeleteJob)
	r.POST("/api/jobs/:id/cancel", h.CancelJob)
	r.POST("/api/jobs/:id/retry", h.RetryJob)
	r.GET("/api/jobs/:id/output", h.DownloadOutput)
	r.GET("/api/jobs/:id/mapping.txt", h.DownloadMapping)
	r.GET("/api/jobs/:id/mappings", h.ListMappings)
	r.GET("/api/stats", h.GetSystemStats)
	return r
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestJobHandler_UploadJar(t *testing.T) {
	svc := new(MockJobService)
	router := setupTestRouter(svc)

	content := []byte("PK\x03\x04fake")
	svc.On("CreateJob", "app.jar", content).Return(&domain.Job{ID: "job-1", InputName: "app.jar", Status: domain.JobStatusQueued}, nil)

	body, contentType := multipartBody(t, "file", "app.jar", content)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	job := decode(t, w)["job"].(map[string]interface{})
	assert.Equal(t, "job-1", job["id"])
	assert.Equal(t, "queued", job["status"])
	svc.AssertExpectations(t)
}

func TestJobHandler_UploadJar_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		svc := new(MockJobService)
		router := setupTestRouter(svc)

		body, contentType := multipartBody(t, "other", "app.jar", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "CreateJob", mock.Anything, mock.Anything)
	})

	t.Run("invalid archive", func(t *testing.T) {
		svc := new(MockJobService)
		router := setupTestRouter(svc)
		svc.On("CreateJob", "bad.jar", mock.Anything).Return(nil, service.ErrInvalidInput)

		body, contentType := multipartBody(t, "file", "bad.jar", []byte("nope"))
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("dispatch failure keeps job", func(t *testing.T) {
		svc := new(MockJobService)
		router := setupTestRouter(svc)
		svc.On("CreateJob", "app.jar", mock.Anything).Return(&domain.Job{ID: "job-2"}, errors.New("broker down"))

		body, contentType := multipartBody(t, "file", "app.jar", []byte("PK"))
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "broker down", decode(t, w)["warning"])
	})

	t.Run("too large", func(t *testing.T) {
		svc := new(MockJobService)
		router := setupTestRouter(svc)

		body, contentType := multipartBody(t, "file", "big.jar", bytes.Repeat([]byte("a"), 2<<20))
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "CreateJob", mock.Anything, mock.Anything)
	})
}

func TestJobHandler_ListJobs(t *testing.T) {
	svc := new(MockJobService)
	router := setupTestRouter(svc)

	jobs := []*domain.Job{{ID: "a"}, {ID: "b"}}
	// page_size 超过上限时截断为 100
	svc.On("ListJobs", 2, 100, "completed").Return(jobs, int64(42), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?page=2&page_size=500&status=completed", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(42), resp["total"])
	assert.Equal(t, float64(2), resp["page"])
	assert.Equal(t, float64(100), resp["page_size"])
	assert.Len(t, resp["jobs"], 2)
	svc.AssertExpectations(t)
}

func TestJobHandler_GetJob(t *testing.T) {
	svc := new(MockJobService)
	router := setupTestRouter(svc)

	svc.On("GetJob", "job-1").Return(&domain.Job{ID: "job-1", Status: domain.JobStatusFailed, FailureType: domain.FailureTypeMissingClass}, nil)
	svc.On("GetJob", "missing").Return(nil, service.ErrJobNotFound)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.NotEmpty(t, resp["failure_name"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandler_StateTransitions(t *testing.T) {
	svc := new(MockJobService)
	router := setupTestRouter(svc)

	svc.On("CancelJob", "job-1").Return(nil)
	svc.On("CancelJob", "job-2").Return(service.ErrInvalidState)
	svc.On("RetryJob", "job-3").Return(&domain.Job{ID: "job-3", Status: domain.JobStatusQueued}, nil)
	svc.On("DeleteJob", "job-4").Return(service.ErrInvalidState)
	svc.On("DeleteJob", "job-5").Return(nil)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodPost, "/api/jobs/job-1/cancel", http.StatusOK},
		{http.MethodPost, "/api/jobs/job-2/cancel", http.StatusConflict},
		{http.MethodPost, "/api/jobs/job-3/retry", http.StatusOK},
		{http.MethodDelete, "/api/jobs/job-4", http.StatusConflict},
		{http.MethodDelete, "/api/jobs/job-5", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}
	svc.AssertExpectations(t)
}

func TestJobHandler_Artifacts(t *testing.T) {
	svc := new(MockJobService)
	router := setupTestRouter(svc)

	svc.On("GetArtifact", "job-1", storage.OutputObject).Return([]byte("PK-jar"), nil)
	svc.On("GetArtifact", "job-1", storage.MappingObject).Return([]byte("a -> b\n"), nil)
	svc.On("GetArtifact", "job-2", storage.OutputObject).Return(nil, service.ErrInvalidState)
	svc.On("GetArtifact", "job-3", storage.OutputObject).Return(nil, storage.ErrNotFound)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/output", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PK-jar", w.Body.String())
	assert.Equal(t, "application/java-archive", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "job-1-obfuscated.jar")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/mapping.txt", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a -> b\n", w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/job-2/output", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/job-3/output", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandler_ListMappings(t *testing.T) {
	svc := new(MockJobService)
	router := setupTestRouter(svc)

	entries := []*domain.MappingEntry{{JobID: "job-1", Kind: domain.MappingKindMethod, Owner: "a/B", OldName: "run", NewName: "_"}}
	svc.On("ListMappings", "job-1", domain.MappingKindMethod, 1, 20).Return(entries, int64(1), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/mappings?kind=method", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(1), resp["total"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/mappings?kind=package", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertExpectations(t)
}

func TestJobHandler_GetSystemStats(t *testing.T) {
	svc := new(MockJobService)
	router := setupTestRouter(svc)

	svc.On("GetStatusCounts").Return(map[string]int64{"completed": 3, "failed": 1}, int64(4), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(4), resp["total"])
	assert.Equal(t, float64(3), resp["status"].(map[string]interface{})["completed"])

	svc2 := new(MockJobService)
	router = setupTestRouter(svc2)
	svc2.On("GetStatusCounts").Return(nil, int64(0), errors.New("db down"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
