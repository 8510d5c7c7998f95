package api

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadre-dev/cadre/internal/config"
	"github.com/cadre-dev/cadre/internal/metrics"
	"github.com/cadre-dev/cadre/internal/orchestrator"
	"github.com/cadre-dev/cadre/pkg/board"
)

func setupServer(t *testing.T) (*httptest.Server, *board.Client, *orchestrator.Engine) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := board.NewClient(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	usage := metrics.NewUsage()
	client.SetStatsHooks(usage.EventAppended, usage.SubscriberDropped)
	engine := orchestrator.NewEngine(client, cfg, usage, "test-engine")
	srv := httptest.NewServer(NewServer(client, engine, cfg, usage).Router())
	t.Cleanup(srv.Close)

	return srv, client, engine
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

// submitJob creates a job over HTTP and returns its id.
func submitJob(t *testing.T, srv *httptest.Server, projectID string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", CreateJobRequest{
		ProjectID:    projectID,
		Requirements: "build a url shortener",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["job_id"].(string)
}

// finishPRD acts as the prd worker and drives the job to the approval gate.
func finishPRD(t *testing.T, client *board.Client, engine *orchestrator.Engine, content string) {
	t.Helper()
	ctx := context.Background()

	task, err := client.ClaimTask(ctx, "prd", "test-worker", time.Minute)
	require.NoError(t, err)
	require.NoError(t, client.StartTask(ctx, task.ID, "test-worker"))

	artifact := board.NewArtifact(task.JobID, task.ID, board.ArtifactTypePRD, content)
	hash, err := client.PutArtifact(ctx, artifact)
	require.NoError(t, err)

	output, _ := json.Marshal(map[string]string{"artifact_hash": hash, "artifact_type": "prd"})
	require.NoError(t, client.CompleteTask(ctx, task.ID, "test-worker", string(output)))
	require.NoError(t, engine.HandleEvent(ctx, &board.Event{
		Kind: board.EventTaskSucceeded, JobID: task.JobID, TaskID: task.ID,
	}))
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := setupServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestCreateJobEndpoint(t *testing.T) {
	srv, client, _ := setupServer(t)

	t.Run("creates a job", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", CreateJobRequest{
			ProjectID:    "proj-a",
			Requirements: "build a url shortener",
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotEmpty(t, body["job_id"])
		assert.Equal(t, "in_progress", body["status"])

		job, err := client.GetJob(context.Background(), body["job_id"].(string))
		require.NoError(t, err)
		assert.Equal(t, "proj-a", job.ProjectID)
	})

	t.Run("duplicate project conflicts", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", CreateJobRequest{
			ProjectID:    "proj-a",
			Requirements: "another",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs", CreateJobRequest{ProjectID: "proj-b"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", strings.NewReader("{nope"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetAndListJobs(t *testing.T) {
	srv, _, _ := setupServer(t)
	jobID := submitJob(t, srv, "proj-a")

	t.Run("get returns job, tasks and truth", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		job := body["job"].(map[string]interface{})
		assert.Equal(t, jobID, job["id"])
		assert.Len(t, body["tasks"].([]interface{}), 1)
	})

	t.Run("unknown job is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/00000000-0000-0000-0000-000000000000", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("list with status filter", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs?status=in_progress", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["total"])

		resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs?status=completed", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(0), body["total"])
	})

	t.Run("invalid status is 400", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs?status=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestApprovalEndpoints(t *testing.T) {
	srv, client, engine := setupServer(t)
	jobID := submitJob(t, srv, "proj-a")
	finishPRD(t, client, engine, "the prd v1")

	t.Run("stale hash is 409", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/"+jobID+"/approve", ApproveRequest{
			PRDHash: board.ContentHash("something else"),
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("request changes requires feedback", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/"+jobID+"/request-changes", RequestChangesRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("approve advances the job", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/"+jobID+"/approve", ApproveRequest{Notes: "ship it"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "running", body["status"])

		job, err := client.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		assert.Equal(t, board.JobStatusRunning, job.Status)
	})

	t.Run("second approve is 409", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/"+jobID+"/approve", ApproveRequest{})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("restart of a running job is 409", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/"+jobID+"/restart", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestArtifactEndpoints(t *testing.T) {
	srv, client, engine := setupServer(t)
	jobID := submitJob(t, srv, "proj-a")
	finishPRD(t, client, engine, "the prd v1")
	prdHash := board.ContentHash("the prd v1")

	t.Run("by type", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID+"/artifacts/prd", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, prdHash, body["hash"])
		assert.Equal(t, "the prd v1", body["content"])
	})

	t.Run("missing type is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID+"/artifacts/plan", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown type is 400", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID+"/artifacts/bogus", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("by hash", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/artifacts/"+prdHash, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "the prd v1", body["content"])
	})

	t.Run("list with type filter", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID+"/artifacts?type=prd", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["total"])

		resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID+"/artifacts?type=plan", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(0), body["total"])
	})
}

func TestExportEndpoint(t *testing.T) {
	srv, client, engine := setupServer(t)
	jobID := submitJob(t, srv, "proj-a")
	finishPRD(t, client, engine, "the prd v1")

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID + "/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, archive.File, 1)
	assert.Contains(t, archive.File[0].Name, "prd")

	entry, err := archive.File[0].Open()
	require.NoError(t, err)
	defer entry.Close()
	content, err := io.ReadAll(entry)
	require.NoError(t, err)
	assert.Equal(t, "the prd v1", string(content))
}

func TestEventHistoryEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)
	jobID := submitJob(t, srv, "proj-a")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+jobID+"/events", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	total := int(body["total"].(float64))
	require.GreaterOrEqual(t, total, 2) // job_created, stage_entered, task_queued

	// from_seq pages past the first events.
	resp, body = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/jobs/%s/events?from_seq=%d", srv.URL, jobID, total), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
}

func TestStreamEndpointReplays(t *testing.T) {
	srv, _, _ := setupServer(t)
	jobID := submitJob(t, srv, "proj-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v1/events/stream?job_id="+jobID+"&from_seq=1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// The job's existing events are replayed immediately.
	scanner := bufio.NewScanner(resp.Body)
	var id, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			id = strings.TrimPrefix(line, "id: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, "1", id)

	var ev board.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, jobID, ev.JobID)
	assert.Equal(t, board.EventJobCreated, ev.Kind)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)
	submitJob(t, srv, "proj-a")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["jobs_created"])
	assert.Contains(t, body, "queue_depths")
	assert.Contains(t, body, "active_workers")

	// Intake appended job_created, stage_entered and task_queued events.
	assert.Greater(t, body["events_appended"], float64(0))

	// Prometheus exposition lives at the root.
	promResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer promResp.Body.Close()
	assert.Equal(t, http.StatusOK, promResp.StatusCode)
}

func TestCatalogEndpoints(t *testing.T) {
	srv, _, _ := setupServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/v1/catalog/mod-auth", map[string]interface{}{
		"name":         "auth-service",
		"version":      "2.1.0",
		"capabilities": []string{"authentication"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mod-auth", body["id"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/catalog/mod-auth", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "auth-service", body["name"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/catalog", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/catalog/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSkillsEndpoints(t *testing.T) {
	srv, _, _ := setupServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/v1/skills/development", map[string]interface{}{
		"skills": []string{"codegen", "api-design"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "development", body["role"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/skills/development", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []interface{}{"codegen", "api-design"}, body["skills"])

	// Unrestricted roles read back as null.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/skills/qa", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["skills"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/skills", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	// An empty list clears the restriction.
	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/v1/skills/development", map[string]interface{}{
		"skills": []string{},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/skills", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["total"])
}

func TestDeleteJobEndpoint(t *testing.T) {
	srv, client, _ := setupServer(t)
	jobID := submitJob(t, srv, "proj-a")

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := client.GetJob(context.Background(), jobID)
	assert.ErrorIs(t, err, board.ErrNotFound)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
