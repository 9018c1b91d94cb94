package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelforge/forge3d/internal/config"
)

func newTestClient(baseURL string) *Client {
	return New(config.Config{
		ProviderBaseURL: baseURL,
		ProviderAPIKey:  "test-key",
	})
}

func TestCreatePreview(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"result":"task-123"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	taskID, err := c.CreatePreview(context.Background(), GenerationSpec{
		Prompt:          "a small ceramic teapot",
		TargetPolycount: 15000,
	})
	if err != nil {
		t.Fatalf("create preview: %v", err)
	}
	if taskID != "task-123" {
		t.Fatalf("expected task-123, got %q", taskID)
	}
	if gotPath != "/v2/text-to-3d" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["mode"] != "preview" {
		t.Fatalf("expected preview mode, got %v", gotBody["mode"])
	}
	if gotBody["art_style"] != "realistic" {
		t.Fatalf("expected default art style, got %v", gotBody["art_style"])
	}
	if gotBody["enable_pbr"] != true {
		t.Fatalf("expected enable_pbr, got %v", gotBody["enable_pbr"])
	}
}

func TestCreateRefinePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"result":"task-refine"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	taskID, err := c.CreateRefine(context.Background(), "task-123")
	if err != nil {
		t.Fatalf("create refine: %v", err)
	}
	if taskID != "task-refine" {
		t.Fatalf("expected task-refine, got %q", taskID)
	}
	if gotPath != "/v2/text-to-3d/task-123/refine" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestCreateRejectedAndUnavailable(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer rejecting.Close()

	c := newTestClient(rejecting.URL)
	_, err := c.CreatePreview(context.Background(), GenerationSpec{Prompt: "x"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if IsTransient(err) {
		t.Fatal("rejection must not be transient")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	c2 := newTestClient(down.URL)
	_, err = c2.CreatePreview(context.Background(), GenerationSpec{Prompt: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("unavailability must be transient")
	}
}

func TestGetStatusParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/text-to-3d/task-123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "task-123",
			"status": "SUCCEEDED",
			"progress": 100,
			"model_urls": {"glb": "https://cdn/asset.glb", "obj": "https://cdn/asset.obj"},
			"thumbnail_url": "https://cdn/thumb.png",
			"task_error": {"message": ""}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	st, err := c.GetStatus(context.Background(), "task-123")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st.Status != StatusSucceeded || st.Progress != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.ResultURL() != "https://cdn/asset.glb" {
		t.Fatalf("expected glb preferred, got %q", st.ResultURL())
	}
	if st.ThumbnailURL != "https://cdn/thumb.png" {
		t.Fatalf("unexpected thumbnail %q", st.ThumbnailURL)
	}
}

func TestGetStatusFailureMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"FAILED","task_error":{"message":"invalid specification"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	st, err := c.GetStatus(context.Background(), "task-123")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st.Status != StatusFailed || st.TaskError != "invalid specification" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestUnreachableProviderIsTransient(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	_, err := c.GetStatus(context.Background(), "task-123")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("connection failure must be transient, got %v", err)
	}
}
