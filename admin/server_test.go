package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillhq/quill/db"
	"github.com/quillhq/quill/docs"
	"github.com/quillhq/quill/queue"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *docs.Service, *queue.Channel) {
	t.Helper()
	channel, err := queue.Open(filepath.Join(t.TempDir(), "events"), queue.Options{
		FlushInterval: time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		MaxAttempts:   1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { channel.Close() })

	service, err := docs.NewService(db.NewMemoryStore(), channel, 16)
	require.NoError(t, err)

	return NewServer(service, channel, 42, false), service, channel
}

func doRequest(t *testing.T, handler http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func drainOne(t *testing.T, channel *queue.Channel, fail bool) {
	t.Helper()
	select {
	case d := <-channel.Deliveries():
		if fail {
			d.Fail(fmt.Errorf("induced failure"))
		} else {
			d.Complete()
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec, body := doRequest(t, server.Router(), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]interface{})
	require.Equal(t, float64(42), data["node_id"])
	require.Contains(t, data, "queue")
}

func TestDocumentEndpoints(t *testing.T) {
	server, service, channel := newTestServer(t)
	ctx := context.Background()

	doc, err := service.Create(ctx, docs.CreateRequest{
		OwnerScope: "org-1", BusinessID: "notes/a", Kind: db.KindDocument, Title: "Quarterly Plan", Content: "q1",
	})
	require.NoError(t, err)
	drainOne(t, channel, false)

	router := server.Router()

	rec, body := doRequest(t, router, http.MethodGet, "/scopes/org-1/documents")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["total"])

	rec, _ = doRequest(t, router, http.MethodGet, "/scopes/org-1/documents/"+doc.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doRequest(t, router, http.MethodGet, "/scopes/org-2/documents/"+doc.ID)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = doRequest(t, router, http.MethodGet, "/scopes/org-1/search?q=quarterly")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["total"])

	rec, _ = doRequest(t, router, http.MethodGet, "/scopes/org-1/search")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doRequest(t, router, http.MethodGet, "/scopes/org-1/documents?limit=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	server, service, channel := newTestServer(t)
	ctx := context.Background()

	_, err := service.Create(ctx, docs.CreateRequest{
		OwnerScope: "org-1", BusinessID: "doomed", Kind: db.KindDocument, Title: "t", Content: "x",
	})
	require.NoError(t, err)

	// MaxAttempts is 1, so a single failure dead-letters the event.
	drainOne(t, channel, true)
	require.Eventually(t, func() bool {
		dead, err := channel.DeadLetters(0)
		return err == nil && len(dead) == 1
	}, time.Second, 5*time.Millisecond)

	router := server.Router()

	rec, body := doRequest(t, router, http.MethodGet, "/deadletters/")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["data"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	seq := uint64(entry["event"].(map[string]interface{})["seq"].(float64))

	rec, _ = doRequest(t, router, http.MethodPost, fmt.Sprintf("/deadletters/%d/requeue", seq))
	require.Equal(t, http.StatusOK, rec.Code)

	dead, err := channel.DeadLetters(0)
	require.NoError(t, err)
	require.Empty(t, dead)

	// The requeued event flows again.
	drainOne(t, channel, false)

	rec, _ = doRequest(t, router, http.MethodPost, "/deadletters/999/requeue")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
