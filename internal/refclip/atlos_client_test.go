package refclip

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAtlosClient(baseURL string) *AtlosClient {
	return NewAtlosClient(AtlosClientOptions{
		BaseURL:       baseURL,
		TokenProvider: StaticToken("atlos-token"),
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
}

func TestAtlosCreateItemRequiresIncident(t *testing.T) {
	client := newTestAtlosClient("http://unused.invalid")
	if _, err := client.CreateItem(context.Background(), "https://example.com/a", "A", nil); !errors.Is(err, ErrRemoteCreateFailed) {
		t.Fatalf("error = %v, want ErrRemoteCreateFailed without incidents", err)
	}
}

func TestAtlosCreateItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/source_material/new" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["source_url"] != "https://example.com/a" {
			t.Errorf("source_url = %v", payload["source_url"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"id":         "SM-1",
				"source_url": "https://example.com/a",
				"incidents":  []string{"incident-1"},
			},
		})
	}))
	defer server.Close()

	client := newTestAtlosClient(server.URL)
	item, err := client.CreateItem(context.Background(), "https://example.com/a", "A", []string{"incident-1"})
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	if item.Key != "SM-1" || len(item.ConfirmedProjects) != 1 {
		t.Fatalf("item = %+v", item)
	}
}

func TestAtlosUploadBinaryTreatsConflictAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client := newTestAtlosClient(server.URL)
	if err := client.UploadBinary(context.Background(), "ATT", []byte("data"), "snapshot.html", "hash"); err != nil {
		t.Fatalf("UploadBinary on 409 = %v, want success", err)
	}
}

func TestAtlosUploadBinaryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"payload too large"}`, http.StatusRequestEntityTooLarge)
	}))
	defer server.Close()

	client := newTestAtlosClient(server.URL)
	err := client.UploadBinary(context.Background(), "ATT", []byte("data"), "snapshot.html", "hash")
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("error = %v, want ErrUploadFailed", err)
	}
}

func TestAtlosDoesNotHoldAnnotations(t *testing.T) {
	client := newTestAtlosClient("http://unused.invalid")
	if client.SupportsAnnotations() {
		t.Fatal("atlos should not report annotation support")
	}
	if _, err := client.CreateAnnotationComment(context.Background(), "SM-1", "t", "c", ColorYellow, Position{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("error = %v, want ErrNotImplemented", err)
	}
}

func TestAtlosListCollectionsMapsIncidents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/incidents" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"slug": "incident-1", "description": "Bridge collapse", "source_material_count": 4},
			},
		})
	}))
	defer server.Close()

	client := newTestAtlosClient(server.URL)
	collections, err := client.ListCollections(context.Background())
	if err != nil {
		t.Fatalf("ListCollections failed: %v", err)
	}
	if len(collections) != 1 || collections[0].ID != "incident-1" || collections[0].ItemCount != 4 {
		t.Fatalf("collections = %+v", collections)
	}
}
