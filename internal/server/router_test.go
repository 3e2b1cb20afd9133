package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/git-graph/graphstate/internal/cache"
	"github.com/git-graph/graphstate/internal/kv"
	"github.com/git-graph/graphstate/internal/state"
)

func TestRouterServesStateSnapshot(t *testing.T) {
	app, store := newTestApp(t)

	if err := store.SaveRepos(state.RepoSet{"/src/app": state.DefaultRepoState()}); err != nil {
		t.Fatalf("save repos: %v", err)
	}
	if err := store.SetLastActiveRepo("/src/app"); err != nil {
		t.Fatalf("set last active: %v", err)
	}
	if err := store.SetLastKnownGitPath("/usr/bin/git"); err != nil {
		t.Fatalf("set git path: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/-/state", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	var payload struct {
		Repos []struct {
			Path               string `json:"path"`
			ShowRemoteBranches bool   `json:"showRemoteBranches"`
			CdvHeight          int    `json:"cdvHeight"`
		} `json:"repos"`
		IgnoredRepos     []string `json:"ignored_repos"`
		LastActiveRepo   string   `json:"last_active_repo"`
		LastKnownGitPath string   `json:"last_known_git_path"`
	}
	decodeBody(t, resp.Body, &payload)

	if len(payload.Repos) != 1 || payload.Repos[0].Path != "/src/app" {
		t.Fatalf("unexpected repos: %+v", payload.Repos)
	}
	if !payload.Repos[0].ShowRemoteBranches || payload.Repos[0].CdvHeight != 250 {
		t.Fatalf("repo should carry defaults, got %+v", payload.Repos[0])
	}
	if payload.IgnoredRepos == nil || len(payload.IgnoredRepos) != 0 {
		t.Fatalf("ignored repos should be an empty list, got %v", payload.IgnoredRepos)
	}
	if payload.LastActiveRepo != "/src/app" || payload.LastKnownGitPath != "/usr/bin/git" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRouterListsAvatars(t *testing.T) {
	app, store := newTestApp(t)
	if err := store.SaveAvatar("dev@example.com", state.Avatar{Image: "a.png", Timestamp: 1}); err != nil {
		t.Fatalf("save avatar: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/-/avatars", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}

	var payload struct {
		Available bool   `json:"available"`
		Path      string `json:"path"`
		Avatars   []struct {
			Email string `json:"email"`
			Image string `json:"image"`
		} `json:"avatars"`
		Stale []string `json:"stale"`
	}
	decodeBody(t, resp.Body, &payload)

	if !payload.Available {
		t.Fatalf("storage should be available after provisioning")
	}
	if payload.Path != store.AvatarStoragePath() {
		t.Fatalf("expected path %s, got %s", store.AvatarStoragePath(), payload.Path)
	}
	if len(payload.Avatars) != 1 || payload.Avatars[0].Email != "dev@example.com" || payload.Avatars[0].Image != "a.png" {
		t.Fatalf("unexpected avatars: %+v", payload.Avatars)
	}
	if len(payload.Stale) != 1 || payload.Stale[0] != "dev@example.com" {
		t.Fatalf("entry from 1970 should be stale, got %v", payload.Stale)
	}
}

func TestRouterServesAvatarImage(t *testing.T) {
	app, store := newTestApp(t)
	if _, err := store.CacheAvatar(context.Background(), "dev@example.com", "png", bytes.NewReader([]byte("png-bytes")), false); err != nil {
		t.Fatalf("cache avatar: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/-/avatars/dev@example.com/image", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "png-bytes" {
		t.Fatalf("unexpected body %q", string(body))
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/avatars/nobody@example.com/image", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown avatar, got %d", resp.StatusCode)
	}
}

func TestRouterClearsAvatarCache(t *testing.T) {
	app, store := newTestApp(t)
	for _, email := range []string{"a@example.com", "b@example.com"} {
		if _, err := store.CacheAvatar(context.Background(), email, "png", bytes.NewReader([]byte(email)), false); err != nil {
			t.Fatalf("cache avatar: %v", err)
		}
	}

	resp, err := app.Test(httptest.NewRequest("DELETE", "/-/avatars", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var payload struct {
		Requested int `json:"requested"`
	}
	decodeBody(t, resp.Body, &payload)
	if payload.Requested != 2 {
		t.Fatalf("expected 2 deletions requested, got %d", payload.Requested)
	}

	index, err := store.GetAvatarCache()
	if err != nil {
		t.Fatalf("get avatar cache: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("index should be empty after clear, got %v", index)
	}
}

func TestRouterRemovesSingleAvatar(t *testing.T) {
	app, store := newTestApp(t)
	if err := store.SaveAvatar("a@example.com", state.Avatar{Image: "a.png"}); err != nil {
		t.Fatalf("save avatar: %v", err)
	}
	if err := store.SaveAvatar("b@example.com", state.Avatar{Image: "b.png"}); err != nil {
		t.Fatalf("save avatar: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("DELETE", "/-/avatars/a@example.com", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	index, err := store.GetAvatarCache()
	if err != nil {
		t.Fatalf("get avatar cache: %v", err)
	}
	if _, ok := index["a@example.com"]; ok {
		t.Fatalf("a@example.com should be removed")
	}
	if _, ok := index["b@example.com"]; !ok {
		t.Fatalf("b@example.com should remain")
	}
}

func TestRouterReturns404ForUnknownPath(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/v2/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"not_found"`)) {
		t.Fatalf("expected not_found error, got %s", string(body))
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New()}); err == nil {
		t.Fatalf("expected error without state store")
	}
}

func newTestApp(t *testing.T) (*fiber.App, *state.Store) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := state.New(state.Options{
		Workspace: kv.NewMemoryStore(),
		Global:    kv.NewMemoryStore(),
		Avatars:   cache.NewBlobStore(memfs.New(), "/global", cache.Options{Logger: logger}),
		Freshness: cache.NewFreshnessPolicy(cache.DefaultAvatarTTL, cache.DefaultIdenticonTTL),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to create state store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if !store.WaitAvatarStorage(context.Background()) {
		t.Fatalf("avatar storage should provision on memfs")
	}

	app, err := NewApp(AppOptions{Logger: logger, State: store})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, store
}

func decodeBody(t *testing.T, body io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}
