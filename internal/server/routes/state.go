package routes

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/git-graph/graphstate/internal/cache"
	"github.com/git-graph/graphstate/internal/state"
)

// RegisterStateRoutes 暴露 /-/state 与 /-/avatars 诊断接口。
func RegisterStateRoutes(app *fiber.App, store *state.Store) {
	if app == nil || store == nil {
		return
	}

	app.Get("/-/state", func(c fiber.Ctx) error {
		payload, err := encodeState(store)
		if err != nil {
			return renderStateError(c, err)
		}
		return c.JSON(payload)
	})

	app.Get("/-/avatars", func(c fiber.Ctx) error {
		index, err := store.GetAvatarCache()
		if err != nil {
			return renderStateError(c, err)
		}
		stale, err := store.StaleAvatars()
		if err != nil {
			return renderStateError(c, err)
		}
		return c.JSON(avatarsPayload{
			Available: store.IsAvatarStorageAvailable(),
			Path:      store.AvatarStoragePath(),
			Avatars:   encodeAvatars(index),
			Stale:     stale,
		})
	})

	app.Get("/-/avatars/:email/image", func(c fiber.Ctx) error {
		email := strings.TrimSpace(c.Params("email"))
		result, err := store.AvatarImage(c.Context(), email)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "avatar_not_found"})
			}
			return renderStateError(c, err)
		}
		defer result.Reader.Close()

		c.Set(fiber.HeaderContentType, imageContentType(result.Entry.Name))
		c.Status(fiber.StatusOK)
		if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read avatar failed: %v", err))
		}
		return nil
	})

	app.Delete("/-/avatars", func(c fiber.Ctx) error {
		sweep, err := store.ClearAvatarCache()
		if err != nil {
			return renderStateError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"requested": sweep.Requested(),
		})
	})

	app.Delete("/-/avatars/:email", func(c fiber.Ctx) error {
		email := strings.TrimSpace(c.Params("email"))
		if email == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "email_required"})
		}
		if err := store.RemoveAvatarFromCache(email); err != nil {
			return renderStateError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

type statePayload struct {
	Repos            []repoPayload `json:"repos"`
	IgnoredRepos     []string      `json:"ignored_repos"`
	LastActiveRepo   string        `json:"last_active_repo,omitempty"`
	LastKnownGitPath string        `json:"last_known_git_path,omitempty"`
}

type repoPayload struct {
	Path string `json:"path"`
	state.RepoState
}

type avatarsPayload struct {
	Available bool            `json:"available"`
	Path      string          `json:"path"`
	Avatars   []avatarPayload `json:"avatars"`
	Stale     []string        `json:"stale"`
}

type avatarPayload struct {
	Email string `json:"email"`
	state.Avatar
}

func encodeState(store *state.Store) (statePayload, error) {
	repos, err := store.GetRepos()
	if err != nil {
		return statePayload{}, err
	}
	ignored, err := store.GetIgnoredRepos()
	if err != nil {
		return statePayload{}, err
	}
	lastActive, err := store.GetLastActiveRepo()
	if err != nil {
		return statePayload{}, err
	}
	gitPath, err := store.GetLastKnownGitPath()
	if err != nil {
		return statePayload{}, err
	}
	return statePayload{
		Repos:            encodeRepos(repos),
		IgnoredRepos:     ignored,
		LastActiveRepo:   lastActive,
		LastKnownGitPath: gitPath,
	}, nil
}

func encodeRepos(repos state.RepoSet) []repoPayload {
	result := make([]repoPayload, 0, len(repos))
	for path, repo := range repos {
		result = append(result, repoPayload{Path: path, RepoState: repo})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})
	return result
}

func encodeAvatars(index state.AvatarCache) []avatarPayload {
	result := make([]avatarPayload, 0, len(index))
	for email, avatar := range index {
		result = append(result, avatarPayload{Email: email, Avatar: avatar})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Email < result[j].Email
	})
	return result
}

func renderStateError(c fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   "state_unavailable",
		"message": err.Error(),
	})
}

func imageContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	default:
		return fiber.MIMEOctetStream
	}
}
