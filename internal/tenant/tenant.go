package tenant

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iurnickita/bonusledger/internal/model"
	"github.com/iurnickita/bonusledger/internal/store"
)

// Registry - реестр проектов (тенантов), только чтение.
// Проект возвращается и для неактивного тенанта: вызывающий
// различает "неизвестный секрет" (401) и "проект отключен" (403)
type Registry interface {
	Resolve(ctx context.Context, credential string) (model.Project, error)
	Middleware(h http.Handler) http.Handler
}

var ErrUnknownCredential = errors.New("unknown credential")

type contextKey int

const projectContextKey contextKey = 0

type registry struct {
	store store.Store
}

func NewRegistry(store store.Store) Registry {
	return &registry{store: store}
}

func (r *registry) Resolve(ctx context.Context, credential string) (model.Project, error) {
	if credential == "" {
		return model.Project{}, ErrUnknownCredential
	}
	project, err := r.store.ProjectGetByCredential(ctx, credential)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Project{}, ErrUnknownCredential
		}
		return model.Project{}, err
	}
	return project, nil
}

// Middleware аутентифицирует вебхук по секрету из пути.
// Тела 401/403 без подробностей
func (reg *registry) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := chi.URLParam(r, "credential")

		project, err := reg.Resolve(r.Context(), credential)
		if err != nil {
			if errors.Is(err, ErrUnknownCredential) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !project.Active {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// Передаем проект дальше по цепочке
		ctx := context.WithValue(r.Context(), projectContextKey, project)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ProjectFromContext(ctx context.Context) (model.Project, bool) {
	project, ok := ctx.Value(projectContextKey).(model.Project)
	return project, ok
}
