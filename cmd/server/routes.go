package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/lmlabs-api/internal/api"
	"github.com/keithlinneman/lmlabs-api/internal/apierr"
	"github.com/keithlinneman/lmlabs-api/internal/router"
)

const maxItemName = 256

type item struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// itemStore is an in-memory, per-owner item collection.
type itemStore struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time
}

func newItemStore() *itemStore {
	return &itemStore{items: make(map[string]item), now: time.Now}
}

func registerRoutes(a *api.API, items *itemStore) {
	a.Route("/v1", func(e *router.Engine) {
		e.Get("/whoami", whoami)
		e.Post("/items", items.create)
		e.Get("/items/{id}", items.get)
		e.Delete("/items/{id}", items.delete)
	})
}

func requireCaller(req *router.Request) (string, error) {
	if req.Auth.Anonymous() {
		return "", apierr.Unauthorized("Authentication required", nil)
	}
	if req.Auth.CanonicalID != "" {
		return req.Auth.CanonicalID, nil
	}
	return req.Auth.PrincipalID, nil
}

func whoami(_ context.Context, req *router.Request) (*router.Response, error) {
	if _, err := requireCaller(req); err != nil {
		return nil, err
	}
	return &router.Response{
		StatusCode: http.StatusOK,
		Body: map[string]string{
			"principal_id": req.Auth.PrincipalID,
			"canonical_id": req.Auth.CanonicalID,
			"request_id":   req.RequestID,
		},
	}, nil
}

func (s *itemStore) create(_ context.Context, req *router.Request) (*router.Response, error) {
	owner, err := requireCaller(req)
	if err != nil {
		return nil, err
	}

	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return nil, apierr.Wrap(apierr.KindBadRequest, err, "Invalid JSON body", nil)
	}
	in.Name = strings.TrimSpace(in.Name)
	switch {
	case in.Name == "":
		return nil, apierr.Unprocessable("Invalid item", map[string]string{"name": "required"})
	case len(in.Name) > maxItemName:
		return nil, apierr.Unprocessable("Invalid item", map[string]string{"name": "too long"})
	}

	it := item{ID: uuid.NewString(), Name: in.Name, Owner: owner, CreatedAt: s.now().UTC()}

	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()

	return &router.Response{
		StatusCode: http.StatusCreated,
		Body:       it,
		Headers:    map[string]string{"Location": "/v1/items/" + it.ID},
	}, nil
}

// lookup returns the item when it exists and belongs to the caller.
func (s *itemStore) lookup(req *router.Request) (item, error) {
	owner, err := requireCaller(req)
	if err != nil {
		return item{}, err
	}

	id := req.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return item{}, apierr.BadRequest("Invalid item id", map[string]string{"id": id})
	}

	s.mu.RLock()
	it, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		return item{}, apierr.NotFound("Item not found", map[string]string{"id": id})
	}
	if it.Owner != owner {
		return item{}, apierr.Forbidden("Item belongs to another caller", map[string]string{"id": id})
	}
	return it, nil
}

func (s *itemStore) get(_ context.Context, req *router.Request) (*router.Response, error) {
	it, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	return &router.Response{StatusCode: http.StatusOK, Body: it}, nil
}

func (s *itemStore) delete(_ context.Context, req *router.Request) (*router.Response, error) {
	it, err := s.lookup(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; !ok {
		return nil, apierr.NotFound("Item not found", map[string]string{"id": it.ID})
	}
	delete(s.items, it.ID)
	return nil, nil
}
