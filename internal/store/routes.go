// ABOUTME: Typed route access over the generic collection store
// ABOUTME: Routes are per-day GPS tracks drawn on the itinerary map

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Route is a named GPS track belonging to an itinerary day.
type Route struct {
	ID     string `json:"id"`
	DayID  string `json:"dayId"`
	Name   string `json:"name,omitempty"`
	Points []GPS  `json:"points"`
}

// RouteStore provides typed operations on the routes collection.
type RouteStore struct {
	store Store
}

// NewRouteStore creates a route store backed by the given store.
func NewRouteStore(s Store) *RouteStore {
	return &RouteStore{store: s}
}

// Put saves a route, assigning an ID when missing.
func (r *RouteStore) Put(ctx context.Context, route *Route) error {
	if route.ID == "" {
		route.ID = uuid.New().String()
	}

	record, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encoding route %s: %w", route.ID, err)
	}
	_, err = r.store.Put(ctx, CollectionRoutes, record)
	return err
}

// Get retrieves a route by ID. Returns (nil, nil) when it does not exist.
func (r *RouteStore) Get(ctx context.Context, id string) (*Route, error) {
	record, err := r.store.Get(ctx, CollectionRoutes, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	var route Route
	if err := json.Unmarshal(record, &route); err != nil {
		return nil, fmt.Errorf("decoding route %s: %w", id, err)
	}
	return &route, nil
}

// GetByDay returns all routes for the given itinerary day.
func (r *RouteStore) GetByDay(ctx context.Context, dayID string) ([]*Route, error) {
	records, err := r.store.GetByIndex(ctx, CollectionRoutes, "dayId", dayID)
	if err != nil {
		return nil, err
	}

	routes := make([]*Route, 0, len(records))
	for _, record := range records {
		var route Route
		if err := json.Unmarshal(record, &route); err != nil {
			return nil, fmt.Errorf("decoding route: %w", err)
		}
		routes = append(routes, &route)
	}
	return routes, nil
}

// Delete removes a route by ID.
func (r *RouteStore) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, CollectionRoutes, id)
}
