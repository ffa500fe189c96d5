// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package template stores reusable notification templates and renders
// them into event payloads by substituting {{variable}} placeholders.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for operations on unknown template ids.
	ErrNotFound = errors.New("template not found")

	// ErrMissingVariable is returned when rendering lacks a value for a
	// placeholder.
	ErrMissingVariable = errors.New("missing template variable")
)

// placeholderPattern matches {{name}} with optional inner whitespace.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Template is a reusable notification shape. The payload is a JSON
// document whose string values may contain {{variable}} placeholders.
type Template struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Variables lists the placeholder names the template references,
// sorted and de-duplicated.
func (t Template) Variables() []string {
	set := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(string(t.Payload), -1) {
		set[m[1]] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes every placeholder with its value and returns the
// resulting payload. Every referenced variable must be supplied; the
// substituted values are JSON-escaped so they cannot break the
// document structure.
func (t Template) Render(variables map[string]string) (json.RawMessage, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(string(t.Payload), func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := variables[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return jsonEscape(value)
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(missing, ", "))
	}

	if !json.Valid([]byte(out)) {
		return nil, fmt.Errorf("rendered payload is not valid JSON")
	}
	return json.RawMessage(out), nil
}

// jsonEscape escapes a substituted value for inclusion inside a JSON
// string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// Store is an in-memory template table.
type Store struct {
	mu        sync.RWMutex
	templates map[uuid.UUID]Template
}

// NewStore creates an empty template store.
func NewStore() *Store {
	return &Store{templates: make(map[uuid.UUID]Template)}
}

// Create mints an id and stores the template.
func (s *Store) Create(name, eventType string, payload json.RawMessage) (Template, error) {
	if name == "" {
		return Template{}, errors.New("template name must not be empty")
	}
	if eventType == "" {
		return Template{}, errors.New("template event_type must not be empty")
	}
	if !json.Valid(payload) {
		return Template{}, errors.New("template payload must be valid JSON")
	}

	now := time.Now().UTC()
	tmpl := Template{
		ID:        uuid.New(),
		Name:      name,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.templates[tmpl.ID] = tmpl
	s.mu.Unlock()
	return tmpl, nil
}

// Get looks a template up by id.
func (s *Store) Get(id uuid.UUID) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return tmpl, nil
}

// Update replaces the template's content, keeping its id and creation
// time.
func (s *Store) Update(id uuid.UUID, name, eventType string, payload json.RawMessage) (Template, error) {
	if !json.Valid(payload) {
		return Template{}, errors.New("template payload must be valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	if name != "" {
		tmpl.Name = name
	}
	if eventType != "" {
		tmpl.EventType = eventType
	}
	tmpl.Payload = payload
	tmpl.UpdatedAt = time.Now().UTC()
	s.templates[id] = tmpl
	return tmpl, nil
}

// Delete removes a template.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

// List returns all templates sorted by name.
func (s *Store) List() []Template {
	s.mu.RLock()
	out := make([]Template, 0, len(s.templates))
	for _, tmpl := range s.templates {
		out = append(out, tmpl)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RenderByID resolves and renders a template in one call. Used by the
// notification API when a request references a template instead of
// carrying a literal payload.
func (s *Store) RenderByID(id uuid.UUID, variables map[string]string) (string, json.RawMessage, error) {
	tmpl, err := s.Get(id)
	if err != nil {
		return "", nil, err
	}
	payload, err := tmpl.Render(variables)
	if err != nil {
		return "", nil, err
	}
	return tmpl.EventType, payload, nil
}
