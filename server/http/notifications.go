// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/template"
)

const (
	// maxBatchItems bounds one batch request.
	maxBatchItems = 100

	// maxBatchBody bounds the batch request body.
	maxBatchBody = 1 << 20

	// dedupCacheSize is how many recent batch-item fingerprints are
	// remembered across requests.
	dedupCacheSize = 4096
)

// sendRequest is the common shape of the send endpoints. Each endpoint
// reads the target fields it cares about and ignores the rest.
type sendRequest struct {
	TargetUserID  string   `json:"target_user_id,omitempty"`
	TargetUserIDs []string `json:"target_user_ids,omitempty"`
	Channel       string   `json:"channel,omitempty"`
	Channels      []string `json:"channels,omitempty"`

	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Template rendering, used instead of a literal payload.
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`

	Priority      core.Priority  `json:"priority,omitempty"`
	TTL           uint32         `json:"ttl,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Audience      *core.Audience `json:"audience,omitempty"`
}

// sendResponse reports the outcome of one send operation.
type sendResponse struct {
	Success        bool      `json:"success"`
	NotificationID string    `json:"notification_id"`
	DeliveredTo    int       `json:"delivered_to"`
	Failed         int       `json:"failed"`
	Queued         int       `json:"queued"`
	Timestamp      time.Time `json:"timestamp"`
}

// event materializes the request into a core event, rendering the
// template when one is referenced.
func (s *Server) event(req sendRequest) (core.Event, error) {
	eventType := req.EventType
	payload := req.Payload

	if req.TemplateID != "" {
		if s.deps.Templates == nil {
			return core.Event{}, errors.New("templates are not enabled")
		}
		id, err := uuid.Parse(req.TemplateID)
		if err != nil {
			return core.Event{}, fmt.Errorf("malformed template_id: %w", err)
		}
		tmplType, rendered, err := s.deps.Templates.RenderByID(id, req.Variables)
		if err != nil {
			return core.Event{}, err
		}
		if eventType == "" {
			eventType = tmplType
		}
		payload = rendered
	}

	if eventType == "" {
		return core.Event{}, errors.New("event_type must not be empty")
	}
	if payload != nil && !json.Valid(payload) {
		return core.Event{}, errors.New("payload must be valid JSON")
	}

	evt := core.NewEvent(eventType, "api", payload)
	if req.Priority != "" {
		if !req.Priority.Valid() {
			return core.Event{}, fmt.Errorf("unknown priority %q", req.Priority)
		}
		evt.Metadata.Priority = req.Priority
	}
	evt.Metadata.TTL = req.TTL
	evt.Metadata.CorrelationID = req.CorrelationID
	evt.Metadata.Audience = req.Audience
	return evt, nil
}

// dispatchAndReply runs one dispatch and writes the API response.
func (s *Server) dispatchAndReply(w http.ResponseWriter, r *http.Request, target core.Target, req sendRequest) {
	evt, err := s.event(req)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeTemplateNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	res, err := s.deps.Dispatcher.Dispatch(r.Context(), tenantOf(r), target, evt)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Success:        res.Success(),
		NotificationID: res.NotificationID.String(),
		DeliveredTo:    res.Delivered,
		Failed:         res.Failed,
		Queued:         res.Queued,
		Timestamp:      time.Now().UTC(),
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if req.TargetUserID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "target_user_id must not be empty")
		return
	}
	s.dispatchAndReply(w, r, core.UserTarget(req.TargetUserID), req)
}

func (s *Server) handleSendToUsers(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if len(req.TargetUserIDs) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "target_user_ids must not be empty")
		return
	}
	s.dispatchAndReply(w, r, core.UsersTarget(req.TargetUserIDs), req)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	s.dispatchAndReply(w, r, core.BroadcastTarget(), req)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if err := core.ValidateChannelName(req.Channel); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	s.dispatchAndReply(w, r, core.ChannelTarget(req.Channel), req)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if len(req.Channels) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "channels must not be empty")
		return
	}
	for _, name := range req.Channels {
		if err := core.ValidateChannelName(name); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
	}
	s.dispatchAndReply(w, r, core.ChannelsTarget(req.Channels), req)
}

// batchItem is one notification in a batch. Exactly one target group
// must be populated.
type batchItem struct {
	sendRequest
}

// target resolves the item's addressing mode.
func (it batchItem) target() (core.Target, error) {
	set := 0
	var target core.Target
	if it.TargetUserID != "" {
		set++
		target = core.UserTarget(it.TargetUserID)
	}
	if len(it.TargetUserIDs) > 0 {
		set++
		target = core.UsersTarget(it.TargetUserIDs)
	}
	if it.Channel != "" {
		set++
		target = core.ChannelTarget(it.Channel)
	}
	if len(it.Channels) > 0 {
		set++
		target = core.ChannelsTarget(it.Channels)
	}
	switch set {
	case 0:
		return core.BroadcastTarget(), nil
	case 1:
		return target, nil
	default:
		return core.Target{}, errors.New("notification addresses more than one target kind")
	}
}

// fingerprint identifies an item for deduplication: same target, type
// and payload means same notification.
func (it batchItem) fingerprint() string {
	h := sha256.New()
	h.Write([]byte(it.TargetUserID))
	h.Write([]byte(strings.Join(sortedCopy(it.TargetUserIDs), ",")))
	h.Write([]byte(it.Channel))
	h.Write([]byte(strings.Join(sortedCopy(it.Channels), ",")))
	h.Write([]byte(it.EventType))
	h.Write([]byte(it.CorrelationID))
	h.Write(it.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

type batchRequest struct {
	Notifications []batchItem  `json:"notifications"`
	Options       batchOptions `json:"options"`
}

type batchOptions struct {
	StopOnError bool `json:"stop_on_error"`
	Deduplicate bool `json:"deduplicate"`
}

type batchItemResult struct {
	Index          int    `json:"index"`
	Success        bool   `json:"success"`
	Skipped        bool   `json:"skipped,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
	DeliveredTo    int    `json:"delivered_to,omitempty"`
	Failed         int    `json:"failed,omitempty"`
	Queued         int    `json:"queued,omitempty"`
	Error          string `json:"error,omitempty"`
}

type batchResponse struct {
	BatchID string            `json:"batch_id"`
	Results []batchItemResult `json:"results"`
	Summary batchSummary      `json:"summary"`
}

type batchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// batchDeduper remembers recent item fingerprints across requests.
type batchDeduper struct {
	cache *lru.Cache[string, struct{}]
}

func newBatchDeduper() *batchDeduper {
	cache, _ := lru.New[string, struct{}](dedupCacheSize)
	return &batchDeduper{cache: cache}
}

// seen records the fingerprint and reports whether it was already known.
func (d *batchDeduper) seen(fp string) bool {
	_, known := d.cache.Get(fp)
	if !known {
		d.cache.Add(fp, struct{}{})
	}
	return known
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)

	var req batchRequest
	if err := decode(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeBatchTooLarge, "batch body exceeds 1MB")
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if len(req.Notifications) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "notifications must not be empty")
		return
	}
	if len(req.Notifications) > maxBatchItems {
		writeError(w, http.StatusRequestEntityTooLarge, codeBatchTooLarge,
			fmt.Sprintf("batch exceeds %d notifications", maxBatchItems))
		return
	}

	tenantID := tenantOf(r)
	resp := batchResponse{
		BatchID: uuid.NewString(),
		Results: make([]batchItemResult, 0, len(req.Notifications)),
	}
	resp.Summary.Total = len(req.Notifications)

	for i, item := range req.Notifications {
		result := batchItemResult{Index: i}

		if req.Options.Deduplicate && s.batch.seen(item.fingerprint()) {
			result.Skipped = true
			resp.Summary.Skipped++
			resp.Results = append(resp.Results, result)
			continue
		}

		result = s.dispatchBatchItem(r, tenantID, i, item)
		resp.Results = append(resp.Results, result)
		if result.Success {
			resp.Summary.Succeeded++
		} else {
			resp.Summary.Failed++
			if req.Options.StopOnError {
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) dispatchBatchItem(r *http.Request, tenantID string, index int, item batchItem) batchItemResult {
	result := batchItemResult{Index: index}

	target, err := item.target()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	evt, err := s.event(item.sendRequest)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	res, err := s.deps.Dispatcher.Dispatch(r.Context(), tenantID, target, evt)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Success = res.Success()
	result.NotificationID = res.NotificationID.String()
	result.DeliveredTo = res.Delivered
	result.Failed = res.Failed
	result.Queued = res.Queued
	if !result.Success {
		result.Error = "one or more deliveries failed"
	}
	return result
}
