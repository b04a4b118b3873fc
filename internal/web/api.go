package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pidctl/internal/controller"
	"pidctl/internal/entity"
	"pidctl/internal/registry"
)

const maxBody = 64 << 10

type api struct {
	d Deps
}

type commandResponse struct {
	OK         bool                `json:"ok"`
	Controller controller.Snapshot `json:"controller"`
}

// SetValueRequest accepts a number or one of the strings "nan", "inf", "-inf"
// (or any other float text).
type SetValueRequest struct {
	Value json.RawMessage `json:"value"`
}

type EntityRequest struct {
	// State sets the entity directly, like a sensor update.
	State json.RawMessage `json:"state,omitempty"`
	// Value writes through the actuator path: bounds and attached device.
	Value      *float64       `json:"value,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type EntityResponse struct {
	ID string `json:"id"`
	entity.State
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	snap := a.d.Status.Snapshot(time.Now().UTC())
	for _, s := range a.d.Controllers.Snapshots() {
		snap.Controllers++
		if s.Enabled {
			snap.Enabled++
		}
	}
	if a.d.Entities != nil {
		snap.Entities = len(a.d.Entities.IDs())
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) listControllers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Controllers.Snapshots())
}

func (a *api) getController(w http.ResponseWriter, r *http.Request) {
	c, err := a.d.Controllers.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (a *api) turnOn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.command(w, id, a.d.Controllers.TurnOn(r.Context(), id))
}

func (a *api) turnOff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.command(w, id, a.d.Controllers.TurnOff(id))
}

func (a *api) setValue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SetValueRequest
	if err := decodeStrict(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := parseValue(req.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.command(w, id, a.d.Controllers.SetValue(r.Context(), id, v))
}

func (a *api) command(w http.ResponseWriter, id string, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := a.d.Controllers.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true, Controller: c.Snapshot()})
}

func (a *api) listEntities(w http.ResponseWriter, r *http.Request) {
	if a.d.Entities == nil {
		writeJSON(w, http.StatusOK, []EntityResponse{})
		return
	}
	ids := a.d.Entities.IDs()
	out := make([]EntityResponse, 0, len(ids))
	for _, id := range ids {
		if st, ok := a.d.Entities.Get(id); ok {
			out = append(out, EntityResponse{ID: id, State: st})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if a.d.Entities == nil {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	st, ok := a.d.Entities.Get(id)
	if !ok {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, EntityResponse{ID: id, State: st})
}

func (a *api) postEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if a.d.Entities == nil {
		http.Error(w, "entities unavailable", http.StatusNotFound)
		return
	}
	var req EntityRequest
	if err := decodeStrict(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case req.Value != nil:
		if req.State != nil {
			http.Error(w, "set either state or value, not both", http.StatusBadRequest)
			return
		}
		if err := a.d.Entities.WriteValue(r.Context(), id, *req.Value); err != nil {
			writeError(w, err)
			return
		}
	case req.State != nil:
		s, err := stateText(req.State)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.d.Entities.Set(id, s, req.Attributes)
	default:
		http.Error(w, "state or value is required", http.StatusBadRequest)
		return
	}

	st, _ := a.d.Entities.Get(id)
	writeJSON(w, http.StatusOK, EntityResponse{ID: id, State: st})
}

func (a *api) reload(w http.ResponseWriter, r *http.Request) {
	if a.d.Reload == nil {
		http.Error(w, "reload unavailable", http.StatusNotFound)
		return
	}
	err := a.d.Reload(r.Context())
	a.d.Status.MarkReload(time.Now().UTC(), err)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *controller.ValidationError
	switch {
	case errors.Is(err, registry.ErrUnknownController), errors.Is(err, controller.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &ve), errors.Is(err, controller.ErrRejected), errors.Is(err, controller.ErrInvalidConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// decodeStrict decodes exactly one JSON object with no unknown keys.
func decodeStrict(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBody {
		return errors.New("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

func parseValue(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("value is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("invalid value: %w", err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", s)
		}
		return v, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("invalid value: %w", err)
	}
	return v, nil
}

func stateText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if string(raw) == "null" {
		return "unavailable", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("invalid state: %w", err)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return "", errors.New("invalid state")
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	return "", errors.New("state must be a number or a string")
}
