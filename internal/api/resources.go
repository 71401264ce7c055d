package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/rules"
	"github.com/micasa-home/micasa/internal/settings"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	token, sess, err := s.auth.login(r, body.Username, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "rights": sess.rights})
}

// requireRights rejects callers below the given level.
func requireRights(r *http.Request, level int) error {
	if sessionFromContext(r.Context()).rights < level {
		return errForbidden("insufficient rights")
	}
	return nil
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errBadRequest("invalid id")
	}
	return id, nil
}

// --- plugins ---

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	out := []map[string]any{}
	for _, p := range s.ctrl.Plugins() {
		out = append(out, p.JSON())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeclarePlugin(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Type      string `json:"type"`
		Reference string `json:"reference"`
		Parent    string `json:"parent"`
		Enabled   *bool  `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Type == "" || body.Reference == "" {
		writeError(w, errBadRequest("type and reference are required"))
		return
	}
	var parent = s.ctrl.PluginByReference(body.Parent)
	if body.Parent != "" && parent == nil {
		writeError(w, errNotFound("parent plugin"))
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	p, err := s.ctrl.DeclarePlugin(r.Context(), body.Type, body.Reference, parent, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.JSON())
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	p := s.ctrl.PluginByReference(chi.URLParam(r, "ref"))
	if p == nil {
		writeError(w, errNotFound("plugin"))
		return
	}
	out := p.JSON()
	devices := []map[string]any{}
	for _, d := range p.Devices() {
		devices = append(devices, d.JSON())
	}
	out["devices"] = devices
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRemovePlugin(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	p := s.ctrl.PluginByReference(chi.URLParam(r, "ref"))
	if p == nil {
		writeError(w, errNotFound("plugin"))
		return
	}
	if err := s.ctrl.RemovePlugin(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPluginSettings(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	p := s.ctrl.PluginByReference(chi.URLParam(r, "ref"))
	if p == nil {
		writeError(w, errNotFound("plugin"))
		return
	}
	raw, err := p.SettingsJSON()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) handlePutPluginSettings(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	p := s.ctrl.PluginByReference(chi.URLParam(r, "ref"))
	if p == nil {
		writeError(w, errNotFound("plugin"))
		return
	}
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		writeError(w, errBadRequest(err.Error()))
		return
	}
	if err := p.PutSettingsJSON(r.Context(), raw); err != nil {
		writeError(w, errBadRequest(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- devices ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	out := []map[string]any{}
	for _, p := range s.ctrl.Plugins() {
		for _, d := range p.Devices() {
			out = append(out, d.JSON())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deviceFromRequest(r *http.Request) (*device.Device, error) {
	id, err := idParam(r)
	if err != nil {
		return nil, err
	}
	d := s.ctrl.DeviceByID(id)
	if d == nil {
		return nil, errNotFound("device")
	}
	return d, nil
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.deviceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.JSON())
}

// handleUpdateDevice drives a device through the normal update pipeline
// with source API. When task options are given the update goes through
// the planner instead, exactly as a script update would.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.deviceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Value   any     `json:"value"`
		Options string  `json:"options"`
		Label   *string `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	minRights := int(d.Settings().GetInt(settings.MinimumUserRights, RightsViewer))
	if err := requireRights(r, minRights); err != nil {
		writeError(w, err)
		return
	}

	if body.Label != nil {
		if err := d.SetLabel(r.Context(), *body.Label); err != nil {
			writeError(w, err)
			return
		}
	}
	if body.Value != nil {
		if strings.TrimSpace(body.Options) != "" {
			s.ctrl.PlanUpdate(d, body.Value, rules.ParseOptions(body.Options), device.SourceAPI)
		} else if err := d.UpdateValue(device.SourceAPI, body.Value); err != nil && !errors.Is(err, device.ErrDuplicate) {
			writeError(w, updateError(err))
			return
		}
	}
	writeJSON(w, http.StatusOK, d.JSON())
}

// updateError maps pipeline rejections to client-facing errors.
// Duplicates never reach here, the handler treats them as a no-op.
func updateError(err error) error {
	switch {
	case errors.Is(err, device.ErrDisabled), errors.Is(err, device.ErrSourceBlocked):
		return errForbidden(err.Error())
	case errors.Is(err, device.ErrOutOfRange), errors.Is(err, device.ErrBadValue):
		return errBadRequest(err.Error())
	case errors.Is(err, device.ErrRejected):
		return ResourceError{Code: http.StatusConflict, Tag: "update.rejected", Message: err.Error()}
	default:
		return err
	}
}

func (s *Server) handleSetDeviceEnabled(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.deviceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := d.SetEnabled(r.Context(), body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.JSON())
}

func (s *Server) handleDeviceData(w http.ResponseWriter, r *http.Request) {
	d, err := s.deviceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	rangeN, _ := strconv.Atoi(q.Get("range"))
	if rangeN <= 0 {
		rangeN = 1
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = "day"
	}
	group := q.Get("group")
	if group == "" {
		group = "hour"
	}
	data, err := d.GetData(r.Context(), rangeN, interval, group)
	if err != nil {
		writeError(w, errBadRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleGetDeviceSettings(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.deviceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	all := make(map[string]string)
	rows, err := database.Rows(r.Context(), s.db,
		"SELECT key, value FROM device_settings WHERE device_id = ?", d.ID())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, row := range rows {
		k, _ := row["key"].(string)
		v, _ := row["value"].(string)
		all[k] = v
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handlePutDeviceSettings(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.deviceFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	kv := make(map[string]string)
	if err := decodeBody(r, &kv); err != nil {
		writeError(w, err)
		return
	}
	d.Settings().Insert(kv)
	if err := d.Settings().Commit(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- scripts ---

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	rows, err := database.Rows(r.Context(), s.db, "SELECT id, name, enabled FROM scripts ORDER BY id ASC")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type scriptBody struct {
	Name    string  `json:"name"`
	Code    string  `json:"code"`
	Enabled *bool   `json:"enabled"`
	Devices []int64 `json:"devices"`
	Timers  []int64 `json:"timers"`
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	var body scriptBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, errBadRequest("name is required"))
		return
	}
	enabled := 1
	if body.Enabled != nil && !*body.Enabled {
		enabled = 0
	}
	id, err := s.db.Insert(r.Context(),
		"INSERT INTO scripts (name, code, enabled) VALUES (?, ?, ?)",
		body.Name, body.Code, enabled)
	if err != nil {
		writeError(w, errBadRequest(err.Error()))
		return
	}
	if err := s.bindScript(r, id, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body scriptBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	enabled := 1
	if body.Enabled != nil && !*body.Enabled {
		enabled = 0
	}
	n, err := s.db.Exec(r.Context(),
		"UPDATE scripts SET name = ?, code = ?, enabled = ? WHERE id = ?",
		body.Name, body.Code, enabled, id)
	if err != nil {
		writeError(w, errBadRequest(err.Error()))
		return
	}
	if n == 0 {
		writeError(w, errNotFound("script"))
		return
	}
	if err := s.bindScript(r, id, body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bindScript replaces the script's device and timer triggers when the
// body names any.
func (s *Server) bindScript(r *http.Request, id int64, body scriptBody) error {
	ctx := r.Context()
	if body.Devices != nil {
		if _, err := s.db.Exec(ctx, "DELETE FROM x_device_scripts WHERE script_id = ?", id); err != nil {
			return err
		}
		for _, deviceID := range body.Devices {
			if _, err := s.db.Exec(ctx,
				"INSERT INTO x_device_scripts (device_id, script_id) VALUES (?, ?)", deviceID, id); err != nil {
				return errBadRequest(err.Error())
			}
		}
	}
	if body.Timers != nil {
		if _, err := s.db.Exec(ctx, "DELETE FROM x_timer_scripts WHERE script_id = ?", id); err != nil {
			return err
		}
		for _, timerID := range body.Timers {
			if _, err := s.db.Exec(ctx,
				"INSERT INTO x_timer_scripts (timer_id, script_id) VALUES (?, ?)", timerID, id); err != nil {
				return errBadRequest(err.Error())
			}
		}
	}
	return nil
}

// --- timers ---

func (s *Server) handleListTimers(w http.ResponseWriter, r *http.Request) {
	rows, err := database.Rows(r.Context(), s.db, "SELECT id, name, cron, enabled FROM timers ORDER BY id ASC")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type timerBody struct {
	Name    string `json:"name"`
	Cron    string `json:"cron"`
	Enabled *bool  `json:"enabled"`
}

func (t timerBody) validate() error {
	if t.Name == "" {
		return errBadRequest("name is required")
	}
	if _, err := rules.ParseCron(t.Cron); err != nil {
		return errBadRequest("invalid cron expression: " + t.Cron)
	}
	return nil
}

func (s *Server) handleCreateTimer(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	var body timerBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, err)
		return
	}
	enabled := 1
	if body.Enabled != nil && !*body.Enabled {
		enabled = 0
	}
	id, err := s.db.Insert(r.Context(),
		"INSERT INTO timers (name, cron, enabled) VALUES (?, ?, ?)",
		body.Name, body.Cron, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleUpdateTimer(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body timerBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, err)
		return
	}
	enabled := 1
	if body.Enabled != nil && !*body.Enabled {
		enabled = 0
	}
	n, err := s.db.Exec(r.Context(),
		"UPDATE timers SET name = ?, cron = ?, enabled = ? WHERE id = ?",
		body.Name, body.Cron, enabled, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if n == 0 {
		writeError(w, errNotFound("timer"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- links ---

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	rows, err := database.Rows(r.Context(), s.db,
		`SELECT id, name, device_id, target_device_id, value, target_value, after, "for", clear, enabled
		 FROM links ORDER BY id ASC`)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsInstaller); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name           string `json:"name"`
		DeviceID       int64  `json:"device_id"`
		TargetDeviceID int64  `json:"target_device_id"`
		Value          string `json:"value"`
		TargetValue    string `json:"target_value"`
		After          int    `json:"after"`
		For            int    `json:"for"`
		Clear          bool   `json:"clear"`
		Enabled        *bool  `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	src := s.ctrl.DeviceByID(body.DeviceID)
	if src == nil {
		writeError(w, errNotFound("source device"))
		return
	}
	if src.Kind() != device.KindSwitch {
		writeError(w, errBadRequest("links can only be triggered by switch devices"))
		return
	}
	if s.ctrl.DeviceByID(body.TargetDeviceID) == nil {
		writeError(w, errNotFound("target device"))
		return
	}
	enabled := 1
	if body.Enabled != nil && !*body.Enabled {
		enabled = 0
	}
	clear := 0
	if body.Clear {
		clear = 1
	}
	id, err := s.db.Insert(r.Context(), `
		INSERT INTO links (name, device_id, target_device_id, value, target_value, after, "for", clear, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		body.Name, body.DeviceID, body.TargetDeviceID, body.Value, body.TargetValue,
		body.After, body.For, clear, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// handleDeleteRow builds a DELETE-by-id handler for simple rule tables.
// Cross-reference rows cascade through the schema's foreign keys.
func (s *Server) handleDeleteRow(table, what string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := requireRights(r, RightsInstaller); err != nil {
			writeError(w, err)
			return
		}
		id, err := idParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		n, err := s.db.Exec(r.Context(), "DELETE FROM "+table+" WHERE id = ?", id)
		if err != nil {
			writeError(w, err)
			return
		}
		if n == 0 {
			writeError(w, errNotFound(what))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
