package api

import (
	"net/http"

	"github.com/micasa-home/micasa/internal/database"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsAdmin); err != nil {
		writeError(w, err)
		return
	}
	rows, err := database.Rows(r.Context(), s.db,
		"SELECT id, name, username, rights, enabled FROM users ORDER BY id ASC")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if err := requireRights(r, RightsAdmin); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name     string `json:"name"`
		Username string `json:"username"`
		Password string `json:"password"`
		Rights   int    `json:"rights"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, errBadRequest("username and password are required"))
		return
	}
	if body.Rights < RightsViewer || body.Rights > RightsAdmin {
		writeError(w, errBadRequest("rights out of range"))
		return
	}
	id, err := s.db.Insert(r.Context(),
		"INSERT INTO users (name, username, password, rights) VALUES (?, ?, ?, ?)",
		body.Name, body.Username, hashPassword(body.Password), body.Rights)
	if err != nil {
		writeError(w, errBadRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}
