package web

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/broadcast"
	"github.com/cexll/studybuddy/internal/dispatcher"
	"github.com/cexll/studybuddy/internal/storage"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Broadcaster queues administrator broadcasts.
type Broadcaster interface {
	Create(ctx context.Context, adminID int64, text string, recipients []int64) (*broadcast.Result, error)
}

// JobQueue enqueues background jobs.
type JobQueue interface {
	Enqueue(job *dispatcher.Job) error
}

// Handler serves the admin API and the broadcast pages
type Handler struct {
	store      *storage.Store
	broadcasts Broadcaster
	queue      JobQueue
	secret     string
	isAdmin    func(int64) bool
	pageSize   int
	templates  *template.Template
	logger     *zap.Logger
}

// NewHandler creates a new web handler
func NewHandler(store *storage.Store, broadcasts Broadcaster, queue JobQueue, secret string, isAdmin func(int64) bool) (*Handler, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"statusColor":   statusColor,
		"deliveryColor": deliveryColor,
		"formatTime":    formatTime,
	}).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}

	return &Handler{
		store:      store,
		broadcasts: broadcasts,
		queue:      queue,
		secret:     secret,
		isAdmin:    isAdmin,
		pageSize:   20,
		templates:  tmpl,
		logger:     zap.L().Named("web"),
	}, nil
}

// WithPageSize sets the default page size of the user listing.
func (h *Handler) WithPageSize(n int) *Handler {
	if n > 0 {
		h.pageSize = n
	}
	return h
}

// RegisterRoutes registers the admin routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/users", h.requireAdmin(h.ListUsers)).Methods("GET")
	api.HandleFunc("/broadcasts", h.requireAdmin(h.CreateBroadcast)).Methods("POST")
	api.HandleFunc("/broadcasts", h.requireAdmin(h.ListBroadcasts)).Methods("GET")
	api.HandleFunc("/broadcasts/{id}", h.requireAdmin(h.GetBroadcast)).Methods("GET")
	api.HandleFunc("/reminders/run", h.requireAdmin(h.RunReminder)).Methods("POST")

	r.HandleFunc("/broadcasts", h.requireAdmin(h.BroadcastListPage)).Methods("GET")
	r.HandleFunc("/broadcasts/{id}", h.requireAdmin(h.BroadcastDetailPage)).Methods("GET")
}

type userView struct {
	ID           int64     `json:"id"`
	TelegramID   int64     `json:"telegram_id"`
	FirstName    string    `json:"first_name,omitempty"`
	Username     string    `json:"username,omitempty"`
	IsAdmin      bool      `json:"is_admin"`
	RegisteredAt time.Time `json:"registered_at"`
}

type usersPage struct {
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Users    []userView `json:"users"`
}

// ListUsers serves GET /api/users?page=&page_size=
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	size, err := queryInt(r, "page_size", h.pageSize)
	if err != nil || size < 1 || size > 500 {
		writeError(w, http.StatusBadRequest, "invalid page_size")
		return
	}

	total, err := h.store.CountUsers(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	users, err := h.store.ListUsers(r.Context(), (page-1)*size, size)
	if err != nil {
		h.internalError(w, err)
		return
	}

	out := usersPage{Total: total, Page: page, PageSize: size, Users: make([]userView, 0, len(users))}
	for _, u := range users {
		out.Users = append(out.Users, userView{
			ID:           u.ID,
			TelegramID:   u.TelegramID,
			FirstName:    u.FirstName.String,
			Username:     u.Username.String,
			IsAdmin:      u.IsAdmin,
			RegisteredAt: u.RegisteredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createBroadcastRequest struct {
	Text       string  `json:"text"`
	Recipients []int64 `json:"recipients,omitempty"`
}

type createBroadcastResponse struct {
	ID      string  `json:"id"`
	Status  string  `json:"status"`
	Total   int     `json:"total"`
	Unknown []int64 `json:"unknown,omitempty"`
}

// CreateBroadcast serves POST /api/broadcasts
func (h *Handler) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var req createBroadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	adminID, _ := AdminFromContext(r.Context())

	res, err := h.broadcasts.Create(r.Context(), adminID, req.Text, req.Recipients)
	switch {
	case errors.Is(err, broadcast.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, broadcast.ErrNoRecipients):
		var unknown []int64
		if res != nil {
			unknown = res.Unknown
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "unknown": unknown})
		return
	case errors.Is(err, dispatcher.ErrQueueFull), errors.Is(err, dispatcher.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createBroadcastResponse{
		ID:      res.Broadcast.ID,
		Status:  string(res.Broadcast.Status),
		Total:   res.Broadcast.Total,
		Unknown: res.Unknown,
	})
}

// ListBroadcasts serves GET /api/broadcasts?limit=
func (h *Handler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	list, err := h.store.ListBroadcasts(r.Context(), limit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if list == nil {
		list = []storage.Broadcast{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"broadcasts": list})
}

type broadcastDetail struct {
	Broadcast  *storage.Broadcast `json:"broadcast"`
	Deliveries []storage.Delivery `json:"deliveries"`
}

func (h *Handler) loadDetail(ctx context.Context, id string) (*broadcastDetail, error) {
	b, err := h.store.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	deliveries, err := h.store.ListDeliveries(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if deliveries == nil {
		deliveries = []storage.Delivery{}
	}
	return &broadcastDetail{Broadcast: b, Deliveries: deliveries}, nil
}

// GetBroadcast serves GET /api/broadcasts/{id}
func (h *Handler) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	detail, err := h.loadDetail(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// RunReminder serves POST /api/reminders/run
func (h *Handler) RunReminder(w http.ResponseWriter, r *http.Request) {
	job := dispatcher.ReminderJob(time.Now())
	if err := h.queue.Enqueue(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": job.ID})
}

// BroadcastListPage renders the broadcast history page
func (h *Handler) BroadcastListPage(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListBroadcasts(r.Context(), 100)
	if err != nil {
		h.internalError(w, err)
		return
	}

	data := struct {
		Broadcasts []storage.Broadcast
		Token      string
	}{
		Broadcasts: list,
		Token:      r.URL.Query().Get("token"),
	}
	h.render(w, "broadcast_list.html", data)
}

// BroadcastDetailPage renders one broadcast with its deliveries
func (h *Handler) BroadcastDetailPage(w http.ResponseWriter, r *http.Request) {
	detail, err := h.loadDetail(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Broadcast not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}

	data := struct {
		*broadcastDetail
		Token string
	}{
		broadcastDetail: detail,
		Token:           r.URL.Query().Get("token"),
	}
	h.render(w, "broadcast_detail.html", data)
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("render template", zap.String("template", name), zap.Error(err))
		http.Error(w, "Template error", http.StatusInternalServerError)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// Helper functions for templates
func statusColor(status storage.BroadcastStatus) string {
	switch status {
	case storage.BroadcastPending:
		return "#6c757d"
	case storage.BroadcastRunning:
		return "#0d6efd"
	case storage.BroadcastCompleted:
		return "#198754"
	case storage.BroadcastFailed:
		return "#dc3545"
	default:
		return "#6c757d"
	}
}

func deliveryColor(status storage.DeliveryStatus) string {
	switch status {
	case storage.DeliverySent:
		return "#198754"
	case storage.DeliveryFailed:
		return "#fd7e14"
	case storage.DeliveryUndeliverable:
		return "#dc3545"
	default:
		return "#6c757d"
	}
}

func formatTime(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return "—"
		}
		return t.UTC().Format("2006-01-02 15:04 MST")
	case sql.NullTime:
		if !t.Valid {
			return "—"
		}
		return t.Time.UTC().Format("2006-01-02 15:04 MST")
	default:
		return "—"
	}
}
