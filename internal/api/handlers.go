package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"parley/internal/attachments"
	"parley/internal/chat"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/storage"
	"parley/internal/ws"

	"github.com/go-playground/validator/v10"
)

const (
	defaultTake = 50
	maxTake     = 200
)

type contextKey struct{}

var profileKey contextKey

// Store is the part of the message store the query endpoints read and write.
type Store interface {
	History(key models.ConversationKey, cursor string, take int) ([]models.Message, error)
	IsParticipant(key models.ConversationKey, profileID string) (bool, error)
	GetFileMetadata(id string) (storage.FileMetadata, error)
	AddPushSubscription(profileID string, sub models.PushSubscription) error
	RemovePushSubscription(profileID, endpoint string) error
}

type Sessions interface {
	Resolve(token string) (string, error)
	Revoke(token string) (string, error)
}

type ConversationLister interface {
	List(profileID string) ([]models.Conversation, error)
}

type Uploader interface {
	Upload(ctx context.Context, uploaderID string, files []attachments.File) (attachments.Result, error)
}

type API struct {
	sessions      Sessions
	store         Store
	conversations ConversationLister
	uploads       Uploader
	files         filestore.FileStore
	maxUpload     int64
	validate      *validator.Validate
}

func New(
	sessions Sessions,
	store Store,
	conversations ConversationLister,
	uploads Uploader,
	files filestore.FileStore,
	maxUpload int64,
) *API {
	return &API{
		sessions:      sessions,
		store:         store,
		conversations: conversations,
		uploads:       uploads,
		files:         files,
		maxUpload:     maxUpload,
		validate:      validator.New(),
	}
}

// ProfileID returns the profile resolved by RequireAuth.
func ProfileID(ctx context.Context) string {
	id, _ := ctx.Value(profileKey).(string)
	return id
}

func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profileID, err := a.sessions.Resolve(ws.Token(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, models.APIResponse{
				Code:    models.ErrorCode(err),
				Message: "Unauthorized",
			})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), profileKey, profileID)))
	}
}

// RequireSameOrigin rejects cross-site state changing requests from browsers.
// Requests without an Origin header are let through.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

// LoginHandler turns a token issued by the identity service into an HttpOnly cookie,
// so browsers can authenticate websocket upgrades and attachment downloads.
func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}
	profileID, err := a.sessions.Resolve(req.Token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, models.APIResponse{
			Code:    models.ErrorCode(err),
			Message: "Unauthorized",
		})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    req.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: profileID})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := ws.Token(r); token != "" {
		_, _ = a.sessions.Revoke(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

type HistoryResponse struct {
	Messages   []*models.Message `json:"messages"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	profileID := ProfileID(r.Context())
	q := r.URL.Query()
	key := models.ConversationKey(q.Get("conversation"))

	take := defaultTake
	if s := q.Get("take"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: take must be a positive number", models.ErrValidation))
			return
		}
		take = min(n, maxTake)
	}

	ok, err := a.store.IsParticipant(key, profileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("%w: not a participant of %s", models.ErrUnauthorized, key))
		return
	}

	messages, err := a.store.History(key, q.Get("cursor"), take)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := HistoryResponse{Messages: make([]*models.Message, 0, len(messages))}
	for i := range messages {
		resp.Messages = append(resp.Messages, chat.Present(&messages[i]))
	}
	if len(messages) == take {
		resp.NextCursor = messages[len(messages)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := a.conversations.List(ProfileID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// UploadHandler accepts a multipart form with one or more "files" parts.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if a.maxUpload > 0 {
		// Leave room for the multipart framing.
		r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Errorf("%w: request body exceeds %d bytes", models.ErrPayloadTooLarge, tooLarge.Limit))
			return
		}
		writeError(w, fmt.Errorf("%w: failed to parse form: %v", models.ErrValidation, err))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["files"]
	files := make([]attachments.File, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			writeError(w, fmt.Errorf("%w: failed to open %s: %v", models.ErrValidation, h.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			writeError(w, fmt.Errorf("%w: failed to read %s: %v", models.ErrValidation, h.Filename, err))
			return
		}
		files = append(files, attachments.File{
			Name:         h.Filename,
			DeclaredType: h.Header.Get("Content-Type"),
			Data:         data,
		})
	}

	result, err := a.uploads.Upload(r.Context(), ProfileID(r.Context()), files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !filestore.ValidID(id) {
		writeError(w, fmt.Errorf("%w: file %s", models.ErrNotFound, id))
		return
	}

	meta, err := a.store.GetFileMetadata(id)
	if err != nil {
		writeError(w, err)
		return
	}

	rc, err := a.files.Get(id)
	if err != nil {
		slog.Error("failed to open stored file", "id", id, "error", err)
		writeError(w, fmt.Errorf("%w: file %s", models.ErrNotFound, id))
		return
	}
	defer func() {
		_ = rc.Close()
	}()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if meta.Kind != string(models.MediaImage) {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Debug("file transfer interrupted", "id", id, "error", err)
	}
}

type SubscriptionRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		Auth   string `json:"auth" validate:"required"`
		P256dh string `json:"p256dh" validate:"required"`
	} `json:"keys"`
}

// SubscribeHandler registers a browser push subscription, in the shape returned by
// PushManager.subscribe().
func (a *API) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrValidation))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}

	err := a.store.AddPushSubscription(ProfileID(r.Context()), models.PushSubscription{
		Endpoint: req.Endpoint,
		Auth:     req.Keys.Auth,
		P256dh:   req.Keys.P256dh,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, fmt.Errorf("%w: endpoint is required", models.ErrValidation))
		return
	}
	if err := a.store.RemovePushSubscription(ProfileID(r.Context()), endpoint); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := models.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, models.APIResponse{
		Code:    models.ErrorCode(err),
		Message: msg,
	})
}
