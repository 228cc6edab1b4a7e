package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/internal/attachments"
	"parley/internal/auth"
	"parley/internal/conversations"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/registry"
	"parley/internal/storage"
	"parley/internal/ws"

	"github.com/stretchr/testify/require"
)

const pngBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

type fixture struct {
	store    *storage.BboltStorage
	sessions *auth.Sessions
	hub      *ws.Hub
	reg      *registry.Registry
	mux      *http.ServeMux
}

func newFixture(t *testing.T, maxUpload int64) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBboltStorage(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := filestore.NewLocalFileStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sessions, err := auth.NewSessions(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("test-secret")),
		TokenExpiry: time.Hour,
	})
	require.NoError(t, err)

	reg := registry.New()
	hub := ws.NewHub(reg, nil, nil, 0)

	a := New(
		sessions,
		store,
		conversations.New(store, reg, 0),
		attachments.New(files, store, attachments.Limits{MaxFiles: 3}),
		files,
		maxUpload,
	)
	admin := NewAdminHandler(sessions, store, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", RequireSameOrigin(a.LoginHandler))
	mux.HandleFunc("POST /api/logoff", RequireSameOrigin(a.LogoffHandler))
	mux.HandleFunc("GET /api/history", a.RequireAuth(a.HistoryHandler))
	mux.HandleFunc("GET /api/conversations", a.RequireAuth(a.ConversationsHandler))
	mux.HandleFunc("POST /api/attachments", RequireSameOrigin(a.RequireAuth(a.UploadHandler)))
	mux.HandleFunc("GET /api/files/{id}", a.RequireAuth(a.FileHandler))
	mux.HandleFunc("POST /api/push/subscriptions", a.RequireAuth(a.SubscribeHandler))
	mux.HandleFunc("DELETE /api/push/subscriptions", a.RequireAuth(a.UnsubscribeHandler))
	mux.HandleFunc("POST /admin/sessions", admin.AddSessionHandler)
	mux.HandleFunc("DELETE /admin/sessions", admin.DeleteSessionHandler)
	mux.HandleFunc("POST /admin/groups", admin.AddGroupHandler)
	mux.HandleFunc("POST /admin/groups/{id}/members", admin.AddMemberHandler)
	mux.HandleFunc("DELETE /admin/groups/{id}/members/{profileId}", admin.RemoveMemberHandler)

	return &fixture{store: store, sessions: sessions, hub: hub, reg: reg, mux: mux}
}

func (f *fixture) token(t *testing.T, profileID string) string {
	t.Helper()
	resp, err := f.sessions.Register(auth.SessionRequest{ProfileID: profileID})
	require.NoError(t, err)
	return resp.Token
}

func (f *fixture) do(method, path, token string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("token", token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) send(t *testing.T, from, to, content string) models.Message {
	t.Helper()
	msg, err := f.store.Append(storage.AppendRequest{SenderID: from, Target: models.Target{ReceiverID: to}, Content: content})
	require.NoError(t, err)
	return msg
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestAPI_RequireAuth(t *testing.T) {
	f := newFixture(t, 0)
	token := f.token(t, "alice")

	rec := f.do(http.MethodGet, "/api/conversations", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decode[models.APIResponse](t, rec).Code)

	rec = f.do(http.MethodGet, "/api/conversations", "forged", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/conversations", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	cookieRec := httptest.NewRecorder()
	f.mux.ServeHTTP(cookieRec, req)
	require.Equal(t, http.StatusOK, cookieRec.Code)

	rec = f.do(http.MethodGet, "/api/conversations?token="+url.QueryEscape(token), "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_LoginLogoff(t *testing.T) {
	f := newFixture(t, 0)
	token := f.token(t, "alice")

	body, _ := json.Marshal(map[string]string{"token": token})
	rec := f.do(http.MethodPost, "/api/login", "", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, token, cookies[0].Value)
	require.True(t, cookies[0].HttpOnly)

	body, _ = json.Marshal(map[string]string{"token": "nope"})
	rec = f.do(http.MethodPost, "/api/login", "", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/logoff", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := f.sessions.Resolve(token)
	require.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestRequireSameOrigin(t *testing.T) {
	f := newFixture(t, 0)
	token := f.token(t, "alice")
	body, _ := json.Marshal(map[string]string{"token": token})

	rec := f.do(http.MethodPost, "/api/login", "", body, http.Header{"Origin": {"https://evil.example"}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// httptest requests are addressed to example.com.
	rec = f.do(http.MethodPost, "/api/login", "", body, http.Header{"Origin": {"http://example.com"}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_History(t *testing.T) {
	f := newFixture(t, 0)
	aliceToken := f.token(t, "alice")
	carolToken := f.token(t, "carol")

	var sent []models.Message
	for i := 0; i < 3; i++ {
		sent = append(sent, f.send(t, "alice", "bob", fmt.Sprintf("*m%d*", i)))
	}
	key := url.QueryEscape(string(models.DirectKey("alice", "bob")))

	rec := f.do(http.MethodGet, "/api/history?take=2&conversation="+key, aliceToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[HistoryResponse](t, rec)
	require.Len(t, page.Messages, 2)
	require.Equal(t, sent[2].ID, page.Messages[0].ID)
	require.Equal(t, sent[1].ID, page.Messages[1].ID)
	require.Contains(t, page.Messages[0].HTML, "<em>m2</em>")
	require.Equal(t, sent[1].ID, page.NextCursor)

	rec = f.do(http.MethodGet, "/api/history?take=2&conversation="+key+"&cursor="+page.NextCursor, aliceToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[HistoryResponse](t, rec)
	require.Len(t, page.Messages, 1)
	require.Equal(t, sent[0].ID, page.Messages[0].ID)
	require.Empty(t, page.NextCursor)

	rec = f.do(http.MethodGet, "/api/history?conversation="+key, carolToken, nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "unauthorized", decode[models.APIResponse](t, rec).Code)

	rec = f.do(http.MethodGet, "/api/history?conversation=bogus", aliceToken, nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/history?take=x&conversation="+key, aliceToken, nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/history?conversation="+key+"&cursor=missing", aliceToken, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Conversations(t *testing.T) {
	f := newFixture(t, 0)
	bobToken := f.token(t, "bob")
	f.send(t, "alice", "bob", "hello")
	f.send(t, "carol", "bob", "hey")

	rec := f.do(http.MethodGet, "/api/conversations", bobToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]models.Conversation](t, rec)
	require.Len(t, list, 2)
	require.Equal(t, "carol", list[0].CounterpartID)
	require.Equal(t, 1, list[0].UnreadCount)
	require.Equal(t, "hey", list[0].Preview)
}

func multipartBody(t *testing.T, files map[string][2]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, name))
		h.Set("Content-Type", f[0])
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte(f[1]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestAPI_UploadAndServe(t *testing.T) {
	f := newFixture(t, 0)
	token := f.token(t, "alice")

	png, err := base64.StdEncoding.DecodeString(pngBase64)
	require.NoError(t, err)

	body, contentType := multipartBody(t, map[string][2]string{
		"dot.png":  {"image/png", string(png)},
		"fake.png": {"image/png", "just text"},
	})
	rec := f.do(http.MethodPost, "/api/attachments", token, body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[attachments.Result](t, rec)
	require.Len(t, result.Attachments, 1)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, "fake.png", result.Rejected[0].FileName)
	require.Equal(t, "unsupported_media_type", result.Rejected[0].Code)

	id := result.Attachments[0].FilePath
	require.Equal(t, filestore.Hash(png), id)

	rec = f.do(http.MethodGet, "/api/files/"+id, token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Empty(t, rec.Header().Get("Content-Disposition"))
	require.Equal(t, png, rec.Body.Bytes())

	rec = f.do(http.MethodGet, "/api/files/"+strings.Repeat("ab", 32), token, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/files/not-a-content-id", token, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/files/"+id, "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_UploadLimits(t *testing.T) {
	f := newFixture(t, 64)
	token := f.token(t, "alice")

	body, contentType := multipartBody(t, map[string][2]string{
		"big.txt": {"text/plain", strings.Repeat("x", 2<<20)},
	})
	rec := f.do(http.MethodPost, "/api/attachments", token, body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	files := map[string][2]string{}
	for i := 0; i < 4; i++ {
		files[fmt.Sprintf("%d.txt", i)] = [2]string{"text/plain", "x"}
	}
	body, contentType = multipartBody(t, files)
	rec = f.do(http.MethodPost, "/api/attachments", token, body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "payload_too_large", decode[models.APIResponse](t, rec).Code)

	rec = f.do(http.MethodPost, "/api/attachments", token, []byte("nope"), http.Header{"Content-Type": {"text/plain"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_PushSubscriptions(t *testing.T) {
	f := newFixture(t, 0)
	token := f.token(t, "alice")

	body := []byte(`{"endpoint":"https://push.example/abc","keys":{"auth":"a","p256dh":"p"}}`)
	rec := f.do(http.MethodPost, "/api/push/subscriptions", token, body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	subs, err := f.store.PushSubscriptions("alice")
	require.NoError(t, err)
	require.Equal(t, []models.PushSubscription{{Endpoint: "https://push.example/abc", Auth: "a", P256dh: "p"}}, subs)

	rec = f.do(http.MethodPost, "/api/push/subscriptions", token, []byte(`{"endpoint":"not a url","keys":{"auth":"a","p256dh":"p"}}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/push/subscriptions", token, []byte(`{"endpoint":"https://push.example/x"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodDelete, "/api/push/subscriptions?endpoint="+url.QueryEscape("https://push.example/abc"), token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subs, err = f.store.PushSubscriptions("alice")
	require.NoError(t, err)
	require.Empty(t, subs)
}
