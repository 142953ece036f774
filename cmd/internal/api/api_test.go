package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/attia12/stage-mouna/cmd/internal/notify"
)

func TestAuthClient_Login(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/auth/login" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var cr Credentials
		_ = json.NewDecoder(r.Body).Decode(&cr)
		if cr.Password != "Passw0rd!" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"Bad credentials"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"acc","refresh_token":"ref"}`)
	}))
	defer srv.Close()

	c := NewAuthClient(srv.URL+"/api/v1/", srv.Client())

	pair, err := c.Login(context.Background(), Credentials{Email: "a@b.c", Password: "Passw0rd!"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken != "acc" || pair.RefreshToken != "ref" {
		t.Fatalf("pair=%+v", pair)
	}

	_, err = c.Login(context.Background(), Credentials{Email: "a@b.c", Password: "nope"})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized || se.Message != "Bad credentials" {
		t.Fatalf("want 401 StatusError, got %v", err)
	}
}

func TestAuthClient_RefreshSendsBearer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer rt-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"new-access"}`)
	}))
	defer srv.Close()

	pair, err := NewAuthClient(srv.URL, nil).Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken != "new-access" || pair.RefreshToken != "" {
		t.Fatalf("pair=%+v", pair)
	}
}

func TestStatusErrorShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		body     string
		wantCode string
		wantMsg  string
	}{
		{body: `{"error":{"code":"duplicate_email","message":"taken"}}`, wantCode: "duplicate_email", wantMsg: "taken"},
		{body: `{"message":"Email already exists","error":"Conflict"}`, wantCode: "Conflict", wantMsg: "Email already exists"},
		{body: `plain text`, wantMsg: "plain text"},
	}
	for _, tc := range cases {
		se := decodeStatusError(409, []byte(tc.body))
		if se.Code != tc.wantCode || se.Message != tc.wantMsg {
			t.Fatalf("%s: got code=%q msg=%q", tc.body, se.Code, se.Message)
		}
	}
	if !(&StatusError{Status: 503}).Temporary() || (&StatusError{Status: 401}).Temporary() {
		t.Fatalf("Temporary classification wrong")
	}
}

func TestClient_Notifications(t *testing.T) {
	t.Parallel()

	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /notifications", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"content":[{"id":"n1","type":"ALERT","priority":"URGENT","message":"Panne machine 3","status":"UNREAD","createdAt":"2024-05-01T10:00:00Z","sentBySystem":true,"creatorName":"system"}],"totalElements":1,"totalPages":1,"size":20,"number":0,"first":true,"last":true,"empty":false}`)
	})
	mux.HandleFunc("PUT /notifications/n1/read", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"n1","status":"READ"}`)
	})
	mux.HandleFunc("PUT /notifications/mark-all-read", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /notifications/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"totalNotifications":3,"unreadCount":2,"readCount":1,"urgentUnreadCount":1}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	page, err := c.ListNotifications(ctx, notify.Filter{
		Status:    notify.StatusUnread,
		Priority:  notify.PriorityUrgent,
		StartDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Size:      20,
	})
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(page.Content) != 1 || page.Content[0].Priority != notify.PriorityUrgent || !page.First {
		t.Fatalf("page=%+v", page)
	}
	if gotQuery != "priority=URGENT&size=20&startDate=2024-05-01T00%3A00%3A00Z&status=UNREAD" {
		t.Fatalf("query=%s", gotQuery)
	}

	n, err := c.MarkRead(ctx, "n1")
	if err != nil || n.Status != notify.StatusRead {
		t.Fatalf("MarkRead=%+v,%v", n, err)
	}
	if err := c.MarkAllRead(ctx); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	st, err := c.Stats(ctx)
	if err != nil || st.UnreadCount != 2 || st.UrgentUnreadCount != 1 {
		t.Fatalf("Stats=%+v,%v", st, err)
	}
}

func TestRegistrationValidate(t *testing.T) {
	t.Parallel()

	ok := Registration{
		FirstName: "Mouna", LastName: "Attia", Email: "mouna@example.test",
		PhoneNumber: "+21655123456", Password: "Passw0rd!", ConfirmPassword: "Passw0rd!",
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid registration rejected: %v", err)
	}

	cases := map[string]func(r *Registration){
		"firstName":       func(r *Registration) { r.FirstName = " " },
		"lastName":        func(r *Registration) { r.LastName = string(make([]byte, 51)) },
		"email":           func(r *Registration) { r.Email = "not-an-email" },
		"phoneNumber":     func(r *Registration) { r.PhoneNumber = "0123" },
		"password":        func(r *Registration) { r.Password, r.ConfirmPassword = "password", "password" },
		"confirmPassword": func(r *Registration) { r.ConfirmPassword = "Passw0rd?" },
	}
	for field, mutate := range cases {
		r := ok
		mutate(&r)
		err := r.Validate()
		var fe *FieldError
		if !errors.As(err, &fe) || fe.Field != field || !errors.Is(err, ErrInvalidRegistration) {
			t.Fatalf("%s: got %v", field, err)
		}
	}
}
