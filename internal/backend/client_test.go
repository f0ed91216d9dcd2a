package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, nil)
	c.SetAuthToken("tok")
	return c
}

func TestRequestWithoutToken(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if _, err := c.ListChats(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if called {
		t.Error("request reached the server without a token")
	}
}

func TestBearerHeader(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = io.WriteString(w, `[]`)
	})
	if _, err := c.ListChats(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestListChatsShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":"a"},{"id":"b"}]`, 2},
		{"data wrapper", `{"data":[{"id":"a"}]}`, 1},
		{"chats wrapper", `{"success":true,"chats":[{"_id":"a"},{"_id":"b"},{"_id":"c"}]}`, 3},
		{"empty body", ``, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/chat/user-chats" {
					t.Errorf("path = %s", r.URL.Path)
				}
				_, _ = io.WriteString(w, tt.body)
			})
			chats, err := c.ListChats(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(chats) != tt.want {
				t.Errorf("got %d chats, want %d", len(chats), tt.want)
			}
		})
	}
}

func TestListChatsRejectsNonJSON(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>gateway</html>`)
	})
	if _, err := c.ListChats(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestGetMessagesQueryAndNotFound(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "50" || q.Get("beforeMessageId") != "m9" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if r.URL.Path == "/chat/gone/messages" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"Chat not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"data":[{"id":"m1","content":"hi"}]}`)
	})

	page := PageOptions{Limit: 50, BeforeMessageID: "m9"}
	msgs, err := c.GetMessages(context.Background(), "c1", page)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0]["content"] != "hi" {
		t.Errorf("messages = %v", msgs)
	}

	_, err = c.GetMessages(context.Background(), "gone", page)
	if !errors.Is(err, ErrChatNotFound) {
		t.Errorf("err = %v, want ErrChatNotFound", err)
	}
}

func TestChatNotFoundInErrorBody(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"Chat not found"}`)
	})
	_, err := c.GetMessages(context.Background(), "c1", PageOptions{})
	if !errors.Is(err, ErrChatNotFound) {
		t.Errorf("err = %v, want ErrChatNotFound", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, func(err error) bool { return errors.Is(err, ErrUnauthorized) }},
		{http.StatusInternalServerError, func(err error) bool {
			var he *HTTPError
			return errors.As(err, &he) && he.Status == 500
		}},
	}
	for _, tt := range tests {
		c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = io.WriteString(w, `{"error":"nope"}`)
		})
		if _, err := c.ListChats(context.Background()); !tt.check(err) {
			t.Errorf("status %d: unexpected err %v", tt.status, err)
		}
	}
}

func TestSendMessage(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/c1/messages" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body OutgoingMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body.Content != "hello" || body.MessageType != "text" {
			t.Errorf("body = %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"data":{"_id":"s1","content":"hello"}}`)
	})

	rec, err := c.SendMessage(context.Background(), "c1", OutgoingMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if rec["_id"] != "s1" {
		t.Errorf("record = %v", rec)
	}
}

func TestCreateAndDeleteChat(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/chat/create":
			var body NewChat
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Type != "group" || len(body.Participants) != 2 {
				t.Errorf("body = %+v", body)
			}
			_, _ = io.WriteString(w, `{"id":"c9","type":"group","name":"Team"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/chat/c9":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	rec, err := c.CreateChat(ctx, NewChat{Type: "group", Name: "Team", Participants: []string{"u1", "u2"}})
	if err != nil {
		t.Fatal(err)
	}
	if rec["id"] != "c9" {
		t.Errorf("record = %v", rec)
	}
	if err := c.DeleteChat(ctx, "c9"); err != nil {
		t.Errorf("DeleteChat() = %v", err)
	}
	if err := c.DeleteChat(ctx, "other"); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("DeleteChat(other) = %v, want ErrChatNotFound", err)
	}
}
