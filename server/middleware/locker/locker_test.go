package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/scopesrv/generichttp"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestLockBouncesWrites(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	rt := table{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/run"}:   ok,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}: ok,
	}
	l := New()
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)

	send := func(method, path, body string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec.Code
	}
	if code := send(http.MethodPost, "/run", ""); code != http.StatusOK {
		t.Errorf("unlocked: expected 200, got %d", code)
	}
	if code := send(http.MethodPost, "/lock", `{"bool": true}`); code != http.StatusOK {
		t.Fatalf("lock: expected 200, got %d", code)
	}
	if !l.Locked() {
		t.Fatal("expected the locker to be locked")
	}
	if code := send(http.MethodPost, "/run", ""); code != http.StatusLocked {
		t.Errorf("locked: expected 423, got %d", code)
	}
	if code := send(http.MethodGet, "/status", ""); code != http.StatusOK {
		t.Errorf("reads pass a lock, got %d", code)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lock", nil))
	if strings.TrimSpace(rec.Body.String()) != `{"bool":true}` {
		t.Errorf("unexpected lock state %q", rec.Body.String())
	}

	if code := send(http.MethodPost, "/lock", `{"bool": false}`); code != http.StatusOK {
		t.Fatalf("unlock: expected 200, got %d", code)
	}
	if code := send(http.MethodPost, "/run", ""); code != http.StatusOK {
		t.Errorf("unlocked again: expected 200, got %d", code)
	}
}
