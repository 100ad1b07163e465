package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(newContext("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(newContext("/?limit=25&offset=10"))

	if p.Limit != 25 {
		t.Errorf("expected limit 25, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	p := FromContext(newContext("/?limit=100000&offset=-4"))

	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected negative offset clamped to 0, got %d", p.Offset)
	}
}

func TestFromContext_InvalidLimit(t *testing.T) {
	p := FromContext(newContext("/?limit=abc"))
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit for garbage input, got %d", p.Limit)
	}
}

func TestNewResponse(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		params  Params
		hasMore bool
	}{
		{"first page of many", 120, Params{Limit: 50, Offset: 0}, true},
		{"exact last page", 100, Params{Limit: 50, Offset: 50}, false},
		{"empty", 0, Params{Limit: 50}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResponse([]string{}, tt.total, tt.params)
			if r.HasMore != tt.hasMore {
				t.Errorf("HasMore = %v, want %v", r.HasMore, tt.hasMore)
			}
			if r.Limit != tt.params.Limit || r.Offset != tt.params.Offset {
				t.Errorf("unexpected limit/offset %d/%d", r.Limit, r.Offset)
			}
		})
	}
}

func TestResponse_WithNext(t *testing.T) {
	u, _ := url.Parse("/api/v1/sync/conflicts?resolved=false&limit=10&offset=0")

	r := NewResponse(nil, 25, Params{Limit: 10, Offset: 0}).WithNext(u)
	want := "/api/v1/sync/conflicts?limit=10&offset=10&resolved=false"
	if r.Next != want {
		t.Errorf("Next = %q, want %q", r.Next, want)
	}

	last := NewResponse(nil, 25, Params{Limit: 10, Offset: 20}).WithNext(u)
	if last.Next != "" {
		t.Errorf("expected no next link on last page, got %q", last.Next)
	}
}
