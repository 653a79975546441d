package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(target string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"/", DefaultLimit, 0},
		{"/?limit=50&offset=10", 50, 10},
		{"/?limit=500", MaxLimit, 0},
		{"/?limit=-4&offset=-1", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			p := paramsFor(tt.target)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got %+v, want limit=%d offset=%d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 10, Params{Limit: 2, Offset: 0})
	if resp.Total != 10 || resp.Limit != 2 || resp.Offset != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected HasMore")
	}
	if NewResponse(nil, 4, Params{Limit: 2, Offset: 2}).HasMore {
		t.Error("last page must not report HasMore")
	}
}

func TestResponse_WithLinks(t *testing.T) {
	u, _ := url.Parse("/api/v1/patients?status=ActivePD&limit=10&offset=10")

	resp := NewResponse(nil, 35, Params{Limit: 10, Offset: 10}).WithLinks(u)
	if got := resp.Links["self"]; got != "/api/v1/patients?limit=10&offset=10&status=ActivePD" {
		t.Errorf("self = %q", got)
	}
	if got := resp.Links["next"]; got != "/api/v1/patients?limit=10&offset=20&status=ActivePD" {
		t.Errorf("next = %q", got)
	}
	if got := resp.Links["previous"]; got != "/api/v1/patients?limit=10&offset=0&status=ActivePD" {
		t.Errorf("previous = %q", got)
	}

	first := NewResponse(nil, 5, Params{Limit: 10}).WithLinks(u)
	if _, ok := first.Links["next"]; ok {
		t.Error("single page must not have next")
	}
	if _, ok := first.Links["previous"]; ok {
		t.Error("first page must not have previous")
	}
}

func TestParams_Window(t *testing.T) {
	tests := []struct {
		p          Params
		n          int
		start, end int
	}{
		{Params{Limit: 10, Offset: 0}, 25, 0, 10},
		{Params{Limit: 10, Offset: 20}, 25, 20, 25},
		{Params{Limit: 10, Offset: 40}, 25, 25, 25},
		{Params{Limit: 10, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		s, e := tt.p.Window(tt.n)
		if s != tt.start || e != tt.end {
			t.Errorf("%+v.Window(%d) = [%d,%d), want [%d,%d)", tt.p, tt.n, s, e, tt.start, tt.end)
		}
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if p.NextOffset() != 15 {
		t.Errorf("NextOffset = %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset = %d", p.PreviousOffset())
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("HasPrevious mismatch")
	}
	if !p.HasNext(16) || p.HasNext(15) {
		t.Error("HasNext mismatch")
	}
}
