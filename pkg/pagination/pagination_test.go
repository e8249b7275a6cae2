package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithQuery(q string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/entries"+q, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextWithQuery(""))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_Values(t *testing.T) {
	p := FromContext(contextWithQuery("?limit=5&offset=10"))
	if p.Limit != 5 || p.Offset != 10 {
		t.Errorf("expected limit 5 offset 10, got %+v", p)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	p := FromContext(contextWithQuery("?limit=1000&offset=-3"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	r := Page(items, Params{Limit: 2, Offset: 2})
	if len(r.Data) != 2 || r.Data[0] != 3 || r.Data[1] != 4 {
		t.Errorf("unexpected page %v", r.Data)
	}
	if r.Total != 5 || !r.HasMore {
		t.Errorf("expected total 5 with more, got %+v", r)
	}

	r = Page(items, Params{Limit: 2, Offset: 4})
	if len(r.Data) != 1 || r.HasMore {
		t.Errorf("expected last page of 1, got %+v", r)
	}

	r = Page(items, Params{Limit: 2, Offset: 50})
	if r.Data == nil || len(r.Data) != 0 {
		t.Errorf("expected empty non-nil page, got %#v", r.Data)
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 20}
	if !p.HasNext(31) || p.HasNext(30) {
		t.Error("unexpected HasNext result")
	}
	if p.NextOffset() != 30 {
		t.Errorf("expected next offset 30, got %d", p.NextOffset())
	}
}
