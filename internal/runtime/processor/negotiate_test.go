package processor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/pictura/internal/runtime/task"
)

func webpCapable(format string) bool { return format == "webp" || format == "jpeg" }

func TestNegotiatorAutoFormat(t *testing.T) {
	n := &Negotiator{AutoFormat: true, CanEncode: webpCapable}

	req := httptest.NewRequest(http.MethodGet, "/img/lenna.jpg", nil)
	req.Header.Set("Accept", "image/avif,image/webp,*/*")
	require.Equal(t, "/img/lenna.jpg#o=72;f=webp", task.AppendDimensions(task.RequestKey(req), n.Dimensions(req)))

	req = httptest.NewRequest(http.MethodGet, "/img/lenna.jpg?q=50", nil)
	req.Header.Set("Accept", "image/webp")
	require.Equal(t, "/img/lenna.jpg?q=50#o=45;f=webp", task.AppendDimensions(task.RequestKey(req), n.Dimensions(req)))

	explicit := httptest.NewRequest(http.MethodGet, "/img/lenna.jpg?f=png", nil)
	explicit.Header.Set("Accept", "image/webp")
	require.Empty(t, n.Dimensions(explicit))

	jp2 := httptest.NewRequest(http.MethodGet, "/img/lenna.jpg", nil)
	jp2.Header.Set("Accept", "image/jp2")
	require.Empty(t, n.Dimensions(jp2), "jp2 is not writable")

	params := Params{}
	header := make(http.Header)
	n.Apply(req, &params, header)
	require.Equal(t, "webp", params.Format)
	require.Equal(t, 45, params.Quality)
	require.Equal(t, "Accept", header.Get("Vary"))
}

func TestNegotiatorClientHints(t *testing.T) {
	n := &Negotiator{ClientHints: true}

	req := httptest.NewRequest(http.MethodGet, "/img/lenna.jpg", nil)
	req.Header.Set("Sec-CH-Width", "1920")
	req.Header.Set("Sec-CH-DPR", "1.5")
	require.Equal(t, "/img/lenna.jpg#sw=1920;dpr=1.5", task.AppendDimensions(task.RequestKey(req), n.Dimensions(req)))

	params := Params{}
	header := make(http.Header)
	n.Apply(req, &params, header)
	require.Equal(t, 1920, params.Width)
	require.Equal(t, 1.5, params.DPR)
	require.Equal(t, "1.5", header.Get("Content-DPR"))
	require.ElementsMatch(t, []string{"Sec-CH-Width", "Sec-CH-DPR"}, header.Values("Vary"))

	cookie := httptest.NewRequest(http.MethodGet, "/img/lenna.jpg", nil)
	cookie.AddCookie(&http.Cookie{Name: HintCookie, Value: "dpr=1.2,dw=1280,dh=925"})
	require.Equal(t, "/img/lenna.jpg#sw=1280;dpr=1.2", task.AppendDimensions(task.RequestKey(cookie), n.Dimensions(cookie)))

	header = make(http.Header)
	n.Apply(cookie, &Params{}, header)
	require.Equal(t, []string{"Cookie"}, header.Values("Vary"))

	sized := httptest.NewRequest(http.MethodGet, "/img/lenna.jpg?w=300", nil)
	sized.Header.Set("Sec-CH-Width", "1920")
	require.Empty(t, n.Dimensions(sized))
}

func TestNegotiatorDisabled(t *testing.T) {
	var n *Negotiator
	require.Nil(t, n.DimensionFunc())
	require.Nil(t, (&Negotiator{}).DimensionFunc())

	req := httptest.NewRequest(http.MethodGet, "/img/a.png", nil)
	req.Header.Set("Accept", "image/webp")
	p := Params{Width: 10}
	n.Apply(req, &p, make(http.Header))
	require.Equal(t, Params{Width: 10}, p)
}
