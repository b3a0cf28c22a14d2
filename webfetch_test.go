package webfetch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const utf8Page = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>tëst</title></head>
<body>héllo</body></html>`

func TestUnicodeDeclaredCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, utf8Page)
	}))
	defer srv.Close()

	r := New(srv.URL)
	text, err := r.Unicode()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(text, "<!DOCTYPE html"))
	assert.Contains(t, text, "héllo")
	assert.Empty(t, r.TriedEncodings())
}

func TestUnicodeMetaCharsetOnly(t *testing.T) {
	// No charset in the header, genuinely Latin-1 body announcing itself
	// via a meta tag. Step one is skipped, so nothing lands in the log.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<meta charset="iso-8859-1"><body>caf` + "\xe9" + `</body>`))
	}))
	defer srv.Close()

	r := New(srv.URL)
	text, err := r.Unicode()
	require.NoError(t, err)

	assert.Contains(t, text, "café")
	assert.Empty(t, r.TriedEncodings())
}

func TestUnicodeBadDeclaredCharset(t *testing.T) {
	// Declared ascii, non-ASCII bytes, no meta tag: the declared attempt
	// fails and the replacement fallback still produces text.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=ascii")
		w.Write([]byte("caf\xc3\xa9"))
	}))
	defer srv.Close()

	r := New(srv.URL)
	text, err := r.Unicode()
	require.NoError(t, err)

	assert.Equal(t, []string{"ascii"}, r.TriedEncodings())
	assert.Equal(t, "caf��", text)
}

func TestResponseIsDispatchedOnce(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	r := New(srv.URL)

	first, err := r.Response()
	require.NoError(t, err)
	second, err := r.Response()
	require.NoError(t, err)

	assert.Same(t, first, second)

	_, err = r.Unicode()
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestResponseCarriesRequestTrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	r := New(srv.URL, WithHeader("X-Probe", "yes"))
	r.SetHeader("User-Agent", "webfetch test")

	resp, err := r.Response()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.RequestHeader, "GET / HTTP/1.1\r\n"),
		"raw = %q", resp.RequestHeader)
	assert.True(t, strings.HasSuffix(resp.RequestHeader, "\r\n\r\n"))

	var names []string
	for _, f := range resp.RequestHeaders {
		names = append(names, f.Name)
	}
	// Host was never set by the caller but went out on the wire.
	assert.Contains(t, names, "Host")
	assert.Contains(t, names, "X-Probe")

	for _, f := range resp.RequestHeaders {
		if f.Name == "User-Agent" {
			assert.Equal(t, "webfetch test", f.Value)
		}
	}
}

func TestContentIsCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "body bytes")
	}))
	defer srv.Close()

	r := New(srv.URL)

	first, err := r.Content()
	require.NoError(t, err)
	assert.Equal(t, "body bytes", string(first))

	// The stream was consumed; repeated calls serve the cached bytes.
	second, err := r.Content()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", `text/html; charset="utf-8"`)
	}))
	defer srv.Close()

	r := New(srv.URL)

	mediaType, params, err := r.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "text/html", mediaType)
	assert.Equal(t, map[string]string{"charset": "utf-8"}, params)

	enc, err := r.EncodingFromContentType()
	require.NoError(t, err)
	assert.Equal(t, "utf-8", enc)
}

func TestContentTypeMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Suppress content sniffing so no Content-Type header is sent.
		w.Header()["Content-Type"] = nil
	}))
	defer srv.Close()

	r := New(srv.URL)

	mediaType, params, err := r.ContentType()
	require.NoError(t, err)
	assert.Empty(t, mediaType)
	assert.Empty(t, params)

	enc, err := r.EncodingFromContentType()
	require.NoError(t, err)
	assert.Empty(t, enc)
}

func TestEncodingsFromContent(t *testing.T) {
	body := []byte(`<meta charset="ascii"><meta charset=utf-8>`)
	assert.Equal(t, []string{"ascii", "utf-8"}, EncodingsFromContent(body))
}

func TestFetchErrorPropagates(t *testing.T) {
	r := New("http://127.0.0.1:0/", WithRetries(0), WithTimeout(time.Second))

	_, err := r.Unicode()
	require.Error(t, err)

	// The failure is cached like a success.
	_, err2 := r.Response()
	assert.Equal(t, err, err2)
}

func TestFollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			http.Redirect(w, r, "/final", http.StatusFound)
		case "/final":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			io.WriteString(w, "landed")
		}
	}))
	defer srv.Close()

	r := New(srv.URL + "/")
	text, err := r.Unicode()
	require.NoError(t, err)
	assert.Equal(t, "landed", text)

	resp, err := r.Response()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/final", resp.URL().Path)
}
