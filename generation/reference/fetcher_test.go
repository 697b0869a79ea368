package reference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/meshforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000fake-png-body")

func newServer(t *testing.T, page string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /img.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	})
	mux.HandleFunc("GET /raw", func(w http.ResponseWriter, r *http.Request) {
		// 无 Content-Type 时按内容嗅探
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngBytes)
	})
	mux.HandleFunc("GET /page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	mux.HandleFunc("GET /big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	})
	mux.HandleFunc("GET /json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_DirectImage(t *testing.T) {
	srv := newServer(t, "")
	f := NewFetcher(WithHTTPClient(srv.Client()))

	ref, err := f.Fetch(context.Background(), srv.URL+"/img.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ref.MIMEType)
	assert.Equal(t, pngBytes, ref.Data)

	ref, err = f.Fetch(context.Background(), srv.URL+"/raw")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ref.MIMEType)
}

func TestFetch_ResolvesPageImage(t *testing.T) {
	page := `<html><head>
<meta name="twitter:image" content="/other.png">
<meta property="og:image" content="/img.png">
</head><body><img src="/first.png"></body></html>`
	srv := newServer(t, page)
	f := NewFetcher(WithHTTPClient(srv.Client()))

	uri, err := f.FetchDataURI(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	ref, err := DecodeDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, ref.Data)
}

func TestFetch_Errors(t *testing.T) {
	srv := newServer(t, `<html><body><p>nothing here</p></body></html>`)
	f := NewFetcher(WithHTTPClient(srv.Client()), WithMaxBytes(1024))
	ctx := context.Background()

	tests := []struct {
		name string
		url  string
		code types.ErrorCode
	}{
		{"not http", "ftp://example.com/a.png", types.ErrInvalidRequest},
		{"no host", "https:///a.png", types.ErrInvalidRequest},
		{"404", srv.URL + "/missing", types.ErrReferenceFetchFailed},
		{"too large", srv.URL + "/big", types.ErrReferenceFetchFailed},
		{"no image on page", srv.URL + "/page", types.ErrReferenceFetchFailed},
		{"unsupported type", srv.URL + "/json", types.ErrReferenceFetchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(ctx, tt.url)
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
}

func TestExtractImageURL_Precedence(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
		ok   bool
	}{
		{"og wins", `<meta property="og:image" content="a.png"><meta name="twitter:image" content="b.png"><img src="c.png">`, "a.png", true},
		{"twitter before img", `<img src="c.png"><meta name="twitter:image" content="b.png">`, "b.png", true},
		{"first img", `<img src=""><img src="c.png"><img src="d.png">`, "c.png", true},
		{"empty og skipped", `<meta property="og:image" content=" "><img src="c.png">`, "c.png", true},
		{"none", `<p>hi</p>`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractImageURL(strings.NewReader(tt.page))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeDataURI_Invalid(t *testing.T) {
	for _, uri := range []string{
		"http://x",
		"data:image/png,plain",
		"data:text/plain;base64,aGk=",
		"data:image/png;base64,@@@",
	} {
		_, err := DecodeDataURI(uri)
		assert.Error(t, err, uri)
	}
}
