package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
)

func newTestClient(t *testing.T, handler http.Handler) (*GraphClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewGraphClient(&config.SourceConfig{
		BaseURL:        server.URL,
		PageToken:      "page-token",
		UserToken:      "user-token",
		GroupToken:     "group-token",
		RequestTimeout: 2 * time.Second,
		RequestsPerSec: 1000,
	})
	return client, server
}

func TestGraphClientParseInput(t *testing.T) {
	client := NewGraphClient(&config.SourceConfig{RequestsPerSec: 1000})
	ctx := context.Background()

	tests := []struct {
		name  string
		input string
		want  ParsedInput
	}{
		{
			name:  "group post url",
			input: "https://social.example.com/groups/111222/posts/333444/",
			want:  ParsedInput{ItemID: "111222_333444", IsGroup: true, ContainerID: "111222"},
		},
		{
			name:  "group permalink url",
			input: "https://social.example.com/groups/555/permalink/666",
			want:  ParsedInput{ItemID: "555_666", IsGroup: true, ContainerID: "555"},
		},
		{
			name:  "page post url",
			input: "https://social.example.com/somepage/posts/987654",
			want:  ParsedInput{ItemID: "987654", ContainerID: "somepage"},
		},
		{
			name:  "bare page link",
			input: "https://social.example.com/somepage",
			want:  ParsedInput{ContainerID: "somepage"},
		},
		{
			name:  "composite id",
			input: "123_456",
			want:  ParsedInput{ItemID: "123_456", ContainerID: "123"},
		},
		{
			name:  "bare identifier",
			input: "somepage",
			want:  ParsedInput{ItemID: "somepage", ContainerID: "somepage"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.ParseInput(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}

	_, err := client.ParseInput(ctx, "   ")
	require.Error(t, err)
}

func TestGraphClientListComments(t *testing.T) {
	var gotToken, gotAfter string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("access_token")
		gotAfter = r.URL.Query().Get("after")
		fmt.Fprint(w, `{
			"data": [{"id": "c1", "from": {"id": "u1", "name": "Alice"}}],
			"paging": {"next": "https://graph.example.com/123/comments?after=tok2"}
		}`)
	}))

	page, err := client.ListComments(context.Background(), "123_456", false, PageParams{"after": "tok1"})
	require.NoError(t, err)
	require.Len(t, page.Comments, 1)

	assert.Equal(t, "page-token", gotToken)
	assert.Equal(t, "tok1", gotAfter)
	assert.Equal(t, "u1", page.Comments[0].AuthorID)
	assert.Equal(t, "tok2", page.Paging.Cursor())
}

func TestGraphClientGroupUsesGroupToken(t *testing.T) {
	var gotToken string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("access_token")
		fmt.Fprint(w, `{"data": []}`)
	}))

	_, err := client.ListComments(context.Background(), "111_222", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "group-token", gotToken)
}

func TestGraphClientAuthErrorClassified(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "Invalid OAuth access token", "type": "OAuthException", "code": 190}}`)
	}))

	_, err := client.ListFeed(context.Background(), "page1", VariantPage, nil)
	require.Error(t, err)
	assert.True(t, harvesterrors.IsAuthVariant(err))
}

func TestGraphClientHTTPErrorWithoutEnvelope(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{}`)
	}))

	_, err := client.GetProfile(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, harvesterrors.CategoryUpstream, harvesterrors.CategoryOf(err))
}

func TestGraphClientTimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(server.Close)

	client := NewGraphClient(&config.SourceConfig{
		BaseURL:        server.URL,
		RequestTimeout: 50 * time.Millisecond,
		RequestsPerSec: 1000,
	})

	_, err := client.GetProfile(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, harvesterrors.IsTransient(err))
}

func TestGraphClientGetObjectDetails(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "page1", "name": "Acme Page"}`)
	}))

	details, err := client.GetObjectDetails(context.Background(), "page1", VariantUser)
	require.NoError(t, err)
	assert.Equal(t, "page1", details.ID)
	assert.Equal(t, "Acme Page", details.Name)
}
