package github_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/gt"

	githubinfra "github.com/m-mizutani/flakewatch/pkg/infra/github"
)

func newPrivateKey(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	gt.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func newServer(t *testing.T, comments *[]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/2/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"installation-token","expires_at":"2099-01-01T00:00:00Z"}`))
	})
	mux.HandleFunc("GET /repos/octo/repo/pulls/7/commits", func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.Header.Get("Authorization"), "token installation-token")
		gt.Equal(t, r.URL.Query().Get("per_page"), "1")
		_, _ = w.Write([]byte(`[{"sha":"abc","commit":{"author":{"date":"2024-02-28T10:00:00Z"}}}]`))
	})
	mux.HandleFunc("POST /repos/octo/repo/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		gt.NoError(t, err)
		var comment github.IssueComment
		gt.NoError(t, json.Unmarshal(raw, &comment))
		*comments = append(*comments, comment.GetBody())
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestClient(t *testing.T) {
	var comments []string
	server := newServer(t, &comments)
	ctx := context.Background()

	client, err := githubinfra.NewClient(1, 2, newPrivateKey(t), githubinfra.WithBaseURL(server.URL))
	gt.NoError(t, err)

	t.Run("list pull request commits", func(t *testing.T) {
		commits, _, err := client.ListPullRequestCommits(ctx, "octo", "repo", 7, &github.ListOptions{PerPage: 1})
		gt.NoError(t, err)
		gt.A(t, commits).Length(1)
		gt.Equal(t, commits[0].GetCommit().GetAuthor().GetDate().Year(), 2024)
	})

	t.Run("create comment", func(t *testing.T) {
		body := "hello"
		_, _, err := client.CreateComment(ctx, "octo", "repo", 7, &github.IssueComment{Body: &body})
		gt.NoError(t, err)
		gt.A(t, comments).Length(1)
		gt.Equal(t, comments[0], "hello")
	})

	t.Run("API error is wrapped", func(t *testing.T) {
		_, _, err := client.ListPullRequestCommits(ctx, "octo", "repo", 8, nil)
		gt.Error(t, err)
	})
}

func TestNewClient_InvalidKey(t *testing.T) {
	_, err := githubinfra.NewClient(1, 2, []byte("not a key"))
	gt.Error(t, err)
}

func TestClient_WithRealAPI(t *testing.T) {
	appID := os.Getenv("TEST_GITHUB_APP_ID")
	installationID := os.Getenv("TEST_GITHUB_INSTALLATION_ID")
	privateKey := os.Getenv("TEST_GITHUB_PRIVATE_KEY")
	owner := os.Getenv("TEST_GITHUB_OWNER")
	repo := os.Getenv("TEST_GITHUB_REPO")
	number := os.Getenv("TEST_GITHUB_PULL_REQUEST")

	if appID == "" || installationID == "" || privateKey == "" || owner == "" || repo == "" || number == "" {
		t.Skip("Test GitHub App credentials not provided via environment variables")
	}

	appIDInt, err := strconv.ParseInt(appID, 10, 64)
	gt.NoError(t, err)
	installationIDInt, err := strconv.ParseInt(installationID, 10, 64)
	gt.NoError(t, err)
	numberInt, err := strconv.Atoi(number)
	gt.NoError(t, err)

	client, err := githubinfra.NewClient(appIDInt, installationIDInt, []byte(privateKey))
	gt.NoError(t, err)

	commits, _, err := client.ListPullRequestCommits(context.Background(), owner, repo, numberInt, &github.ListOptions{PerPage: 1})
	gt.NoError(t, err)
	gt.True(t, len(commits) > 0)
}
