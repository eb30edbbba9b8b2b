package ports

import "net/http"

// HTTPClient is the part of *http.Client the terminal adapter uses,
// so tests can substitute canned gateway replies
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}
