package acumatica

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
)

const defaultEndpointPath = "entity/Default/20.200.001"

// Client is the raw HTTP layer against the ERP. Session handling lives in
// SessionManager; Client only knows how to log in, log out, and issue
// cookie-authenticated requests.
type Client struct {
	httpClient   *http.Client
	endpointPath string
}

func NewClient() *Client {
	endpointPath := strings.Trim(strings.TrimSpace(os.Getenv("ACUMATICA_ENDPOINT_PATH")), "/")
	if endpointPath == "" {
		endpointPath = defaultEndpointPath
	}
	timeout := 60 * time.Second
	if v := strings.TrimSpace(os.Getenv("ACUMATICA_HTTP_TIMEOUT_SECONDS")); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
			timeout = d
		}
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		endpointPath: endpointPath,
	}
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Company  string `json:"company,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// Login authenticates against the ERP and returns the session cookie pair
// ("name=value"). A non-2xx response or a cookieless 2xx is an
// AuthenticationError carrying the ERP's raw answer.
func (c *Client) Login(ctx context.Context, cred *models.AcumaticaCredential) (string, error) {
	payload, _ := json.Marshal(loginRequest{
		Name:     cred.Username,
		Password: cred.Password,
		Company:  cred.Company,
		Branch:   cred.Branch,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cred.Host, "/")+"/entity/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ExternalError{Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBodyCapped(resp)
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Body: body}
	}

	cookie := extractSessionCookie(resp.Header.Values("Set-Cookie"))
	if cookie == "" {
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Body: "login response contained no session cookie"}
	}
	return cookie, nil
}

// Logout tells the ERP to release the session slot behind a cookie.
func (c *Client) Logout(ctx context.Context, host string, cookie string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(host, "/")+"/entity/auth/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ExternalError{StatusCode: resp.StatusCode, Body: readBodyCapped(resp)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, rawURL string, cookie string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ExternalError{Body: err.Error()}
	}
	return resp, nil
}

// entityURL builds {host}/{endpointPath}/{entity}[/{keys...}]?{params}.
func (c *Client) entityURL(host string, entity string, keys []string, params url.Values) string {
	u := strings.TrimRight(host, "/") + "/" + c.endpointPath + "/" + entity
	for _, key := range keys {
		u += "/" + url.PathEscape(key)
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// extractSessionCookie picks the session cookie out of the login response.
// Some ERP builds join multiple cookies into one comma-separated Set-Cookie
// header, so each header is split defensively. The ASP.NET session /
// application-affinity cookie wins; otherwise the first cookie does.
func extractSessionCookie(setCookies []string) string {
	var pairs []string
	for _, header := range setCookies {
		for _, part := range strings.Split(header, ",") {
			seg := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
			eq := strings.Index(seg, "=")
			if eq <= 0 {
				continue
			}
			name := seg[:eq]
			if strings.ContainsAny(name, " \t") || isCookieAttribute(name) {
				continue
			}
			pairs = append(pairs, seg)
		}
	}
	if len(pairs) == 0 {
		return ""
	}
	for _, pair := range pairs {
		name := strings.ToLower(pair[:strings.Index(pair, "=")])
		if strings.HasPrefix(name, "asp.net") || strings.Contains(name, "aspxauth") || strings.Contains(name, "affinity") {
			return pair
		}
	}
	return pairs[0]
}

func isCookieAttribute(name string) bool {
	switch strings.ToLower(name) {
	case "expires", "max-age", "domain", "path", "samesite", "secure", "httponly":
		return true
	}
	return false
}

func readBodyCapped(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return strings.TrimSpace(string(body))
}
