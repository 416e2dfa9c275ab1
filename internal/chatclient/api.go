package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"erpchat/internal/models"
)

// TokenSource returns the credential to present, or "" when there is none.
// It is consulted on every request and every (re)connect.
type TokenSource func() string

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// Upload is a file attached to an outgoing message.
type Upload struct {
	Name        string
	ContentType string
	Body        io.Reader
}

type apiClient struct {
	base  *url.URL
	http  *http.Client
	token TokenSource
}

func newAPIClient(baseURL string, httpClient *http.Client, token TokenSource) (*apiClient, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &apiClient{base: base, http: httpClient, token: token}, nil
}

func (c *apiClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

// do performs the request and decodes a 2xx JSON body into out. Any other
// status becomes an *APIError.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, nil, body, "application/json", out)
}

func (c *apiClient) conversations(ctx context.Context) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, "", &conversations)
	return conversations, err
}

func (c *apiClient) messages(ctx context.Context, peer models.UserID, limit int) ([]*models.Message, error) {
	query := url.Values{"peer": {string(peer)}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var messages []*models.Message
	err := c.do(ctx, http.MethodGet, "/api/messages", query, nil, "", &messages)
	return messages, err
}

func (c *apiClient) sendMessage(ctx context.Context, to models.UserID, content string, upload *Upload) (*models.Message, error) {
	var msg models.Message
	if upload == nil {
		err := c.doJSON(ctx, http.MethodPost, "/api/messages", models.SendMessageRequest{Recipient: to, Content: content}, &msg)
		return &msg, err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	form.WriteField("recipient", string(to))
	form.WriteField("content", content)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, upload.Name))
	if upload.ContentType != "" {
		header.Set("Content-Type", upload.ContentType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, upload.Body); err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	err = c.do(ctx, http.MethodPost, "/api/messages", nil, &body, form.FormDataContentType(), &msg)
	return &msg, err
}

func (c *apiClient) deleteMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, nil, "", &msg)
	return &msg, err
}

func (c *apiClient) markRead(ctx context.Context, peer models.UserID) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(string(peer))+"/read", nil, nil, "", nil)
}

// Register creates an account on the chat server at baseURL.
func Register(ctx context.Context, httpClient *http.Client, baseURL string, req models.RegisterRequest) (*models.User, error) {
	c, err := newAPIClient(baseURL, httpClient, nil)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/register", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login exchanges a username and password for a token.
func Login(ctx context.Context, httpClient *http.Client, baseURL, username, password string) (*models.LoginResponse, error) {
	c, err := newAPIClient(baseURL, httpClient, nil)
	if err != nil {
		return nil, err
	}
	var resp models.LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", models.LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchUsers lists users matching query, or every other user when query is
// empty.
func SearchUsers(ctx context.Context, httpClient *http.Client, baseURL string, token TokenSource, query string) ([]models.PeerSummary, error) {
	c, err := newAPIClient(baseURL, httpClient, token)
	if err != nil {
		return nil, err
	}
	var users []models.PeerSummary
	err = c.do(ctx, http.MethodGet, "/api/users", url.Values{"search": {query}}, nil, "", &users)
	return users, err
}
