// Package climate is a client for the temperature / humidity cloud platform
// the M20 environment sensors report to.
package climate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL  = "https://www.0531yun.com"
	DefaultTimeout  = 10 * time.Second
	DefaultAttempts = 3
)

var ErrNoToken = errors.New("no token, call GetToken first")

// APIError is returned when the platform answers with a code other than success
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v : error %d: %s", e.Endpoint, e.Code, e.Message)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Requests failing at the transport level or with a 5xx status are retried
	Attempts   uint
	RetryDelay time.Duration
	logger     log.FieldLogger
	token      string
}

type statusError struct {
	endpoint string
	status   string
	code     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("requesting %v : http status %v", e.endpoint, e.status)
}

func retryable(err error) bool {
	var apiErr *APIError
	var statusErr *statusError
	switch {
	case errors.As(err, &apiErr), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &statusErr):
		return statusErr.code >= http.StatusInternalServerError
	}
	return true
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Attempts:   DefaultAttempts,
		RetryDelay: 500 * time.Millisecond,
		logger:     log.WithField("component", "climate"),
	}
}

func (client *Client) Token() string {
	return client.token
}

// SetToken reuses a token obtained earlier
func (client *Client) SetToken(token string) {
	client.token = token
}

// Do a GET request and decode the data field of the envelope into out
func (client *Client) get(ctx context.Context, endpoint string, params url.Values, auth bool, out any) error {
	if auth && client.token == "" {
		return ErrNoToken
	}
	uri := client.BaseURL + endpoint
	if len(params) > 0 {
		uri += "?" + params.Encode()
	}
	var data json.RawMessage
	err := retry.Do(func() error {
		var err error
		data, err = client.do(ctx, endpoint, uri, auth)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(client.Attempts),
		retry.Delay(client.RetryDelay),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			client.logger.Warnf("[CLIMATE] retry #%d : %v", n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decoding %v data", endpoint)
}

// Single request, returns the data field of a successful envelope
func (client *Client) do(ctx context.Context, endpoint string, uri string, auth bool) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "creating request %v", endpoint)
	}
	if auth {
		req.Header.Set("Authorization", client.token)
	}
	httpResponse, err := client.HTTPClient.Do(req)
	if err != nil {
		client.logger.Errorf("[CLIMATE] http request errored : %v", err)
		return nil, errors.Wrapf(err, "requesting %v", endpoint)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return nil, &statusError{endpoint: endpoint, status: httpResponse.Status, code: httpResponse.StatusCode}
	}
	rsp := new(envelope)
	if err := json.NewDecoder(httpResponse.Body).Decode(rsp); err != nil {
		client.logger.Errorf("[CLIMATE] error decoding json response : %v", err)
		return nil, errors.Wrapf(err, "decoding %v response", endpoint)
	}
	if rsp.Code != codeSuccess {
		err := &APIError{Endpoint: endpoint, Code: rsp.Code, Message: rsp.Message}
		client.logger.Warnf("[CLIMATE] request resulted in error from server : %v", err)
		return nil, err
	}
	return rsp.Data, nil
}

// GetToken logs in and keeps the token for the following requests
func (client *Client) GetToken(ctx context.Context, login string, password string) (*Token, error) {
	params := url.Values{}
	params.Set("loginName", login)
	params.Set("password", password)
	token := new(Token)
	if err := client.get(ctx, "/api/getToken/", params, false, token); err != nil {
		return nil, err
	}
	client.token = token.Token
	client.logger.Debugf("[CLIMATE] token obtained, expires %v", token.Expiration)
	return token, nil
}

func (client *Client) GetGroupList(ctx context.Context) ([]Group, error) {
	var groups []Group
	err := client.get(ctx, "/api/device/getGroupList", nil, true, &groups)
	return groups, err
}

// GetRealTimeData of every device, or of the devices of a group if groupID is not empty
func (client *Client) GetRealTimeData(ctx context.Context, groupID string) ([]Device, error) {
	params := url.Values{}
	if groupID != "" {
		params.Set("groupId", groupID)
	}
	var devices []Device
	err := client.get(ctx, "/api/data/getRealTimeData", params, true, &devices)
	return devices, err
}
