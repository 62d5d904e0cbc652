// Package honeywell talks to the Honeywell IAQ cloud: it logs in as a
// paired phone, lists the account's air-quality monitors, and opens the
// websocket event stream the monitors report through.
package honeywell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/nugget/iaqbridge/internal/config"
	"github.com/nugget/iaqbridge/internal/httpkit"
	"github.com/nugget/iaqbridge/internal/retry"
)

const (
	loginPath   = "/v2/00100002/user"
	devicesPath = "/v2/00100002/user/device/list"
)

// ErrNoSession is returned when a login succeeds but the response sets
// no session cookie.
var ErrNoSession = errors.New("login response carried no session cookie")

// Client is a Honeywell cloud client. It is safe for concurrent use.
type Client struct {
	cfg    config.HoneywellConfig
	rest   *resty.Client
	logger *slog.Logger
}

// NewClient creates a Client for the account in cfg. cfg.PhoneUUID must
// already be resolved.
func NewClient(cfg config.HoneywellConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	hc := httpkit.NewClient(
		httpkit.WithTimeout(cfg.Timeout()),
		httpkit.WithTLSInsecureSkipVerify(cfg.InsecureSkipVerify),
		httpkit.WithRetry(2, httpkit.DefaultDialTimeout/10),
		httpkit.WithLogger(logger),
	)

	rest := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{logger})

	return &Client{cfg: cfg, rest: rest, logger: logger}
}

type loginRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Password    string `json:"password"`
	PhoneUUID   string `json:"phoneUuid"`
	Language    string `json:"language"`
	PhoneType   string `json:"phoneType"`
	Type        string `json:"type"`
}

// Login authenticates and returns the value to send as the Cookie
// header on later requests. A 4xx response means the credentials were
// rejected; that error is marked non-retryable.
func (c *Client) Login(ctx context.Context) (string, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(loginRequest{
			PhoneNumber: c.cfg.PhoneNumber,
			Password:    c.cfg.Password,
			PhoneUUID:   c.cfg.PhoneUUID,
			Language:    "en-US",
			PhoneType:   "ios",
			Type:        "LoginUser",
		}).
		Post(loginPath)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}

	if err := statusError("login", resp); err != nil {
		return "", err
	}

	cookie := sessionCookie(resp)
	if cookie == "" {
		return "", retry.NonRetryable(ErrNoSession)
	}

	c.logger.Info("logged in to honeywell cloud", "api", c.cfg.APIURL)
	return cookie, nil
}

// statusError converts an HTTP error status into an error. Client
// errors are not worth retrying.
func statusError(op string, resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	body := resp.String()
	if len(body) > 256 {
		body = body[:256]
	}
	err := fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode(), body)
	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
		return retry.NonRetryable(err)
	}
	return err
}

// sessionCookie builds a Cookie header from the response's Set-Cookie
// headers.
func sessionCookie(resp *resty.Response) string {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		// Fall back to the raw header for cookies net/http cannot parse.
		return resp.Header().Get("Set-Cookie")
	}
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, (&http.Cookie{Name: ck.Name, Value: ck.Value}).String())
	}
	return strings.Join(parts, "; ")
}

// Device is one monitor registered to the account.
type Device struct {
	DeviceID     string     `json:"deviceId"`
	DeviceSerial string     `json:"deviceSerial"`
	Online       bool       `json:"online"`
	Info         DeviceInfo `json:"deviceInfo"`
}

// DeviceInfo locates a device in the account's homes.
type DeviceInfo struct {
	Room string `json:"room"`
	Home string `json:"home"`
}

type devicesResponse struct {
	Devices []Device `json:"devices"`
}

// ListDevices returns the monitors registered to the account.
func (c *Client) ListDevices(ctx context.Context, session string) ([]Device, error) {
	var out devicesResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Cookie", session).
		SetResult(&out).
		ForceContentType("application/json").
		Get(devicesPath)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if err := statusError("list devices", resp); err != nil {
		return nil, err
	}

	c.logger.Info("devices fetched", "count", len(out.Devices))
	return out.Devices, nil
}

// restyLogger routes resty's own diagnostics through slog.
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Error("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}
