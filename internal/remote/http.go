package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPOptions 描述 HTTP 网关后端：对象以 <BaseURL>/<key> 暴露。
type HTTPOptions struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	// Client 可选，测试时注入；为空时使用共享 transport。
	Client *http.Client
	Logger *logrus.Logger
}

// HTTPReader 通过 HEAD/GET 访问对象网关。
type HTTPReader struct {
	base   *url.URL
	client *http.Client
	auth   string
	user   *url.Userinfo
	logger *logrus.Logger
}

// NewHTTPReader 校验 BaseURL 并构造读取器。
func NewHTTPReader(opts HTTPOptions) (*HTTPReader, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https: %s", opts.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url 缺少 Host: %s", opts.BaseURL)
	}

	client := opts.Client
	if client == nil {
		client = NewHTTPClient(opts.Timeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &HTTPReader{
		base:   base,
		client: client,
		auth:   buildCredentialHeader(opts.Username, opts.Password),
		logger: logger,
	}
	if r.auth != "" {
		r.user = url.UserPassword(opts.Username, opts.Password)
	}
	return r, nil
}

func (r *HTTPReader) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, "exists", path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

func (r *HTTPReader) SizeOf(ctx context.Context, path string) (int64, error) {
	resp, err := r.do(ctx, http.MethodHead, "size", path)
	if err != nil {
		return UnknownSize, err
	}
	resp.Body.Close()
	if resp.ContentLength < 0 {
		return UnknownSize, nil
	}
	return resp.ContentLength, nil
}

func (r *HTTPReader) FetchBytes(ctx context.Context, path string) (*Payload, error) {
	resp, err := r.do(ctx, http.MethodGet, "fetch", path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "fetch", Path: path, Err: err}
	}
	return &Payload{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// AuthenticatedURL 在配置了凭证时把 userinfo 写入地址，其余情况返回网关直链。
func (r *HTTPReader) AuthenticatedURL(_ context.Context, path string) (*url.URL, error) {
	u := r.objectURL(path)
	if r.user != nil {
		u.User = r.user
	}
	return u, nil
}

func (r *HTTPReader) objectURL(path string) *url.URL {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	return r.base.JoinPath(segments...)
}

// do 发送请求并把状态码映射为 ErrNotFound / *TransportError；仅 2xx 返回 resp。
func (r *HTTPReader) do(ctx context.Context, method, op, path string) (*http.Response, error) {
	target := r.objectURL(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), http.NoBody)
	if err != nil {
		return nil, &TransportError{Op: op, Path: path, Err: err}
	}
	if r.auth != "" {
		req.Header.Set("Authorization", r.auth)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Path: path, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		if isAuthFailure(resp.StatusCode) {
			r.logger.WithFields(logrus.Fields{
				"action":          "remote_auth",
				"upstream":        target.Redacted(),
				"upstream_status": resp.StatusCode,
			}).Warn("remote_auth_failed")
		}
		return nil, &TransportError{Op: op, Path: path, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
}
