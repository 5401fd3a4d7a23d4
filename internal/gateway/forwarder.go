package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/consul-gateway/internal/config"
)

// 不能原样转发的请求头（小写）
var droppedRequestHeaders = map[string]struct{}{
	"host":                {},
	"content-length":      {},
	"if-modified-since":   {},
	"if-none-match":       {},
	"cache-control":       {},
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// 不回传给调用方的响应头（小写）
var droppedResponseHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
	"content-length":    {},
}

// Resolver 解析服务的基础URL并在失败时失效缓存
type Resolver interface {
	Resolve(ctx context.Context, serviceName string) (string, error)
	Evict(ctx context.Context, serviceName string)
}

// ForwardRequest 待转发的请求，Path为路由改写后的路径
type ForwardRequest struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// ForwardResponse 下游响应，任意状态码都视为正常返回
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder 将请求转发到解析出的服务实例
type Forwarder struct {
	resolver Resolver
	client   *http.Client
	logger   config.Logger
}

// NewForwarder 创建转发器，timeout为单次下游调用的上限
func NewForwarder(resolver Resolver, timeout time.Duration, logger config.Logger) *Forwarder {
	return &Forwarder{
		resolver: resolver,
		client: &http.Client{
			Timeout: timeout,
			// 重定向交给调用方处理
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Forward 解析服务地址并发送请求
func (f *Forwarder) Forward(ctx context.Context, serviceName string, req *ForwardRequest) (*ForwardResponse, error) {
	baseURL, err := f.resolver.Resolve(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	target := strings.TrimRight(baseURL, "/") + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	withBody := hasBody(req.Method) && len(req.Body) > 0
	if withBody {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("创建下游请求失败: %w", err)
	}
	httpReq.Header = SanitizeHeaders(req.Header)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	if withBody {
		httpReq.ContentLength = int64(len(req.Body))
		if json.Valid(req.Body) {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	} else {
		httpReq.Header.Del("Content-Type")
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, f.fail(ctx, serviceName, req.Method, target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.fail(ctx, serviceName, req.Method, target, err)
	}

	f.logger.Debug("转发请求完成",
		zap.String("service", serviceName),
		zap.String("method", req.Method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	return &ForwardResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// fail 对下游调用失败分类
// 调用方取消时实例本身没有问题，不失效缓存
func (f *Forwarder) fail(ctx context.Context, serviceName, method, target string, err error) error {
	if ctx.Err() != nil {
		f.logger.Info("调用方已取消请求",
			zap.String("service", serviceName),
			zap.String("method", method),
			zap.String("url", target),
			zap.Error(err))
		return &ForwardError{Code: ErrCanceled, ServiceName: serviceName, Err: err}
	}

	code := ErrUnavailable
	if isTimeout(err) {
		code = ErrTimeout
	}

	// 失效与请求生命周期无关，redis缓存下也要执行完
	f.resolver.Evict(context.WithoutCancel(ctx), serviceName)
	f.logger.Error("转发请求失败",
		zap.String("service", serviceName),
		zap.String("method", method),
		zap.String("url", target),
		zap.Error(err))
	return &ForwardError{Code: code, ServiceName: serviceName, Err: err}
}

// SanitizeHeaders 复制请求头并剔除不能转发的字段
// Authorization无论调用方使用何种大小写都会以规范形式保留
func SanitizeHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		lower := strings.ToLower(name)
		if _, drop := droppedRequestHeaders[lower]; drop {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		out[canonical] = append(out[canonical], values...)
	}
	return out
}

// CopyResponseHeaders 将下游响应头写入w，跳过逐跳头
func CopyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, drop := droppedResponseHeaders[strings.ToLower(name)]; drop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// isTimeout 判断是否为超时错误
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
