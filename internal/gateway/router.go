package gateway

import (
	"strings"
)

// Route 路由结果
type Route struct {
	ServiceName string
	Path        string
}

// Router 将入站路径映射为服务名和下游路径
// 路由表在创建时加载，之后只读
type Router struct {
	reservedPrefix string
	servicePrefix  string
	table          map[string]string
}

// NewRouter 创建路由器
// reservedPrefix为入站路径中需要剥离的首段（如"api"），servicePrefix为下游路径前缀（如"/api"）
func NewRouter(reservedPrefix, servicePrefix string, table map[string]string) *Router {
	routes := make(map[string]string, len(table))
	for k, v := range table {
		routes[k] = v
	}

	return &Router{
		reservedPrefix: strings.Trim(reservedPrefix, "/"),
		servicePrefix:  "/" + strings.Trim(servicePrefix, "/"),
		table:          routes,
	}
}

// Route 解析入站路径，查询串被忽略
func (r *Router) Route(path string) (Route, error) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	segments := splitSegments(path)
	if len(segments) == 0 {
		return Route{}, &RoutingError{Code: ErrEmptyPath, Path: path, Message: "路径为空"}
	}

	if r.reservedPrefix != "" && segments[0] == r.reservedPrefix {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return Route{}, &RoutingError{Code: ErrNoServicePrefix, Path: path, Message: "缺少服务前缀"}
	}

	prefix := segments[0]
	serviceName, ok := r.table[prefix]
	if !ok {
		serviceName = prefix + "-service"
	}

	rewritten := r.servicePrefix
	if rewritten == "/" {
		rewritten = ""
	}
	rewritten += "/" + strings.Join(segments, "/")
	if strings.HasSuffix(path, "/") {
		rewritten += "/"
	}

	return Route{ServiceName: serviceName, Path: rewritten}, nil
}

// splitSegments 拆分路径，忽略空段
func splitSegments(path string) []string {
	parts := strings.Split(path, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}
