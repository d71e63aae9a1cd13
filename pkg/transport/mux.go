package transport

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// Mux is a minimal fasthttp router. It supports parameterised paths using
// {name} and dispatches handlers by HTTP method; matched parameters are
// exposed through ctx.UserValue.
type Mux struct {
	routes   map[string][]muxRoute
	notFound fasthttp.RequestHandler
}

type muxRoute struct {
	segments []segment
	handler  fasthttp.RequestHandler
}

type segment struct {
	name    string
	isParam bool
}

// NewMux constructs an empty Mux.
func NewMux() *Mux {
	return &Mux{routes: make(map[string][]muxRoute)}
}

// Handler satisfies the fasthttp.Server handler interface.
func (m *Mux) Handler(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())
	if list, ok := m.routes[method]; ok {
		for _, rt := range list {
			if values, ok := match(path, rt.segments); ok {
				for k, v := range values {
					ctx.SetUserValue(k, v)
				}
				rt.handler(ctx)
				return
			}
		}
	}
	if m.notFound != nil {
		m.notFound(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNotFound)
}

// GET registers a GET handler.
func (m *Mux) GET(path string, h fasthttp.RequestHandler) {
	m.add("GET", path, h)
}

// POST registers a POST handler.
func (m *Mux) POST(path string, h fasthttp.RequestHandler) {
	m.add("POST", path, h)
}

// PUT registers a PUT handler.
func (m *Mux) PUT(path string, h fasthttp.RequestHandler) {
	m.add("PUT", path, h)
}

// DELETE registers a DELETE handler.
func (m *Mux) DELETE(path string, h fasthttp.RequestHandler) {
	m.add("DELETE", path, h)
}

// HEAD registers a HEAD handler.
func (m *Mux) HEAD(path string, h fasthttp.RequestHandler) {
	m.add("HEAD", path, h)
}

// OPTIONS registers an OPTIONS handler.
func (m *Mux) OPTIONS(path string, h fasthttp.RequestHandler) {
	m.add("OPTIONS", path, h)
}

// NotFound registers a handler for unmatched routes.
func (m *Mux) NotFound(h fasthttp.RequestHandler) {
	m.notFound = h
}

func (m *Mux) add(method, path string, h fasthttp.RequestHandler) {
	segments := parse(path)
	m.routes[method] = append(m.routes[method], muxRoute{segments: segments, handler: h})
}

func parse(path string) []segment {
	if path == "" {
		return nil
	}
	if path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return []segment{{name: "", isParam: false}}
	}
	parts := strings.Split(path, "/")
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") && len(part) > 2 {
			segs[i] = segment{name: part[1 : len(part)-1], isParam: true}
		} else {
			segs[i] = segment{name: part, isParam: false}
		}
	}
	return segs
}

func match(path string, segs []segment) (map[string]string, bool) {
	if len(segs) == 1 && !segs[0].isParam && segs[0].name == "" {
		if path == "/" || path == "" {
			return map[string]string{}, true
		}
		return nil, false
	}
	if path == "" {
		path = "/"
	}
	if path[0] == '/' {
		path = path[1:]
	}
	parts := []string{}
	if path != "" {
		parts = strings.Split(path, "/")
	}
	if len(parts) != len(segs) {
		return nil, false
	}
	values := make(map[string]string)
	for i, seg := range segs {
		if seg.isParam {
			values[seg.name] = parts[i]
			continue
		}
		if seg.name != parts[i] {
			return nil, false
		}
	}
	return values, true
}
