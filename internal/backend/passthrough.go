package backend

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// Passthrough forwards requests the gateway does not handle itself to the Deploy backend.
// The mount prefix is stripped so /comfydeploy/api/runs reaches <backend>/api/runs.
func (c *Client) Passthrough(prefix string, onError func(http.ResponseWriter, error)) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			tail := strings.TrimPrefix(pr.In.URL.Path, prefix)
			pr.SetURL(c.baseURL)
			pr.Out.URL.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(tail, "/")
			pr.Out.URL.RawPath = ""
			pr.Out.Host = c.baseURL.Host

			// the backend authenticates the machine, not the gateway's own callers
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			c.decorate(pr.Out.Header)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			c.logger.Error(fmt.Sprintf("Passthrough %s %s failed: %v", r.Method, r.URL.Path, err), "backend")
			onError(w, types.Wrap(types.ErrorKindUnavailable, err, "deploy backend is not reachable"))
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tail := strings.TrimPrefix(r.URL.Path, prefix)
		if tail == "" || tail == "/" {
			onError(w, types.InvalidInput("passthrough path is required"))
			return
		}
		c.logger.Debug(fmt.Sprintf("Passthrough %s %s", r.Method, tail), "backend")
		proxy.ServeHTTP(w, r)
	})
}
