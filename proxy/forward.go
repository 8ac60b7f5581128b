package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"
)

// Identity headers the gate sets for the directory application. Inbound
// copies are always stripped so clients cannot assert them.
const (
	HeaderUserID = "X-Guardian-User"
	HeaderIP     = "X-Guardian-Client-IP"
)

// IdentityFunc extracts the authenticated user and client address of a request.
type IdentityFunc func(r *http.Request) (userID, ip string)

type ReverseProxy struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
}

func NewReverseProxy(targetURL string, identity IdentityFunc, logger *zap.Logger) (*ReverseProxy, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	logger = logger.Named("proxy")

	proxy := httputil.NewSingleHostReverseProxy(target)

	direct := proxy.Director
	proxy.Director = func(r *http.Request) {
		direct(r)
		r.Host = target.Host
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderIP)
		r.Header.Del("X-API-Key")
		if identity != nil {
			userID, ip := identity(r)
			if userID != "" {
				r.Header.Set(HeaderUserID, userID)
			}
			if ip != "" {
				r.Header.Set(HeaderIP, ip)
			}
		}
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set("X-Proxy", "guardian")
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("backend request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error": "backend service unavailable"}`))
	}

	return &ReverseProxy{
		target: target,
		proxy:  proxy,
	}, nil
}

func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rp.proxy.ServeHTTP(w, r)
}
