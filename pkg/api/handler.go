package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/easzlab/ipfloater/pkg/arp"
	"github.com/easzlab/ipfloater/pkg/endpoint"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// anyIP is the path segment asking for any public address of the pool.
const anyIP = "any"

// redirectSegment separates the public side from the private side in paths.
const redirectSegment = "redirect"

// Endpoints is the part of endpoint.Manager the handlers drive.
type Endpoints interface {
	Request(req endpoint.Request) ([]*endpoint.Endpoint, error)
	Apply(ep *endpoint.Endpoint) error
	Release(ep *endpoint.Endpoint) error
	Terminate(ep *endpoint.Endpoint) error
	LookupByPublic(ip net.IP, port int) (*endpoint.Endpoint, error)
	LookupByPrivate(ip net.IP, port int) (*endpoint.Endpoint, error)
	PublicMapping(ip net.IP) map[int]*endpoint.Endpoint
	PrivateMapping(ip net.IP) map[int][]*endpoint.Endpoint
	List(appliedOnly bool) map[string]map[int]*endpoint.Endpoint
	ListPrivate(appliedOnly bool) map[string]map[int][]*endpoint.Endpoint
}

// HealthReporter reports the health of a private destination.
type HealthReporter interface {
	IsHealthy(address string) bool
}

// endpointView is the JSON representation of an endpoint.
type endpointView struct {
	ID          string         `json:"id"`
	PublicIP    string         `json:"public_ip"`
	PublicPort  int            `json:"public_port"`
	PrivateIP   string         `json:"private_ip"`
	PrivatePort int            `json:"private_port"`
	State       endpoint.State `json:"state"`
	Created     time.Time      `json:"created"`
	Healthy     bool           `json:"healthy"`
}

type errorView struct {
	Error string `json:"error"`
}

// Handler serves the REST routes over an endpoint manager.
type Handler struct {
	endpoints Endpoints
	resolver  arp.Resolver
	health    HealthReporter
	logger    *zap.Logger
}

// NewHandler creates a Handler. resolver and health may be nil; without a
// resolver /arp answers 404 and without health every destination is healthy.
func NewHandler(endpoints Endpoints, resolver arp.Resolver, health HealthReporter, logger *zap.Logger) *Handler {
	return &Handler{
		endpoints: endpoints,
		resolver:  resolver,
		health:    health,
		logger:    logger,
	}
}

// Routes returns the mux with every route registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.listAll)
	mux.HandleFunc("GET /public", h.listAll)
	mux.HandleFunc("GET /public/{rest...}", h.getPublic)
	mux.HandleFunc("GET /private", h.listPrivate)
	mux.HandleFunc("GET /private/{rest...}", h.getPrivate)
	mux.HandleFunc("GET /arp/{mac}", h.getARP)
	mux.HandleFunc("PUT /public/{rest...}", h.putPublic)
	mux.HandleFunc("DELETE /public/{rest...}", h.deletePublic)
	mux.HandleFunc("DELETE /private/{rest...}", h.deletePrivate)
	return h.logRequests(mux)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// --- reads ---

func (h *Handler) listAll(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.publicViews(h.endpoints.List(true)))
}

func (h *Handler) getPublic(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.PathValue("rest"))
	switch len(segments) {
	case 0:
		h.listAll(w, r)
	case 1:
		ip, err := endpoint.ParseIPv4(segments[0])
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, h.portViews(h.endpoints.PublicMapping(ip)))
	case 2:
		ip, port, err := parseAddress(segments[0], segments[1])
		if err != nil {
			h.writeError(w, err)
			return
		}
		ep, err := h.endpoints.LookupByPublic(ip, port)
		if errors.Is(err, endpoint.ErrNotFound) {
			// An empty object tells clients the public pair is free.
			h.writeJSON(w, http.StatusOK, struct{}{})
			return
		}
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, h.view(ep))
	default:
		h.writeError(w, fmt.Errorf("unknown route %s: %w", r.URL.Path, endpoint.ErrNotFound))
	}
}

func (h *Handler) listPrivate(w http.ResponseWriter, r *http.Request) {
	all := h.endpoints.ListPrivate(true)
	out := make(map[string]map[int][]endpointView, len(all))
	for ip, ports := range all {
		out[ip] = h.privateViews(ports)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getPrivate(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.PathValue("rest"))
	switch len(segments) {
	case 0:
		h.listPrivate(w, r)
	case 1:
		ip, err := endpoint.ParseIPv4(segments[0])
		if err != nil {
			h.writeError(w, err)
			return
		}
		mapping := h.endpoints.PrivateMapping(ip)
		if len(mapping) == 0 {
			h.writeError(w, fmt.Errorf("private %s: %w", ip, endpoint.ErrNotFound))
			return
		}
		h.writeJSON(w, http.StatusOK, h.privateViews(mapping))
	case 2:
		ip, port, err := parseAddress(segments[0], segments[1])
		if err != nil {
			h.writeError(w, err)
			return
		}
		ep, err := h.endpoints.LookupByPrivate(ip, port)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, h.view(ep))
	default:
		h.writeError(w, fmt.Errorf("unknown route %s: %w", r.URL.Path, endpoint.ErrNotFound))
	}
}

func (h *Handler) getARP(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	if h.resolver == nil {
		h.writeError(w, fmt.Errorf("mac %s: %w", mac, endpoint.ErrNotFound))
		return
	}
	ip, err := h.resolver.Resolve(mac)
	if err != nil {
		if errors.Is(err, arp.ErrNotFound) {
			err = fmt.Errorf("%w: %w", endpoint.ErrNotFound, err)
		}
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ip.String())
}

// --- writes ---

// putPublic handles the redirect forms:
//
//	{ip}/{port}/redirect/{pip}/{pport}   explicit pair ({ip} may be "any")
//	{ip}/redirect/{pip}/{pport}          fixed address, any port
//	{ip}/redirect/{pip}                  whole address
//	redirect/{pip}/{pport}               any address, any port
func (h *Handler) putPublic(w http.ResponseWriter, r *http.Request) {
	req, err := parseRedirect(splitPath(r.PathValue("rest")))
	if err != nil {
		h.writeError(w, err)
		return
	}

	eps, err := h.endpoints.Request(req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	created := make(map[int]endpointView, len(eps))
	var applyErr error
	for _, ep := range eps {
		if applyErr != nil {
			_ = h.endpoints.Release(ep)
			continue
		}
		if err := h.endpoints.Apply(ep); err != nil {
			applyErr = fmt.Errorf("failed to apply %s: %w", ep, err)
			continue
		}
		created[ep.PublicPort] = h.view(ep)
	}
	if applyErr != nil {
		h.writeError(w, applyErr)
		return
	}

	if len(eps) == 1 {
		ep := eps[0]
		w.Header().Set("Location", fmt.Sprintf("/public/%s/%d", ep.PublicIP, ep.PublicPort))
		h.writeJSON(w, http.StatusCreated, h.view(ep))
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// deletePublic handles
//
//	{ip}/{port}/redirect/{pip}/{pport}
//	{ip}/redirect/{pip}
//	{ip}
//	{ip}/{port}
func (h *Handler) deletePublic(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.PathValue("rest"))
	switch {
	case len(segments) == 5 && segments[2] == redirectSegment:
		h.deletePair(w, segments[0], segments[1], segments[3], segments[4])
	case len(segments) == 3 && segments[1] == redirectSegment:
		h.deletePair(w, segments[0], "0", segments[2], "0")
	case len(segments) == 1:
		ip, err := endpoint.ParseIPv4(segments[0])
		if err != nil {
			h.writeError(w, err)
			return
		}
		mapping := h.endpoints.PublicMapping(ip)
		if len(mapping) == 0 {
			h.writeError(w, fmt.Errorf("no redirections from %s: %w", ip, endpoint.ErrNotFound))
			return
		}
		eps := make([]*endpoint.Endpoint, 0, len(mapping))
		for _, ep := range mapping {
			eps = append(eps, ep)
		}
		h.terminate(w, eps)
	case len(segments) == 2:
		ip, port, err := parseAddress(segments[0], segments[1])
		if err != nil {
			h.writeError(w, err)
			return
		}
		ep, err := h.endpoints.LookupByPublic(ip, port)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.terminate(w, []*endpoint.Endpoint{ep})
	default:
		h.writeError(w, fmt.Errorf("unknown route %s: %w", r.URL.Path, endpoint.ErrNotFound))
	}
}

func (h *Handler) deletePair(w http.ResponseWriter, ipStr, portStr, privIPStr, privPortStr string) {
	ip, port, err := parseAddress(ipStr, portStr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	privIP, privPort, err := parseAddress(privIPStr, privPortStr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ep, err := h.endpoints.LookupByPublic(ip, port)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ep.PrivateIP.Equal(privIP) || ep.PrivatePort != privPort {
		h.writeError(w, fmt.Errorf("redirection %s -> %s: %w",
			ep.PublicAddress(), net.JoinHostPort(privIP.String(), privPortStr), endpoint.ErrNotFound))
		return
	}
	h.terminate(w, []*endpoint.Endpoint{ep})
}

// deletePrivate handles {ip} (every redirection to the address) and
// {ip}/{port} (the oldest redirection to the pair).
func (h *Handler) deletePrivate(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.PathValue("rest"))
	switch len(segments) {
	case 1:
		ip, err := endpoint.ParseIPv4(segments[0])
		if err != nil {
			h.writeError(w, err)
			return
		}
		mapping := h.endpoints.PrivateMapping(ip)
		if len(mapping) == 0 {
			h.writeError(w, fmt.Errorf("private %s: %w", ip, endpoint.ErrNotFound))
			return
		}
		var eps []*endpoint.Endpoint
		for _, list := range mapping {
			eps = append(eps, list...)
		}
		h.terminate(w, eps)
	case 2:
		ip, port, err := parseAddress(segments[0], segments[1])
		if err != nil {
			h.writeError(w, err)
			return
		}
		ep, err := h.endpoints.LookupByPrivate(ip, port)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.terminate(w, []*endpoint.Endpoint{ep})
	default:
		h.writeError(w, fmt.Errorf("unknown route %s: %w", r.URL.Path, endpoint.ErrNotFound))
	}
}

func (h *Handler) terminate(w http.ResponseWriter, eps []*endpoint.Endpoint) {
	var errs error
	for _, ep := range eps {
		if err := h.endpoints.Terminate(ep); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		h.writeError(w, errs)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
}

// --- helpers ---

// parseRedirect turns the segments after /public/ of a PUT into a request.
func parseRedirect(segments []string) (endpoint.Request, error) {
	var req endpoint.Request
	var pubIP, pubPort, privIP, privPort string

	switch {
	case len(segments) == 5 && segments[2] == redirectSegment:
		pubIP, pubPort, privIP, privPort = segments[0], segments[1], segments[3], segments[4]
	case len(segments) == 4 && segments[1] == redirectSegment:
		pubIP, privIP, privPort = segments[0], segments[2], segments[3]
		req.PublicPort = endpoint.AnyPort
	case len(segments) == 3 && segments[1] == redirectSegment:
		pubIP, pubPort, privIP, privPort = segments[0], "0", segments[2], "0"
	case len(segments) == 3 && segments[0] == redirectSegment:
		pubIP, privIP, privPort = anyIP, segments[1], segments[2]
		req.PublicPort = endpoint.AnyPort
	default:
		return req, fmt.Errorf("unknown redirect form /public/%s: %w", strings.Join(segments, "/"), endpoint.ErrNotFound)
	}

	if pubIP != anyIP {
		ip, err := endpoint.ParseIPv4(pubIP)
		if err != nil {
			return req, err
		}
		req.PublicIP = ip
	}
	if pubPort != "" {
		port, err := endpoint.ParsePort(pubPort)
		if err != nil {
			return req, err
		}
		req.PublicPort = port
	}

	ip, port, err := parseAddress(privIP, privPort)
	if err != nil {
		return req, err
	}
	req.PrivateIP = ip
	req.PrivatePort = port
	return req, nil
}

func parseAddress(ipStr, portStr string) (net.IP, int, error) {
	ip, err := endpoint.ParseIPv4(ipStr)
	if err != nil {
		return nil, 0, err
	}
	port, err := endpoint.ParsePort(portStr)
	if err != nil {
		return nil, 0, err
	}
	return ip, port, nil
}

func splitPath(rest string) []string {
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func (h *Handler) view(ep *endpoint.Endpoint) endpointView {
	healthy := true
	if h.health != nil && !ep.WholeIP() {
		healthy = h.health.IsHealthy(ep.PrivateAddress())
	}
	return endpointView{
		ID:          ep.ID,
		PublicIP:    ep.PublicIP.String(),
		PublicPort:  ep.PublicPort,
		PrivateIP:   ep.PrivateIP.String(),
		PrivatePort: ep.PrivatePort,
		State:       ep.State,
		Created:     ep.Created,
		Healthy:     healthy,
	}
}

func (h *Handler) portViews(ports map[int]*endpoint.Endpoint) map[int]endpointView {
	out := make(map[int]endpointView, len(ports))
	for port, ep := range ports {
		out[port] = h.view(ep)
	}
	return out
}

func (h *Handler) publicViews(all map[string]map[int]*endpoint.Endpoint) map[string]map[int]endpointView {
	out := make(map[string]map[int]endpointView, len(all))
	for ip, ports := range all {
		out[ip] = h.portViews(ports)
	}
	return out
}

func (h *Handler) privateViews(ports map[int][]*endpoint.Endpoint) map[int][]endpointView {
	out := make(map[int][]endpointView, len(ports))
	for port, eps := range ports {
		views := make([]endpointView, 0, len(eps))
		for _, ep := range eps {
			views = append(views, h.view(ep))
		}
		out[port] = views
	}
	return out
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, endpoint.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, endpoint.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, endpoint.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, endpoint.ErrBackend):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	h.writeJSON(w, status, errorView{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}
