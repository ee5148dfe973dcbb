package offlinecache

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	responsetransformer "github.com/always-cache/offline-cache/pkg/response-transformer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultBucketName is the storage bucket of the current site generation.
// Bump the version suffix to populate a fresh bucket on the next install.
const DefaultBucketName = "maison-beignet-v1"

// DefaultResources returns the resources stored on install when none are configured.
func DefaultResources() []string {
	return []string{
		"/",
		"/index.html",
		"/styles.css",
		"/assets/Image beignet Acceuil.png",
		"/assets/Logo Texte.png",
		"/assets/Logo Maison.png",
		"/assets/beignet pomme.png",
		"/assets/beignet chocolat.png",
		"/assets/image a propos.png",
		"/assets/Image plage.jpg",
		"/assets/Plage Nauzan.jpg",
		"/assets/Plage le Bois-Plage.jpeg",
		"/assets/Plage Saint Palais.jpg",
		"/assets/Super Joyful.ttf",
	}
}

type Config struct {
	// Name of the storage bucket. It embeds the cache generation,
	// e.g. `maison-beignet-v1`. DefaultBucketName is used if empty.
	BucketName string
	// Origin-relative paths fetched and stored on install.
	// DefaultResources is used if nil.
	Resources []string
	// Storage bucket provider.
	Storage cache.Provider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport used for all origin requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Look up requests in every bucket held by the storage provider
	// instead of only the configured bucket.
	MatchAllBuckets bool
	// Rules applied to origin responses before they are stored.
	Rules responsetransformer.Rules
}

// State is the lifecycle state of a Manager.
type State int32

const (
	// StateInstalling means no install has completed yet.
	// Requests bypass storage.
	StateInstalling State = iota
	// StateActive means an install completed and requests are served from storage.
	StateActive
	// StateFailed means every install attempt so far has failed.
	// Requests bypass storage.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Manager is the offline cache for one origin.
// It populates a storage bucket on Install and serves stored responses as a http.Handler.
type Manager struct {
	storage       cache.Provider
	bucketName    string
	resources     []string
	keyer         cachekey.CacheKeyer
	log           zerolog.Logger
	originURL     string
	originHost    string
	rules         responsetransformer.Rules
	matchAll      bool
	httpClient    *http.Client
	installClient *http.Client

	state    atomic.Int32
	installs singleflight.Group
	mu       sync.RWMutex
	bucket   cache.Bucket
}

// CreateManager validates the config and creates a manager in the installing state.
// Nothing is fetched or stored until Install is called.
func CreateManager(config Config) (*Manager, error) {
	if config.Storage == nil {
		return nil, errors.New("storage provider is required")
	}
	if config.OriginURL.Scheme == "" || config.OriginURL.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute URL", config.OriginURL.String())
	}
	if config.OriginURL.Path != "" && config.OriginURL.Path != "/" {
		return nil, fmt.Errorf("origin %q must not have a path", config.OriginURL.String())
	}

	bucketName := config.BucketName
	if bucketName == "" {
		bucketName = DefaultBucketName
	}
	resourceIds := config.Resources
	if resourceIds == nil {
		resourceIds = DefaultResources()
	}

	keyer := cachekey.NewCacheKeyer()
	resources := make([]string, 0, len(resourceIds))
	seen := make(map[string]struct{}, len(resourceIds))
	for _, id := range resourceIds {
		key, err := keyer.ResourceKey(id)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		resources = append(resources, key)
	}

	// use global logger if not specified in config
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("bucket", bucketName).
		Logger()

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
		if config.OriginHost != "" {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}

	return &Manager{
		storage:    config.Storage,
		bucketName: bucketName,
		resources:  resources,
		keyer:      keyer,
		log:        logger,
		originURL:  strings.TrimSuffix(config.OriginURL.String(), "/"),
		originHost: config.OriginHost,
		rules:      config.Rules,
		matchAll:   config.MatchAllBuckets,
		httpClient: &http.Client{
			Transport: transport,
			// do not follow redirects, the requester does
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		installClient: &http.Client{
			Transport: transport,
		},
	}, nil
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) BucketName() string {
	return m.bucketName
}

// Resources returns the storage keys populated on install.
func (m *Manager) Resources() []string {
	resources := make([]string, len(m.resources))
	copy(resources, m.resources)
	return resources
}

// ServeHTTP implements the http.Handler interface.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer m.recover(w, r)
	m.handle(w, r)
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (m *Manager) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		m.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		m.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the origin.
func (m *Manager) escapeHatch(w http.ResponseWriter, r *http.Request) {
	originRes, err := m.fetch(m.httpClient, r)
	if err != nil {
		m.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer originRes.Response.Body.Close()
	copyHeader(w.Header(), originRes.Response.Header)
	w.WriteHeader(originRes.Response.StatusCode)
	if _, err := io.Copy(w, originRes.Response.Body); err != nil {
		m.log.Error().Err(err).Msg("Error writing to client")
	}
}

func (m *Manager) handle(w http.ResponseWriter, r *http.Request) {
	m.log.Trace().Interface("headers", r.Header).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	res, cacheStatus, err := m.respond(r)
	if err != nil {
		m.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from origin")
		w.Header().Set(cachestatus.HeaderName, cacheStatus.String(m.bucketName))
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	m.send(w, res, cacheStatus)
}

// Respond returns the stored response for the request if there is one,
// otherwise the response of a live origin fetch, unmodified.
// Origin responses are never stored.
// The caller must close the response body.
func (m *Manager) Respond(r *http.Request) (*http.Response, error) {
	res, _, err := m.respond(r)
	return res, err
}

func (m *Manager) respond(r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cacheStatus cachestatus.CacheStatus

	key, keyErr := m.keyer.Key(r)
	log := m.log.With().Str("key", key).Logger()

	if state := m.State(); state != StateActive {
		log.Trace().Str("state", state.String()).Msg("Not active, bypassing storage")
		cacheStatus.Forward(cachestatus.FwdReasonBypass)
	} else if keyErr != nil {
		cacheStatus.Forward(cachestatus.FwdReasonMethod)
	} else if res, err := m.match(r, key); err == nil {
		cacheStatus.Hit()
		return res, cacheStatus, nil
	} else if errors.Is(err, cache.ErrNotFound) {
		cacheStatus.Forward(cachestatus.FwdReasonUriMiss)
	} else {
		log.Warn().Err(err).Msg("Error getting stored response")
		cacheStatus.Forward(cachestatus.FwdReasonMiss)
		cacheStatus.Detail = "storage error"
	}

	log.Trace().Msg("Forwarding to origin")
	res, err := m.fetch(m.httpClient, r)
	if err != nil {
		return nil, cacheStatus, err
	}
	return res.Response, cacheStatus, nil
}

// match looks up the stored response for key.
// It returns cache.ErrNotFound if nothing is stored.
func (m *Manager) match(r *http.Request, key string) (*http.Response, error) {
	var (
		entry cache.Entry
		err   error
	)
	if m.matchAll {
		entry, err = m.storage.Match(r.Context(), key)
	} else {
		entry, err = m.currentBucket().Match(r.Context(), key)
	}
	if err != nil {
		return nil, err
	}
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not read stored response: %w", err)
	}
	sRes.Response.Request = r
	return sRes.Response, nil
}

func (m *Manager) currentBucket() cache.Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bucket
}

func (m *Manager) setBucket(bucket cache.Bucket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket = bucket
}

// fetch the resource specified in the incoming request from the origin
func (m *Manager) fetch(client *http.Client, r *http.Request) (serializer.TimedResponse, error) {
	timedRes := serializer.TimedResponse{RequestTime: time.Now()}
	uri := m.originURL + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		m.log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return timedRes, err
	}
	req.ContentLength = r.ContentLength
	if m.originHost != "" {
		req.Host = m.originHost
	}
	copyHeader(req.Header, r.Header)
	m.log.Trace().Str("uri", uri).Msgf("Executing request %s", req.Method)

	originResponse, err := client.Do(req)
	timedRes.ResponseTime = time.Now()
	timedRes.Response = originResponse
	return timedRes, err
}

func (m *Manager) send(w http.ResponseWriter, res *http.Response, status cachestatus.CacheStatus) {
	m.log.Debug().
		Str("method", res.Request.Method).
		Str("url", res.Request.URL.String()).
		Int("code", res.StatusCode).
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set(cachestatus.HeaderName, status.String(m.bucketName))
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not write response body to client")
	}
	m.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// hopHeaders are connection-specific and never forwarded.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopHeaders[k]; hop {
			continue
		}
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
