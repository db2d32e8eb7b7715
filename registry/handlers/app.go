package handlers

import (
	"context"
	"crypto/tls"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"
	metricskit "gitlab.com/gitlab-org/labkit/metrics"

	"github.com/meridianhq/image-registry/configuration"
	dcontext "github.com/meridianhq/image-registry/context"
	"github.com/meridianhq/image-registry/health"
	dlog "github.com/meridianhq/image-registry/log"
	"github.com/meridianhq/image-registry/metrics"
	"github.com/meridianhq/image-registry/notifications"
	"github.com/meridianhq/image-registry/registry/api/errcode"
	"github.com/meridianhq/image-registry/registry/api/urls"
	v1 "github.com/meridianhq/image-registry/registry/api/v1"
	"github.com/meridianhq/image-registry/registry/auth"
	"github.com/meridianhq/image-registry/registry/authorize"
	"github.com/meridianhq/image-registry/registry/datastore"
	iredis "github.com/meridianhq/image-registry/registry/internal/redis"
	"github.com/meridianhq/image-registry/registry/middleware/ratelimiter"
)

// redisCacheTTL is the global expiry duration for objects cached in Redis.
const redisCacheTTL = 6 * time.Hour

// redisPingTimeout is the timeout applied to the connection health check
// performed when creating a Redis client.
const redisPingTimeout = 1 * time.Second

type (
	shutdownFunc   func(app *App, errCh chan error, l dlog.Logger)
	shutdownConfig struct {
		sFunc    shutdownFunc
		sTimeout time.Duration
	}
)

// App is a global registry application object. Shared resources can be placed
// on this object that will be accessible from all requests. Any writable
// fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	router *mux.Router

	// store holds image records, their content and membership grants.
	store datastore.ImageStore

	// authorizer decides per-operation access against image ownership,
	// visibility and grants.
	authorizer *authorize.Authorizer

	// accessController resolves the caller identity from request
	// credentials. May be nil, in which case all callers are anonymous.
	accessController auth.Controller

	// events contains notification related configuration.
	events struct {
		sink   notifications.Sink
		source notifications.SourceRecord
	}

	redisCacheClient redis.UniversalClient
	redisCache       *iredis.Cache

	// RedisStatusChecker is set by RegisterHealthChecks when a Redis cache
	// is configured. It serves detailed status at /debug/health/redis.
	RedisStatusChecker *health.RedisStatusChecker

	// httpHost is a parsed representation of the http.host parameter from
	// the configuration. Only the Scheme and Host fields are used.
	httpHost url.URL

	shutdownConfigs []shutdownConfig
}

// NewApp takes a configuration and returns a configured app. The app only
// implements ServeHTTP and can be wrapped in other handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) (*App, error) {
	app := &App{
		Config:  config,
		Context: ctx,

		store:      datastore.NewImageStore(),
		authorizer: authorize.New(authorize.WithMetrics()),

		shutdownConfigs: make([]shutdownConfig, 0),
	}

	log := dcontext.GetLogger(app)

	if config.HTTP.Host != "" {
		u, err := url.Parse(config.HTTP.Host)
		if err != nil {
			return nil, fmt.Errorf(`could not parse http "host" parameter: %w`, err)
		}
		app.httpHost = *u
	}

	if config.Auth.Type() != "" {
		accessController, err := auth.GetController(config.Auth.Type(), config.Auth.Parameters())
		if err != nil {
			return nil, fmt.Errorf("unable to configure access controller %q: %w", config.Auth.Type(), err)
		}
		app.accessController = accessController
		log.Debugf("configured %q access controller", config.Auth.Type())
	}

	app.configureEvents(config)

	if err := app.configureRedisCache(ctx, config); err != nil {
		// The Redis cache is not a strictly required dependency (payloads
		// are rendered from the store when we're unable to find them in
		// cache), so we simply log and report a failure here and proceed to
		// not prevent the app from starting.
		log.WithError(err).Error("failed configuring Redis cache")
		errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
	}

	if err := app.initRouter(); err != nil {
		return nil, fmt.Errorf("initializing router: %w", err)
	}

	return app, nil
}

// initRouter builds the application router and attaches the route
// dispatchers.
func (app *App) initRouter() error {
	app.router = v1.RouterWithPrefix(app.Config.HTTP.Prefix)

	if app.Config.RateLimiter.Enabled {
		rl, err := ratelimiter.New(app.Config.RateLimiter)
		if err != nil {
			return fmt.Errorf("configuring rate limiter: %w", err)
		}
		app.router.Use(rl.Handler)
	}

	// Register the handler dispatchers.
	app.register(v1.RouteNameBase, func(*Context, *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v1.RouteNameImages, imagesDispatcher)
	app.register(v1.RouteNameImagesDetail, imagesDetailDispatcher)
	app.register(v1.RouteNameImage, imageDispatcher)
	app.register(v1.RouteNameImageMembers, imageMembersDispatcher)
	app.register(v1.RouteNameImageMember, imageMemberDispatcher)

	return nil
}

var routeMetricsMiddleware = metricskit.NewHandlerFactory(
	metricskit.WithNamespace(metrics.NamespacePrefix),
	metricskit.WithLabels("route"),
	metricskit.WithRequestDurationBuckets([]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 25, 60}),
	metricskit.WithByteSizeBuckets(promclient.ExponentialBuckets(1024, 2, 22)), // 1K to 4G
)

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	handler := app.dispatcher(dispatch)

	// Chain the handler with prometheus instrumented handler
	if app.Config.HTTP.Debug.Prometheus.Enabled {
		handler = routeMetricsMiddleware(
			handler,
			metricskit.WithLabelValues(map[string]string{"route": v1.RoutePath[routeName]}),
		)
	}

	app.router.GetRoute(routeName).Handler(handler)
}

// apiBase implements a simple yes-man for determining if the API is up. It
// can support auth roundtrips to support docker-style login flows but mostly
// serves as a liveness endpoint.
func apiBase(w http.ResponseWriter, _ *http.Request) {
	const emptyJSON = "{}"

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}

// configureEvents prepares the event sink for the application.
func (app *App) configureEvents(registryConfig *configuration.Configuration) {
	// Configure all of the endpoint sinks.
	var sinks []notifications.Sink
	for _, endpoint := range registryConfig.Notifications.Endpoints {
		if endpoint.Disabled {
			dcontext.GetLogger(app).Infof("endpoint %s disabled, skipping", endpoint.Name)
			continue
		}

		dcontext.GetLogger(app).Infof("configuring endpoint %v (%v), timeout=%s, headers=%v", endpoint.Name, endpoint.URL, endpoint.Timeout, endpoint.Headers)
		endpoint := notifications.NewEndpoint(endpoint.Name, endpoint.URL, notifications.EndpointConfig{
			Timeout:           endpoint.Timeout,
			MaxRetries:        endpoint.MaxRetries,
			Backoff:           endpoint.Backoff,
			Headers:           endpoint.Headers,
			Ignore:            endpoint.Ignore,
			QueuePurgeTimeout: endpoint.QueuePurgeTimeout,
			QueueSizeLimit:    endpoint.QueueSizeLimit,
		})

		sinks = append(sinks, endpoint)
	}

	app.events.sink = notifications.NewBroadcaster(
		registryConfig.Notifications.FanoutTimeout,
		sinks...,
	)
	app.registerShutdownFunc(
		func(app *App, errCh chan error, l dlog.Logger) {
			l.Info("closing events notification sink")
			err := app.events.sink.Close()
			if err != nil {
				err = fmt.Errorf("events notification sink shutdown: %w", err)
			} else {
				l.Info("events notification sink has been shut down")
			}
			errCh <- err
		},
		time.Duration(0),
	)

	// Populate registry event source
	hostname, err := os.Hostname()
	if err != nil {
		hostname = registryConfig.HTTP.Addr
	} else {
		// try to pick the port off the config
		_, port, err := net.SplitHostPort(registryConfig.HTTP.Addr)
		if err == nil {
			hostname = net.JoinHostPort(hostname, port)
		}
	}

	app.events.source = notifications.SourceRecord{
		Addr:       hostname,
		InstanceID: dcontext.GetStringValue(app, "instance.id"),
	}
}

// ConfigureRedisClient builds a Redis client from a common Redis
// configuration section and verifies connectivity before returning it.
func ConfigureRedisClient(ctx context.Context, config configuration.RedisCommon) (redis.UniversalClient, error) {
	opts := &redis.UniversalOptions{
		Addrs:            strings.Split(config.Addr, ","),
		DB:               config.DB,
		Username:         config.Username,
		Password:         config.Password,
		DialTimeout:      config.DialTimeout,
		ReadTimeout:      config.ReadTimeout,
		WriteTimeout:     config.WriteTimeout,
		PoolSize:         config.Pool.Size,
		ConnMaxLifetime:  config.Pool.MaxLifetime,
		MasterName:       config.MainName,
		SentinelUsername: config.SentinelUsername,
		SentinelPassword: config.SentinelPassword,
	}
	if config.TLS.Enabled {
		opts.TLSConfig = &tls.Config{
			// nolint: gosec // used for development purposes only
			InsecureSkipVerify: config.TLS.Insecure,
		}
	}
	if config.Pool.IdleTimeout > 0 {
		opts.ConnMaxIdleTime = config.Pool.IdleTimeout
	}

	// redis.NewUniversalClient will take care of returning the appropriate
	// client type (single, sentinel or cluster) based on the options.
	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}

func (app *App) configureRedisCache(ctx context.Context, config *configuration.Configuration) error {
	if !config.Redis.Cache.Enabled {
		return nil
	}

	client, err := ConfigureRedisClient(ctx, config.Redis.Cache)
	if err != nil {
		return fmt.Errorf("failed to configure Redis for caching: %w", err)
	}

	app.redisCacheClient = client
	app.redisCache = iredis.NewCache(client, iredis.WithDefaultTTL(redisCacheTTL))

	// setup expvar
	registry := expvar.Get("registry")
	if registry == nil {
		registry = expvar.NewMap("registry")
	}
	registry.(*expvar.Map).Set("redis", expvar.Func(func() any {
		poolStats := app.redisCacheClient.PoolStats()
		return map[string]any{
			"Config": config.Redis,
			"Active": poolStats.TotalConns - poolStats.IdleConns,
		}
	}))

	app.registerShutdownFunc(
		func(app *App, errCh chan error, l dlog.Logger) {
			l.Info("closing redis cache connection")
			err := app.redisCacheClient.Close()
			if err != nil {
				err = fmt.Errorf("redis cache shutdown: %w", err)
			}
			errCh <- err
		},
		time.Duration(0),
	)

	dlog.GetLogger(dlog.WithContext(app.Context)).Info("redis configured successfully for caching")

	return nil
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.

	// Prepare the context with our own little decorations.
	ctx := r.Context()
	ctx = dcontext.WithRequest(ctx, r)
	ctx, w = dcontext.WithResponseWriter(ctx, w)
	// It is important to pass to dcontext.GetLogger the context of the app
	// and not the request context, as otherwise a new logger will be created
	// instead of chaining the one that was created during application start
	// according to the configuration passed by the user.
	ctx = dcontext.WithLogger(
		ctx,
		dcontext.GetLogger(app.Context).
			WithField(correlation.FieldName, dcontext.GetRequestCorrelationID(ctx)),
	)
	r = r.WithContext(ctx)

	if app.Config.Log.AccessLog.Disabled {
		defer func() {
			status, ok := ctx.Value("http.response.status").(int)
			if ok && status >= 200 && status <= 399 {
				dcontext.GetResponseLogger(r.Context()).Infof("response completed")
			}
		}()
	}

	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for headerName, headerValues := range app.Config.HTTP.Headers {
			for _, value := range headerValues {
				w.Header().Add(headerName, value)
			}
		}

		ctx := app.context(w, r)

		// attach CF-RayID header to context and pass the key to the logger
		ctx.Context = dcontext.WithCFRayID(ctx.Context, r)
		ctx.Context = dcontext.WithLogger(ctx.Context, dcontext.GetLogger(ctx.Context, dcontext.CFRayIDLogKey))

		if err := app.authorized(r, ctx); err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("error resolving request identity")
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeUnauthorized.WithDetail(err.Error()))
			if err := errcode.ServeJSON(w, ctx.Errors); err != nil {
				dcontext.GetLogger(ctx).Errorf("error serving error json: %v (from %v)", err, ctx.Errors)
			}
			return
		}

		// sync up context on the request.
		r = r.WithContext(ctx)

		dispatch(ctx, r).ServeHTTP(w, r)

		// Automated error response handling here. Handlers may return their
		// own errors if they need different behavior.
		if ctx.Errors.Len() > 0 {
			if err := errcode.ServeJSON(w, ctx.Errors); err != nil {
				dcontext.GetLogger(ctx).Errorf("error serving error json: %v (from %v)", err, ctx.Errors)
			}

			app.logError(ctx, r, ctx.Errors)
		}
	})
}

func (*App) logError(ctx context.Context, r *http.Request, errs errcode.Errors) {
	for _, e := range errs {
		var code errcode.ErrorCode
		var message, detail string

		switch ex := e.(type) {
		case errcode.Error:
			code = ex.Code
			message = ex.Message
			detail = fmt.Sprintf("%+v", ex.Detail)
		case errcode.ErrorCode:
			code = ex
			message = ex.Message()
		default:
			// just normal go 'error'
			code = errcode.ErrorCodeUnknown
			message = ex.Error()
		}

		// inject request specific fields into the error logs
		l := dcontext.GetMappedRequestLogger(ctx).WithField("code", code.String())
		if detail != "" {
			l = l.WithField("detail", detail)
		}

		// HEAD requests probe for images that are often not visible to the
		// caller as part of normal request flow, so logging these errors is
		// superfluous.
		if r.Method == http.MethodHead && code == v1.ErrorCodeImageUnknown {
			l.WithError(e).Debug(message)
		} else {
			l.WithError(e).Error(message)
		}

		// only report 500 errors to Sentry
		if code == errcode.ErrorCodeUnknown {
			// Encode detail in error message so that it shows up in Sentry.
			detailSuffix := ""
			if detail != "" {
				detailSuffix = fmt.Sprintf(": %s", detail)
			}
			err := errcode.ErrorCodeUnknown.WithMessage(fmt.Sprintf("%s%s", message, detailSuffix))
			errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithRequest(r), errortracking.WithStackTrace())
		}
	}
}

// context constructs the context object for the application. This only be
// called once per request.
func (app *App) context(_ http.ResponseWriter, r *http.Request) *Context {
	ctx := r.Context()
	ctx = dcontext.WithVars(ctx, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx,
		"vars.image_id",
		"vars.member_id"))

	appContext := &Context{
		App:     app,
		Context: ctx,
	}

	if app.httpHost.Scheme != "" && app.httpHost.Host != "" {
		// A "host" item in the configuration takes precedence over
		// X-Forwarded-Proto and X-Forwarded-Host headers, and the
		// hostname in the request.
		appContext.urlBuilder = urls.NewBuilder(&app.httpHost, false)
	} else {
		appContext.urlBuilder = urls.NewBuilderFromRequest(r, app.Config.HTTP.RelativeURLs)
	}

	return appContext
}

// authorized resolves the caller identity for the request. Failures to parse
// presented credentials surface here; absent credentials resolve to the
// anonymous identity.
func (app *App) authorized(r *http.Request, ctx *Context) error {
	dcontext.GetLogger(ctx).Debug("authorizing request")

	if app.accessController == nil {
		return nil // access controller is not enabled.
	}

	identity, err := app.accessController.Resolve(ctx, r)
	if err != nil {
		return err
	}
	ctx.Identity = identity

	if !identity.IsAnonymous() {
		ctx.Context = dcontext.WithLogger(ctx.Context,
			dcontext.GetLogger(ctx.Context).WithField("auth.user.name", identity.Name))
	}

	return nil
}

// eventBridge returns a bridge for the current request, configured with the
// correct actor and source.
func (app *App) eventBridge(ctx *Context, r *http.Request) notifications.Listener {
	actor := notifications.ActorRecord{
		Name:   ctx.Identity.Name,
		Tenant: ctx.Identity.Tenant,
	}
	request := notifications.NewRequestRecord(dcontext.GetRequestID(ctx), r)

	return notifications.NewBridge(ctx.urlBuilder, app.events.source, actor, request, app.events.sink)
}

func (app *App) registerShutdownFunc(sFunc shutdownFunc, sTimeout time.Duration) {
	app.shutdownConfigs = append(
		app.shutdownConfigs,
		shutdownConfig{
			sFunc:    sFunc,
			sTimeout: sTimeout,
		},
	)
}

// GracefulShutdown allows the app to free any resources before shutdown.
func (app *App) GracefulShutdown(ctx context.Context) error {
	errs := new(multierror.Error)
	l := dlog.GetLogger(dlog.WithContext(ctx))
	errCh := make(chan error, len(app.shutdownConfigs))

	// It is important that we are quick during shutdown, as e.g. k8s can
	// forcefully terminate the pod with SIGKILL if the shutdown takes too
	// long.
	var timeout time.Duration
	for _, sc := range app.shutdownConfigs {
		if sc.sTimeout > 0 {
			if timeout > 0 {
				timeout = min(timeout, sc.sTimeout)
			} else {
				timeout = sc.sTimeout
			}
		}
		go func(sc shutdownConfig) {
			// If a shutdown func panics we should log, report to Sentry and
			// then re-panic, as the instance would be in an
			// inconsistent/unknown state.
			defer func() {
				if err := recover(); err != nil {
					l.WithFields(dlog.Fields{"error": err}).Error("shutdown func stopped with panic")
					sentry.CurrentHub().Recover(err)
					sentry.Flush(5 * time.Second)
					panic(err)
				}
			}()
			sc.sFunc(app, errCh, l)
		}(sc)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		// A "downstream" context will not extend the timeout of the
		// "upstream" context, so an already configured shutdown deadline
		// stays in effect.
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for i := 0; i < len(app.shutdownConfigs); i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("app shutdown failed: %w", ctx.Err())
		case err := <-errCh:
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// defaultCheckInterval is the interval at which periodic health checks probe
// their target.
const defaultCheckInterval = 10 * time.Second

// RegisterHealthChecks registers the application health checks with the
// health registry. When a Redis cache is configured, an asynchronous status
// checker is started so /debug/health reflects connection problems without
// pinging inline. An optional health registry can be provided to replace the
// global one, which is useful for testing.
func (app *App) RegisterHealthChecks(healthRegistries ...*health.Registry) error {
	if len(healthRegistries) > 1 {
		return fmt.Errorf("RegisterHealthChecks called with more than one registry")
	}

	healthRegistry := health.DefaultRegistry
	if len(healthRegistries) == 1 {
		healthRegistry = healthRegistries[0]
	}

	if app.redisCacheClient == nil {
		return nil
	}

	checker := health.NewRedisStatusChecker(
		app.redisCacheClient,
		defaultCheckInterval,
		redisPingTimeout,
		dcontext.GetLogger(app),
	)
	checker.Start(app.Context)
	app.RedisStatusChecker = checker

	return healthRegistry.Register("redis", health.CheckFunc(checker.HealthCheck))
}
