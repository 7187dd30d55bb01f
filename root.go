package crmsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/crmsync/crmsync/pkg/config"
	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/connection"
	"github.com/crmsync/crmsync/pkg/graphql"
	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/store"
	"github.com/crmsync/crmsync/pkg/timeline"
	"github.com/crmsync/crmsync/pkg/transport"
)

type options struct {
	logger     logger.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	channels   transport.ChannelProvider
	socketOpts []connection.Option
}

type Option func(o *options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithChannels replaces the socket or MQTT provider New would open.
func WithChannels(p transport.ChannelProvider) Option {
	return func(o *options) { o.channels = p }
}

// WithSocketOptions are passed to connection.NewSocket.
func WithSocketOptions(opts ...connection.Option) Option {
	return func(o *options) { o.socketOpts = append(o.socketOpts, opts...) }
}

// Root owns everything one session needs: the transport, the ten record
// groups and the timeline aggregator.
type Root struct {
	Settings *config.Settings
	Groups   *timeline.Groups
	Timeline *timeline.Aggregator

	client    *graphql.Client
	requester transport.Requester
	channels  transport.ChannelProvider
	closers   []func(ctx context.Context) error

	logger  logger.Logger
	metrics *metrics.Metrics
}

// New connects according to settings. In demo mode nothing is dialed.
// Otherwise the GraphQL client is always built, and the real-time channels
// come from the MQTT broker when one is configured, else from the socket
// when a socket url is set.
func New(ctx context.Context, settings *config.Settings, opts ...Option) (*Root, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Must(settings.LogLevel)
	}

	r := &Root{
		Settings: settings,
		logger:   o.logger,
		metrics:  o.metrics,
	}

	if settings.Demo {
		fixtures, err := timeline.DemoFixtures()
		if err != nil {
			return nil, err
		}
		r.channels = o.channels
		r.build(timeline.WithDemo(fixtures))
		r.logger.Info("running in demo mode")
		return r, nil
	}

	if err := r.connect(ctx, o); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	r.build()
	return r, nil
}

func (r *Root) connect(ctx context.Context, o options) error {
	s := r.Settings

	clientOpts := []graphql.Option{
		graphql.WithAPIKey(s.APIKey),
		graphql.WithToken(s.Token),
		graphql.WithTimeout(s.RequestTimeout),
		graphql.WithLogger(r.logger),
		graphql.WithMetrics(r.metrics),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, graphql.WithHTTPClient(o.httpClient))
	}
	client, err := graphql.NewClient(s.GraphQLURL, clientOpts...)
	if err != nil {
		return fmt.Errorf("creating graphql client: %w", err)
	}
	r.client = client
	r.requester = client
	if s.CacheTTL > 0 {
		r.requester = client.WithCache(s.CacheTTL)
	}

	switch {
	case o.channels != nil:
		r.channels = o.channels
	case s.MQTT.Broker != "":
		p, err := connection.DialMQTT(ctx, connection.MQTTConfig{
			Broker:   s.MQTT.Broker,
			ClientID: s.MQTT.ClientID,
			Username: s.MQTT.Username,
			Password: s.MQTT.Password,
			Prefix:   s.MQTT.Prefix,
		}, r.logger, r.metrics)
		if err != nil {
			return err
		}
		r.channels = p
		r.closers = append(r.closers, func(context.Context) error {
			p.Close()
			return nil
		})
	case s.SocketURL != "":
		socketOpts := append([]connection.Option{
			connection.WithToken(s.Token),
			connection.WithLogger(r.logger),
			connection.WithMetrics(r.metrics),
		}, o.socketOpts...)
		socket, err := connection.NewSocket(s.SocketURL, socketOpts...)
		if err != nil {
			return err
		}
		if err := socket.Connect(ctx); err != nil {
			return err
		}
		r.channels = socket
		r.closers = append(r.closers, socket.Close)
	default:
		r.logger.Warn("no socket_url or mqtt.broker configured, pushed changes are disabled")
	}
	return nil
}

func (r *Root) build(timelineOpts ...timeline.Option) {
	storeOpts := []store.Option{
		store.WithLogger(r.logger),
		store.WithMetrics(r.metrics),
	}
	if r.channels != nil {
		storeOpts = append(storeOpts, store.WithChannels(r.channels))
	}

	var mutators timeline.Mutators
	if r.requester != nil {
		mutators = newMutators(r.requester)
	}
	r.Groups = timeline.NewGroups(mutators, storeOpts...)

	timelineOpts = append([]timeline.Option{
		timeline.WithPageSize(r.Settings.TimelinePageSize),
		timeline.WithLogger(r.logger),
		timeline.WithMetrics(r.metrics),
	}, timelineOpts...)
	r.Timeline = timeline.New(r.requester, r.Groups, timelineOpts...)
}

// Transport returns the requester and channel provider New set up. Either
// half may be nil: both are nil in demo mode.
func (r *Root) Transport() transport.Transport {
	return transport.New(r.requester, r.channels)
}

// Subscribe subscribes every group to its channel.
func (r *Root) Subscribe(ctx context.Context) error {
	if r.channels == nil {
		return fmt.Errorf("subscribing: %w", constants.ErrNotConnected)
	}
	return r.Groups.Subscribe(ctx)
}

// TimelineEvents bootstraps orgID's timeline and returns its records in server order.
func (r *Root) TimelineEvents(ctx context.Context, orgID string) ([]models.Entity, error) {
	if err := r.Timeline.Bootstrap(ctx, orgID); err != nil {
		return nil, err
	}
	return r.Timeline.Events(orgID), nil
}

// Organizations fetches one page of organizations matching where, which may be nil.
func (r *Root) Organizations(ctx context.Context, page models.Pagination, where *models.Filter) (*graphql.OrganizationsPage, error) {
	if r.requester == nil {
		return nil, constants.ErrNotConnected
	}
	return graphql.GetOrganizations(ctx, r.requester, graphql.OrganizationsVariables{
		Pagination: page,
		Where:      where,
	})
}

// Close ends every subscription and closes the connections New opened.
func (r *Root) Close(ctx context.Context) error {
	var errs []error
	if r.Groups != nil {
		if err := r.Groups.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
