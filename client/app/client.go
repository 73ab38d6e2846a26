package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	buddysvc "buddy_client/client/buddy/service"
	"buddy_client/client/capability"
	chatsvc "buddy_client/client/chat/service"
	"buddy_client/client/common/infra/cache"
	"buddy_client/client/common/infra/kv"
	"buddy_client/client/common/infra/mq"
	"buddy_client/client/common/infra/object"
	commonlog "buddy_client/client/common/log"
	"buddy_client/client/gateway"
	notifydomain "buddy_client/client/notify/domain"
	notifysvc "buddy_client/client/notify/service"
	sessiondomain "buddy_client/client/session/domain"
	sessionsvc "buddy_client/client/session/service"
	"buddy_client/client/token"
)

const (
	bootstrapTimeout  = 10 * time.Second
	backgroundTimeout = 15 * time.Second
)

// Client is the wired set of services a front end talks to.
type Client struct {
	Config  Config
	Tokens  *token.Store
	Gateway *gateway.Gateway
	Probe   *capability.Probe
	Session *sessionsvc.Controller
	Chat    *chatsvc.Synchronizer
	Notify  *notifysvc.Registrar
	Buddy   *buddysvc.Service

	redis   *redis.Client
	mqConn  *amqp.Connection
	unwatch func()
	bg      sync.WaitGroup
	once    sync.Once
}

func NewClient(cfg Config) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	c := &Client{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			c.closeInfra()
		}
	}()

	if cfg.StoreBackend == StoreRedis || cfg.LiveTransport == TransportRedis {
		c.redis = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, c.redis); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	store, err := c.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.Tokens = token.NewStore(store)

	c.Gateway = gateway.New(gateway.Config{
		Endpoints:        cfg.BackendEndpoints,
		Timeout:          cfg.RequestTimeout,
		FailThreshold:    cfg.FailThreshold,
		EndpointCooldown: cfg.EndpointCooldown,
		UserAgent:        "buddy-client/" + cfg.AppVersion,
	}, c.Tokens)

	c.Probe = capability.New(cfg.CapabilityCooldown)
	c.Probe.Register(capability.RealtimeMessaging, capability.HealthCheck(c.Gateway, cfg.RealtimeComponent))

	c.Session = sessionsvc.NewController(c.Gateway, c.Tokens)

	feed, err := c.newFeed(cfg)
	if err != nil {
		return nil, err
	}
	c.Chat = chatsvc.New(c.Gateway, c.Probe, c.Session, feed, chatsvc.Config{
		HistoryLimit:    cfg.HistoryLimit,
		MaxLiveFailures: cfg.MaxLiveFailures,
	})
	if cfg.MinIOEndpoint != "" {
		objects, err := newObjectStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.Chat.WithAttachments(objects)
	}

	installationID, err := notifysvc.InstallationID(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("installation id: %w", err)
	}
	c.Notify = notifysvc.NewRegistrar(c.Gateway, c.Session, store, notifydomain.CurrentDevice(cfg.AppVersion, installationID))
	if err := c.Notify.Load(ctx); err != nil {
		commonlog.Warnf("event=client_init action=load_registration status=failed error=%v", err)
	}

	c.Session.AddLogoutHook(c.Notify)
	c.Session.AddLogoutHook(c.Chat)
	if cfg.DeviceToken != "" {
		c.unwatch = c.Session.Watch(c.registerOnLogin)
	}

	c.Buddy = buddysvc.New(c.Gateway)

	ok = true
	commonlog.Infof("event=client_init status=ok endpoints=%d store=%s transport=%s", len(cfg.BackendEndpoints), cfg.StoreBackend, cfg.LiveTransport)
	return c, nil
}

func (c *Client) openStore(ctx context.Context, cfg Config) (kv.Store, error) {
	var (
		store kv.Store
		err   error
	)
	switch cfg.StoreBackend {
	case StoreMemory:
		store = kv.NewMemory()
	case StoreRedis:
		store = kv.NewRedis(c.redis, cfg.RedisPrefix, false)
	case StoreSQLite, "":
		store, err = kv.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreSecret == "" {
		return store, nil
	}
	sealed, err := kv.NewSealed(store, []byte(cfg.StoreSecret))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seal store: %w", err)
	}
	return sealed, nil
}

func (c *Client) newFeed(cfg Config) (chatsvc.LiveFeed, error) {
	switch cfg.LiveTransport {
	case TransportWebsocket, "":
		url := cfg.WebsocketURL
		if url == "" && len(cfg.BackendEndpoints) > 0 {
			url = chatsvc.WebsocketURL(cfg.BackendEndpoints[0])
		}
		return chatsvc.NewWebsocketFeed(url, c.Gateway.Bearer), nil
	case TransportRedis:
		return chatsvc.NewRedisFeed(c.redis), nil
	case TransportAMQP:
		conn, err := mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		c.mqConn = conn
		return chatsvc.NewAMQPFeed(conn), nil
	case TransportNone:
		return chatsvc.NoFeed{}, nil
	default:
		return nil, fmt.Errorf("unknown live transport %q", cfg.LiveTransport)
	}
}

func newObjectStore(ctx context.Context, cfg Config) (*object.Store, error) {
	client, err := object.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
	if err != nil {
		return nil, fmt.Errorf("initialize minio: %w", err)
	}
	if err := object.EnsureBucket(ctx, client, cfg.MinIOBucket); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.MinIOBucket, err)
	}
	return object.NewStore(client, cfg.MinIOBucket, cfg.MinIOPublicURL), nil
}

// registerOnLogin pushes the configured device token whenever the session
// becomes authenticated.
func (c *Client) registerOnLogin(s sessiondomain.Session) {
	if !s.Authenticated {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if _, err := c.Notify.Register(ctx, c.Config.DeviceToken); err != nil {
			commonlog.Warnf("event=client_notify action=auto_register status=failed error=%q", err.Error())
		}
	}()
}

// Start restores the persisted session.
func (c *Client) Start(ctx context.Context) sessiondomain.Session {
	return c.Session.Restore(ctx)
}

// Close stops background work and releases every connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		if c.unwatch != nil {
			c.unwatch()
		}
		c.bg.Wait()
		c.Session.Drain()
		c.Chat.Close()
		err = c.closeInfra()
	})
	return err
}

func (c *Client) closeInfra() error {
	var errs []error
	if c.Tokens != nil {
		if err := c.Tokens.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if c.mqConn != nil && !c.mqConn.IsClosed() {
		if err := c.mqConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lavinmq: %w", err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
