package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/protocol"
	"github.com/electr1fy0/tandem/internal/schema"
	"github.com/electr1fy0/tandem/internal/store"
)

// Options configure a Manager. Zero values fall back to the package defaults.
type Options struct {
	Schemas    *schema.Registry
	Store      store.Store
	Logger     zerolog.Logger
	Clock      quartz.Clock
	Registerer prometheus.Registerer

	PingPeriod  time.Duration
	WriteWait   time.Duration
	SaveTimeout time.Duration
	SendBuffer  int
	ReadLimit   int64

	// RateLimit is the sustained number of frames per second accepted from
	// one connection. Negative disables limiting.
	RateLimit rate.Limit
	RateBurst int

	InsecureSkipVerify bool
	OriginPatterns     []string
}

// Manager is the channel registry. All channel state is owned by the run
// goroutine; everything else talks to it over channels.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	clock   quartz.Clock
	schemas *schema.Registry
	persist *persister
	metrics *Metrics

	// owned by run
	channels map[string]*Channel
	clients  map[*client]struct{}

	register   chan *client
	unregister chan *client
	inbound    chan inbound
	queries    chan func()

	running chan struct{}
	done    chan struct{}
}

// Channel is one collaboration room.
type Channel struct {
	name    string
	users   map[string]protocol.User
	sockets map[string]*client
	state   crud.State
	locked  bool
	seq     uint64
}

type inbound struct {
	c         *client
	data      []byte
	throttled bool
}

type client struct {
	m       *Manager
	conn    *websocket.Conn
	send    chan []byte
	id      string
	limiter *rate.Limiter
	log     zerolog.Logger

	// owned by the manager's run goroutine
	userID  string
	channel string

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ChannelInfo is a read-only view of a live channel.
type ChannelInfo struct {
	Name   string          `json:"name"`
	Users  []protocol.User `json:"users"`
	Locked bool            `json:"locked"`
	Seq    uint64          `json:"seq"`
}
