package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// messageBuffer is how many undelivered callback messages a channel holds
// before fire-and-forget delivery starts dropping.
const messageBuffer = 64

// Message is one callback delivered to the caller over its stream.
type Message struct {
	Kind         string          `json:"kind"` // "transaction", "statement" or "cleanup"
	Generation   string          `json:"generation"`
	TxGeneration int             `json:"txGeneration"`
	ActionIndex  int             `json:"actionIndex"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Channel is the server-side end of one caller's callback link. It
// implements shim.Callback: sends never block the worker; messages beyond
// the buffer are dropped and logged. A channel goes inactive when the
// caller's stream closes, which also fires the death handler for every
// application the caller touched.
type Channel struct {
	ID     string
	logger *slog.Logger

	onDeath func(appName string)

	mu       sync.Mutex
	active   bool
	attached bool
	apps     map[string]struct{}
	msgs     chan Message
}

func newChannel(onDeath func(appName string), logger *slog.Logger) *Channel {
	return &Channel{
		ID:      uuid.NewString(),
		logger:  logger,
		onDeath: onDeath,
		active:  true,
		apps:    make(map[string]struct{}),
		msgs:    make(chan Message, messageBuffer),
	}
}

// Active reports whether the caller's link is still up.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Touch records that the caller issued work for appName, so death can evict
// that application's sessions later.
func (c *Channel) Touch(appName string) {
	c.mu.Lock()
	c.apps[appName] = struct{}{}
	c.mu.Unlock()
}

func (c *Channel) send(m Message) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return
	}
	select {
	case c.msgs <- m:
	default:
		c.logger.Warn("Callback buffer full, dropping message", "channel", c.ID, "kind", m.Kind)
	}
}

// TransactionResult implements shim.Callback.
func (c *Channel) TransactionResult(generation string, txGeneration int, payload []byte) {
	c.send(Message{Kind: "transaction", Generation: generation, TxGeneration: txGeneration, Result: payload})
}

// StatementResult implements shim.Callback.
func (c *Channel) StatementResult(generation string, txGeneration int, actionIndex int, payload []byte) {
	c.send(Message{Kind: "statement", Generation: generation, TxGeneration: txGeneration, ActionIndex: actionIndex, Result: payload})
}

// CleanupNotice implements shim.Callback.
func (c *Channel) CleanupNotice(generation string) {
	c.send(Message{Kind: "cleanup", Generation: generation})
}

// attach claims the channel's message stream for one consumer.
func (c *Channel) attach() (<-chan Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.attached {
		return nil, false
	}
	c.attached = true
	return c.msgs, true
}

// markDead flips the channel inactive and fires the death handler once per
// touched application. Idempotent.
func (c *Channel) markDead() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	apps := make([]string, 0, len(c.apps))
	for appName := range c.apps {
		apps = append(apps, appName)
	}
	c.mu.Unlock()

	for _, appName := range apps {
		c.onDeath(appName)
	}
}

// ChannelSet tracks the live callback channels by ID.
type ChannelSet struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewChannelSet(logger *slog.Logger) *ChannelSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelSet{
		logger:   logger.With("component", "CallbackChannels"),
		channels: make(map[string]*Channel),
	}
}

// Register creates a new channel whose death triggers onDeath.
func (cs *ChannelSet) Register(onDeath func(appName string)) *Channel {
	c := newChannel(onDeath, cs.logger)
	cs.mu.Lock()
	cs.channels[c.ID] = c
	cs.mu.Unlock()
	cs.logger.Info("Registered callback channel", "channel", c.ID)
	return c
}

// Get returns the channel for the ID, or nil.
func (cs *ChannelSet) Get(id string) *Channel {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.channels[id]
}

// Drop marks the channel dead and forgets it.
func (cs *ChannelSet) Drop(id string) {
	cs.mu.Lock()
	c, ok := cs.channels[id]
	if ok {
		delete(cs.channels, id)
	}
	cs.mu.Unlock()
	if ok {
		c.markDead()
		cs.logger.Info("Dropped callback channel", "channel", id)
	}
}

// DropAll marks every channel dead. Used on shutdown.
func (cs *ChannelSet) DropAll() {
	cs.mu.Lock()
	channels := make([]*Channel, 0, len(cs.channels))
	for _, c := range cs.channels {
		channels = append(channels, c)
	}
	cs.channels = make(map[string]*Channel)
	cs.mu.Unlock()
	for _, c := range channels {
		c.markDead()
	}
}
