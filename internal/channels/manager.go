package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/bridge"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/dedup"
	"github.com/nextlevelbuilder/clawgate/internal/errfmt"
	"github.com/nextlevelbuilder/clawgate/internal/metrics"
	"github.com/nextlevelbuilder/clawgate/internal/security"
	"github.com/nextlevelbuilder/clawgate/internal/tracing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Factory builds an adapter from its channel config. The composition
// root registers one per channel type; hot reload uses them to bring up
// channels that appear in config after startup.
type Factory func(cfg *config.ChannelConfig) (Channel, error)

// ConfigUpdater is implemented by adapters whose filter options
// (whitelist, blacklist, mention gating) can be swapped at runtime
// without a restart.
type ConfigUpdater interface {
	UpdateConfig(cfg *config.ChannelConfig)
}

// MediaStore stages inbound attachments to agent-readable paths and
// removes staged files the pipeline no longer needs. The attachments
// handler implements it.
type MediaStore interface {
	Stage(ctx context.Context, atts []bus.Attachment) []string
	CleanupFile(path string)
}

// Manager owns the channel registry and the inbound routing pipeline.
// Registered adapters get the pipeline installed as their handler; it
// runs dedup, security, metrics, the agent bridge, and response
// enrichment, in that order.
type Manager struct {
	bridge   *bridge.Bridge
	security *security.Manager
	metrics  *metrics.Collector
	dedup    *dedup.Deduplicator
	events   bus.EventPublisher
	media    MediaStore

	mu        sync.RWMutex
	channels  map[string]Channel // key "name:accountID"
	factories map[string]Factory // key channel type name
	cfg       *config.Config
}

// NewManager creates a manager wired to the bridge, security, and
// metrics collaborators. events may be nil when no control plane is
// attached; media may be nil when no staging dir is in use.
func NewManager(b *bridge.Bridge, sec *security.Manager, met *metrics.Collector, cfg *config.Config, events bus.EventPublisher, media MediaStore) *Manager {
	return &Manager{
		bridge:    b,
		security:  sec,
		metrics:   met,
		dedup:     dedup.New(dedup.DefaultTTL, dedup.DefaultMaxSize),
		events:    events,
		media:     media,
		channels:  make(map[string]Channel),
		factories: make(map[string]Factory),
		cfg:       cfg,
	}
}

// RegisterFactory makes a channel type constructible by name.
func (m *Manager) RegisterFactory(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

// Register installs the routing pipeline on the adapter and adds it to
// the registry. The registry key is "name:accountID" so multiple
// accounts of one channel type can coexist.
func (m *Manager) Register(ch Channel) string {
	key := ch.Name() + ":" + ch.AccountID()
	ch.OnMessage(m.handleInbound)

	name := ch.Name()
	ch.OnReconnect(func() {
		m.metrics.RecordReconnect(name)
		m.broadcastStatus(key, protocol.ChannelStatusReconnected)
	})

	m.mu.Lock()
	m.channels[key] = ch
	m.mu.Unlock()

	slog.Info("registered channel", "channel", key)
	return key
}

// Unregister removes a channel from the registry.
func (m *Manager) Unregister(key string) {
	m.mu.Lock()
	_, ok := m.channels[key]
	delete(m.channels, key)
	m.mu.Unlock()

	if ok {
		slog.Info("unregistered channel", "channel", key)
	}
}

// RegisterFromConfig builds and registers an adapter for every enabled
// channel that has a factory and a token. Build failures are logged and
// skipped so one bad channel cannot block the rest.
func (m *Manager) RegisterFromConfig() {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	if cfg == nil {
		return
	}

	for _, name := range cfg.EnabledChannels() {
		chCfg := cfg.Channel(name)
		if chCfg == nil || chCfg.Token == "" {
			continue
		}

		m.mu.RLock()
		factory, ok := m.factories[name]
		m.mu.RUnlock()
		if !ok {
			slog.Warn("no adapter available for channel", "channel", name)
			continue
		}

		ch, err := factory(chCfg)
		if err != nil {
			slog.Error("failed to build channel", "channel", name, "error", err)
			continue
		}
		m.Register(ch)
	}
}

// GetChannel returns a registered channel by registry key.
func (m *Manager) GetChannel(key string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[key]
	return ch, ok
}

// ChannelStatus describes one registered channel for the control plane.
type ChannelStatus struct {
	Type         string                  `json:"type"`
	AccountID    string                  `json:"account_id"`
	Running      bool                    `json:"running"`
	Streaming    bool                    `json:"streaming"`
	Capabilities bus.ChannelCapabilities `json:"capabilities"`
}

// ListChannels reports every registered channel keyed by registry key.
func (m *Manager) ListChannels() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ChannelStatus, len(m.channels))
	for key, ch := range m.channels {
		_, streaming := ch.(StreamingChannel)
		out[key] = ChannelStatus{
			Type:         ch.Name(),
			AccountID:    ch.AccountID(),
			Running:      ch.IsRunning(),
			Streaming:    streaming,
			Capabilities: ch.Capabilities(),
		}
	}
	return out
}

// Keys returns the sorted registry keys.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.channels))
	for key := range m.channels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DedupSize reports how many (channel, message) pairs the deduplicator
// currently remembers.
func (m *Manager) DedupSize() int {
	return m.dedup.Len()
}

func (m *Manager) snapshot() map[string]Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Channel, len(m.channels))
	for key, ch := range m.channels {
		out[key] = ch
	}
	return out
}

// StartAll starts every registered channel concurrently. Failures are
// isolated per channel and logged; the returned error is the first one
// observed, for callers that want to surface it.
func (m *Manager) StartAll(ctx context.Context) error {
	chans := m.snapshot()
	if len(chans) == 0 {
		slog.Warn("no channels to start")
		return nil
	}
	slog.Info("starting channels", "count", len(chans))

	var g errgroup.Group
	for key, ch := range chans {
		g.Go(func() error {
			if err := ch.Start(ctx); err != nil {
				slog.Error("failed to start channel", "channel", key, "error", err)
				return fmt.Errorf("start %s: %w", key, err)
			}
			slog.Info("channel started", "channel", key)
			m.broadcastStatus(key, protocol.ChannelStatusStarted)
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every registered channel concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	chans := m.snapshot()
	if len(chans) == 0 {
		return nil
	}
	slog.Info("stopping channels", "count", len(chans))

	var g errgroup.Group
	for key, ch := range chans {
		g.Go(func() error {
			m.stopChannel(ctx, key, ch)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) stopChannel(ctx context.Context, key string, ch Channel) {
	if err := ch.Stop(ctx); err != nil {
		slog.Error("error stopping channel", "channel", key, "error", err)
		return
	}
	slog.Info("channel stopped", "channel", key)
	m.broadcastStatus(key, protocol.ChannelStatusStopped)
}

// ApplyResult summarizes one hot-reload pass.
type ApplyResult struct {
	Applied         []string `json:"applied"`
	RestartRequired []string `json:"restart_required"`
}

// ApplyConfigChange diffs the new config against the running state.
// Token changes require a restart and are only logged. Disabled channels
// are stopped and unregistered. Whitelist, blacklist, and mention gating
// swap in place. Channels appearing in config for the first time are
// built from their factory and started.
func (m *Manager) ApplyConfigChange(ctx context.Context, newCfg *config.Config) ApplyResult {
	var res ApplyResult

	m.mu.Lock()
	oldCfg := m.cfg
	m.cfg = newCfg
	m.mu.Unlock()

	for name, chCfg := range newCfg.Channels {
		key := name + ":" + chCfg.AccountID

		ch, registered := m.GetChannel(key)
		if registered {
			if oldCfg != nil {
				if oldCh := oldCfg.Channel(name); oldCh != nil && oldCh.Token != chCfg.Token {
					res.RestartRequired = append(res.RestartRequired, key+": token changed")
					slog.Warn("token changed, restart required", "channel", key)
					m.broadcastStatus(key, protocol.ChannelStatusRestarting)
				}
			}

			if !chCfg.Enabled {
				m.stopChannel(ctx, key, ch)
				m.Unregister(key)
				res.Applied = append(res.Applied, "disabled: "+key)
				continue
			}

			if u, ok := ch.(ConfigUpdater); ok {
				u.UpdateConfig(chCfg)
				res.Applied = append(res.Applied, "updated: "+key)
			}
			continue
		}

		// A channel appearing in config after startup is registered on
		// the reload tick.
		if chCfg.Enabled && chCfg.Token != "" {
			if err := m.startFromFactory(ctx, name, chCfg); err != nil {
				slog.Error("failed to start channel from reload", "channel", key, "error", err)
				continue
			}
			res.Applied = append(res.Applied, "registered: "+key)
		}
	}

	m.security.Reload(newCfg)

	if len(res.Applied) > 0 {
		slog.Info("config changes applied", "changes", strings.Join(res.Applied, ", "))
	}
	if len(res.RestartRequired) > 0 {
		slog.Warn("restart required for changes", "changes", strings.Join(res.RestartRequired, ", "))
	}
	// Subscribers get the new config with secrets masked, never the
	// raw one.
	m.broadcast(protocol.EventConfigReloaded, map[string]interface{}{
		"applied":          res.Applied,
		"restart_required": res.RestartRequired,
		"config":           newCfg.MaskedCopy(),
	})
	return res
}

func (m *Manager) startFromFactory(ctx context.Context, name string, chCfg *config.ChannelConfig) error {
	m.mu.RLock()
	factory, ok := m.factories[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no factory for channel %s", name)
	}

	ch, err := factory(chCfg)
	if err != nil {
		return err
	}
	key := m.Register(ch)
	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", key, err)
	}
	m.broadcastStatus(key, protocol.ChannelStatusStarted)
	return nil
}

// handleInbound is the routing pipeline installed on every registered
// adapter. A nil outbound with nil error means the message needs no
// reply. Processing errors never reach the adapter as errors; they come
// back as localized user-facing text.
func (m *Manager) handleInbound(ctx context.Context, msg *bus.InboundMessage, onChunk func(string)) (*bus.OutboundMessage, error) {
	start := time.Now()
	if msg.Timestamp == 0 {
		msg.Timestamp = start.UnixMilli()
	}
	lang := m.channelLang(msg.Channel)

	ctx, span := tracing.StartSpan(ctx, "gateway.route_message",
		trace.WithAttributes(
			tracing.StringAttr("channel", msg.Channel),
			tracing.StringAttr("chat_id", msg.ChatID),
		))
	defer span.End()

	if m.dedup.IsDuplicate(msg.MessageID, msg.Channel) {
		slog.Debug("duplicate message ignored", "channel", msg.Channel, "message_id", msg.MessageID)
		span.SetAttributes(tracing.StringAttr("outcome", "duplicate"))
		m.discardAttachments(msg)
		return nil, nil
	}

	if !m.security.CheckAccess(msg.Channel, msg.UserID) {
		span.SetAttributes(tracing.StringAttr("outcome", "access_denied"))
		m.discardAttachments(msg)
		return &bus.OutboundMessage{Content: errfmt.Message(errfmt.AccessDenied, lang)}, nil
	}
	if !m.security.CheckRateLimit(msg.Channel, msg.UserID) {
		span.SetAttributes(tracing.StringAttr("outcome", "rate_limited"))
		m.discardAttachments(msg)
		return &bus.OutboundMessage{Content: errfmt.Message(errfmt.RateLimit, lang)}, nil
	}
	if !m.security.ValidateContent(msg.Content) {
		span.SetAttributes(tracing.StringAttr("outcome", "invalid"))
		m.discardAttachments(msg)
		return &bus.OutboundMessage{Content: errfmt.Message(errfmt.InvalidMessage, lang)}, nil
	}

	m.metrics.RecordReceived(msg.Channel)

	// The agent only ever sees local paths. Adapters stage their media
	// before handing the message over; Stage covers any attachment that
	// still carries raw bytes or a URL.
	var localPaths []string
	if m.media != nil {
		localPaths = m.media.Stage(ctx, msg.Attachments)
	} else {
		for _, att := range msg.Attachments {
			if att.LocalPath != "" {
				localPaths = append(localPaths, att.LocalPath)
			}
		}
	}

	response, err := m.bridge.ProcessMessage(ctx, msg, localPaths, onChunk)
	if err != nil {
		m.metrics.RecordError(msg.Channel, err)
		tracing.RecordError(span, err)
		span.SetAttributes(tracing.StringAttr("outcome", "error"))
		return &bus.OutboundMessage{Content: errfmt.Format(err, lang)}, nil
	}
	span.SetAttributes(tracing.StringAttr("outcome", "ok"))

	elapsed := time.Since(start)
	m.metrics.RecordSent(msg.Channel, elapsed)
	m.broadcast(protocol.EventMessageProcessed, map[string]interface{}{
		"channel":    msg.Channel,
		"user_id":    msg.UserID,
		"elapsed_ms": elapsed.Milliseconds(),
	})

	return &bus.OutboundMessage{
		Content:     m.security.SanitizeOutput(response),
		Attachments: ExtractImageAttachments(response),
	}, nil
}

// discardAttachments removes staged files for a message the pipeline
// rejected. A rejected message never enters a session, so nothing can
// reference its staging paths afterwards.
func (m *Manager) discardAttachments(msg *bus.InboundMessage) {
	if m.media == nil {
		return
	}
	for _, att := range msg.Attachments {
		if att.LocalPath != "" {
			m.media.CleanupFile(att.LocalPath)
		}
	}
}

// channelLang returns the configured response language for a channel,
// defaulting to zh.
func (m *Manager) channelLang(channel string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg != nil {
		if ch := m.cfg.Channel(channel); ch != nil && ch.Language != "" {
			return ch.Language
		}
	}
	return "zh"
}

func (m *Manager) broadcast(name string, payload interface{}) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

func (m *Manager) broadcastStatus(key, status string) {
	m.broadcast(protocol.EventChannelStatus, map[string]string{
		"channel": key,
		"status":  status,
	})
}
