package session

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/go-authgate/session-cli/kvstore"
	"github.com/go-authgate/session-cli/logx"
)

const devicePrefix = "cli_"

// DeviceIdentity hands out a stable identifier for this client installation.
type DeviceIdentity struct {
	kv     kvstore.Store
	logger *slog.Logger

	mu      sync.Mutex
	cached  string
	entropy *ulid.MonotonicEntropy
}

// NewDeviceIdentity returns a DeviceIdentity persisting its id in kv.
func NewDeviceIdentity(kv kvstore.Store, logger *slog.Logger) *DeviceIdentity {
	if logger == nil {
		logger = logx.Discard()
	}
	return &DeviceIdentity{
		kv:      kv,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// DeviceID returns the persisted device id, generating and persisting one on
// first use. When storage is unavailable every call returns a fresh id.
func (d *DeviceIdentity) DeviceID(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != "" {
		return d.cached
	}

	id, err := d.kv.Get(ctx, KeyDeviceID)
	if err == nil && id != "" {
		d.cached = id
		return id
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		d.logger.Warn("device id storage unavailable", "error", err)
		return d.generate()
	}

	id = d.generate()
	if err := d.kv.Set(ctx, KeyDeviceID, id, 0); err != nil {
		d.logger.Warn("failed to persist device id", "error", err)
		return id
	}
	d.cached = id
	return id
}

func (d *DeviceIdentity) generate() string {
	u := ulid.MustNew(ulid.Timestamp(time.Now()), d.entropy)
	return devicePrefix + strings.ToLower(u.String())
}
