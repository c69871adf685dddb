package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

var ErrNoAddress = errors.New("no device address")

// AddressResolver finds the network address of a device.
type AddressResolver interface {
	Resolve(ctx context.Context, device string) (string, error)
}

// StaticResolver always answers with the configured address. It is used in
// cloud_v2 mode where telemetry does not carry the local address.
type StaticResolver struct {
	Address string
}

func (r StaticResolver) Resolve(context.Context, string) (string, error) {
	if strings.TrimSpace(r.Address) == "" {
		return "", fmt.Errorf("%w: no static address configured", ErrNoAddress)
	}
	return strings.TrimSpace(r.Address), nil
}

// ValueReader reads the latest value of a leaf.
type ValueReader interface {
	Get(ctx context.Context, path string) (state.Value, error)
}

// AddressLeaf is the telemetry leaf holding a device's local address.
const AddressLeaf = "ip_addr"

// TelemetryResolver reads the address the device reported in its telemetry.
type TelemetryResolver struct {
	Values ValueReader
}

func (r TelemetryResolver) Resolve(ctx context.Context, device string) (string, error) {
	p := state.Join(device, AddressLeaf)
	v, err := r.Values.Get(ctx, p)
	if errors.Is(err, state.ErrNotFound) {
		return "", fmt.Errorf("%w: %s not reported", ErrNoAddress, p)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	addr, _ := v.Val.(string)
	if strings.TrimSpace(addr) == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoAddress, p)
	}
	return strings.TrimSpace(addr), nil
}
