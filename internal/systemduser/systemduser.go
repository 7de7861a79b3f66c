package systemduser

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Systemd restarts the payload units that consume a synchronized installation
type Systemd interface {
	// IsAvailable checks if systemctl --user is accessible
	IsAvailable(ctx context.Context) (bool, error)
	// DaemonReload reloads systemd user configuration
	DaemonReload(ctx context.Context) error
	// TryRestartUnits restarts the specified units if they are running
	TryRestartUnits(ctx context.Context, units []string) error
	// UnitStatus returns the is-active state of a unit
	UnitStatus(ctx context.Context, unit string) string
}

// Client implements Systemd by shelling out to systemctl --user
type Client struct {
	systemctl string
}

// NewClient creates a new systemd client using systemctl from PATH
func NewClient() *Client {
	return &Client{systemctl: "systemctl"}
}

// DaemonReload reloads systemd user daemon configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	if _, err := c.run(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %w", err)
	}
	return nil
}

// TryRestartUnits attempts to restart the specified units.
// try-restart leaves stopped units stopped, so a sync never starts the payload on its own.
func (c *Client) TryRestartUnits(ctx context.Context, units []string) error {
	if len(units) == 0 {
		return nil
	}

	if _, err := c.run(ctx, append([]string{"try-restart"}, units...)...); err != nil {
		return fmt.Errorf("systemctl try-restart had issues (may be non-fatal): %w", err)
	}
	return nil
}

// IsAvailable checks if systemctl --user is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	_, err := c.run(ctx, "status")
	if err != nil {
		// systemctl status exits 1-3 on degraded systems; it is still usable
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() <= 3 {
			return true, nil
		}
		return false, fmt.Errorf("systemctl --user not available: %w", err)
	}
	return true, nil
}

// UnitStatus returns the is-active state of a unit (active, inactive, failed, ...)
func (c *Client) UnitStatus(ctx context.Context, unit string) string {
	// is-active exits non-zero for inactive units; the printed state is what matters
	output, _ := c.run(ctx, "is-active", unit)
	return strings.TrimSpace(output)
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.systemctl, append([]string{"--user"}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
