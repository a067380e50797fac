package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the annotated config template for a fresh
// deployment. The template validates once a real mission key is filled in.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(obcdTemplate), 0o600)
}

const obcdTemplate = `[link]
addr = ":7801"
heartbeat_interval = "5s"
degraded_after_misses = 3
lost_after_misses = 6
write_timeout = "10s"

[crypto]
# 32-byte pre-shared mission key, hex encoded. Never commit a flight key.
key_hex = "0000000000000000000000000000000000000000000000000000000000000000"

[control]
cycle_interval = "200ms"
sensor_timeout = "1s"

[queue]
command_capacity = 32
bulk_capacity = 64

[diag]
enabled = false
addr = ":9102"
`
