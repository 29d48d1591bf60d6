package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a binary
// logging to <dir>/<component>.log; an empty dir means DefaultLogDir.
// The process keeps its log file open and does not reopen it on a signal,
// so the file is truncated in place.
func GenerateLogrotateConfig(component, dir string) string {
	if dir == "" {
		dir = DefaultLogDir
	}
	return fmt.Sprintf(`# Logrotate configuration for partnerbatch %s
# Install: sudo cp this file to /etc/logrotate.d/partnerbatch-%s
# Set logging.max_size_mb to 0 so partnerd does not also rotate the file.

%s/%s.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    copytruncate
}
`, component, component, dir, component)
}
