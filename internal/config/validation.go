package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig checks every section and returns all problems at once.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateSource(&c.Source)...)
	errs = append(errs, validateNotify(&c.Notify)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level %q (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format %q (valid: text, json)", l.Format),
		})
	}

	output := strings.ToLower(l.Output)
	switch output {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}
	if (output == "file" || output == "both") && l.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "file path required when logging to a file",
		})
	}
	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size cannot be negative",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	if a.Enabled && a.FilePath == "" {
		return ValidationErrors{{Field: "audit.file_path", Message: "file path required when audit is enabled"}}
	}
	return nil
}

func validateSource(s *SourceConfig) ValidationErrors {
	var errs ValidationErrors
	for i, dev := range s.Devices {
		if strings.TrimSpace(dev) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("source.devices[%d]", i),
				Message: "device path cannot be empty",
			})
		}
	}
	return errs
}

func validateNotify(n *NotifyConfig) ValidationErrors {
	if n.QueueSize < 1 || n.QueueSize > 65536 {
		return ValidationErrors{{
			Field:   "notify.queue_size",
			Message: "queue size must be between 1 and 65536",
		}}
	}
	return nil
}

func validateJournal(j *JournalConfig) ValidationErrors {
	if j.Enabled && j.Path == "" {
		return ValidationErrors{{Field: "journal.path", Message: "path required when journal is enabled (use :memory: for in-memory)"}}
	}
	return nil
}

func validateIPC(i *IPCConfig) ValidationErrors {
	if i.Enabled && i.SocketPath == "" {
		return ValidationErrors{{Field: "ipc.socket_path", Message: "socket path required when IPC is enabled"}}
	}
	return nil
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	host, port, err := net.SplitHostPort(m.Listen)
	if err != nil || port == "" {
		return ValidationErrors{{Field: "metrics.listen", Message: fmt.Sprintf("invalid listen address %q", m.Listen)}}
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return ValidationErrors{{Field: "metrics.listen", Message: "metrics may only listen on loopback"}}
	}
	return nil
}
