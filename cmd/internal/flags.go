package internal

import "flag"

const (
	addrUsage  = "address for the HTTP server (overrides HTTP_ADDR)"
	auditUsage = "directory for the authorization audit log (overrides AUDIT_DIR)"
)

// RegisterFlags binds command-line overrides to cfg. Call it after LoadConfig so the
// environment values become the flag defaults.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, addrUsage)
	fs.StringVar(&cfg.HTTPAddr, "a", cfg.HTTPAddr, addrUsage+" (shorthand)")
	fs.StringVar(&cfg.AuditDir, "audit-dir", cfg.AuditDir, auditUsage)
	fs.BoolVar(&cfg.OfflineMode, "offline", cfg.OfflineMode, "serve placeholder device flows only")
}
