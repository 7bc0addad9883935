// Package policy audits sshd_config against hardening rules written in Rego.
//
// An Engine compiles the built-in policies and any site policies loaded
// from .rego or .json files, then evaluates them against a parsed
// configuration. Each policy exposes a deny set under its package; members
// are either plain messages or objects carrying keyword, message, severity
// and remediation.
//
// Keywords in the input are lowercased, and each holds every value in file
// order, so policies read the effective value as input.config.<keyword>[0]:
//
//	eng, err := policy.NewEngine(logger, policy.WithMinSeverity(policy.SeverityWarning))
//	if err != nil {
//		return err
//	}
//	msgs, err := eng.AuditConfig(ctx, settings.Config)
//
// Engine satisfies the sshd package's ConfigAuditor interface, which turns
// every message into a WARN item of the diagnostic graph.
//
// A Loader watches policy directories with fsnotify and hands reloaded
// policies to Engine.ReloadPolicies.
package policy
